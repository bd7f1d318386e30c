// Package httpapi serves the operator API: schedule management, run history,
// trigger-all and scheduler status under /api/automation.
//
// With a JWT secret configured every route except /healthz requires an HS256 bearer
// token. Non-admin tokens only see schedules whose user_id matches their claim.
package httpapi
