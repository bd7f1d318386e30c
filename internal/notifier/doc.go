// Package notifier delivers automation results to Telegram.
//
// Sends are synchronous so the caller can record the outcome, but each one
// passes through a shared token bucket and a bounded retry loop. Long
// messages are split into Telegram-sized chunks.
//
// Destinations are strings of the form "chatID" or "chatID:threadID" (the
// latter targets a forum topic).
package notifier
