// Package tgui provides small helpers for Telegram HTML messages:
//   - escaping-safe builders for the tags Telegram accepts in ParseMode="HTML"
//   - splitting long text into chunks under Telegram's message limit
package tgui
