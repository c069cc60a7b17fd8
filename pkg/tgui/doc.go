// Package tgui has small helpers for building Telegram message text:
// HTML escaping/markup (safe by default for ParseMode="HTML") and
// rune-aware truncation.
package tgui
