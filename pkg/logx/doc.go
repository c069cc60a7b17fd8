// Package logx configures hookrelay's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional ops-chat sink that mirrors warnings to Telegram
//     (min-level + rate limiting, never blocks the caller)
package logx
