// Package storage persists the chat registry and the delivery audit log.
//
// Drivers:
//   - "file": one JSON document for the registry (atomic tmp+fsync+rename)
//     plus an append-only <prefix>.audit.jsonl
//   - "sqlite": a single SQLite file with chats and audit tables
package storage
