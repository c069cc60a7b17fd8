package storage

import (
	"context"
	"errors"
	"strings"

	logx "hookrelay/pkg/logx"
)

// Store is the persistence API used by the registry and the relay pipeline.
//
// SaveChats replaces the whole registry; records are written in slice order and
// LoadChats returns them in that order.
type Store interface {
	LoadChats(ctx context.Context) ([]ChatRecord, error)
	SaveChats(ctx context.Context, recs []ChatRecord) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
