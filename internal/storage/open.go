package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "notiflow/pkg/logx"
)

// Store is the minimal persistence API used by the pipeline and spam layers.
type Store interface {
	AppendEmission(ctx context.Context, r EmissionRecord) error
	RecentEmissions(ctx context.Context, channelID string, limit int) ([]EmissionRecord, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
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
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
