package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "groupcast/pkg/logx"
)

// Open initializes the configured store and brings its schema up to date.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		st, err := openSQLite(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres", "pgx":
		st, err := openPostgres(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
