package dedup

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"strings"
)

var tuningPragmas = []string{
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA busy_timeout=5000;",
	"PRAGMA wal_autocheckpoint=1000;",
	"PRAGMA temp_store=MEMORY;",
}

// ApplySQLitePragmas applies optional tuning statements when
// MENTIONS_SQLITE_TUNING is truthy. Each result is logged.
func ApplySQLitePragmas(ctx context.Context, db *sql.DB) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("MENTIONS_SQLITE_TUNING"))) {
	case "1", "true", "yes":
	default:
		return
	}

	for _, pragma := range tuningPragmas {
		value, err := applyPragma(ctx, db, pragma)
		if err != nil {
			slog.Warn("dedup: pragma failed", "pragma", pragma, "err", err)
			continue
		}
		slog.Info("dedup: pragma applied", "pragma", pragma, "value", value)
	}
}

func applyPragma(ctx context.Context, db *sql.DB, pragma string) (any, error) {
	var value any
	err := db.QueryRowContext(ctx, pragma).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			return nil, execErr
		}
		return "ok", nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}
