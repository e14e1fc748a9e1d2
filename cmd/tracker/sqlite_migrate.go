package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
)

const schemaVersion = 2

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// migrateSQLite brings databases written by older tracker builds up to the
// current dedup schema. Version 1 stored the snapshot in a "data" column and
// allowed NULL payloads.
func migrateSQLite(ctx context.Context, db *sql.DB) error {
	path := sqlitePath(ctx, db)
	userVersion, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: user_version: %w", err)
	}

	log.Printf("tracker: sqlite: path=%s user_version=%d", path, userVersion)

	columns, err := sqliteTableInfo(ctx, db, "processed_items")
	if err != nil {
		return fmt.Errorf("sqlite: describe processed_items: %w", err)
	}
	if len(columns) == 0 {
		log.Printf("tracker: sqlite: processed_items table missing; skipping migration")
		return nil
	}

	if _, ok := columns["payload_json"]; !ok {
		if _, err := db.ExecContext(ctx, `ALTER TABLE processed_items ADD COLUMN payload_json TEXT NOT NULL DEFAULT '{}';`); err != nil {
			return fmt.Errorf("sqlite: ensure payload_json column: %w", err)
		}
		log.Printf("tracker: sqlite: added payload_json column to processed_items")
		if _, ok := columns["data"]; ok {
			res, err := db.ExecContext(ctx, `UPDATE processed_items SET payload_json = data WHERE data IS NOT NULL AND TRIM(data) != '';`)
			if err != nil {
				return fmt.Errorf("sqlite: copy legacy data column: %w", err)
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				log.Printf("tracker: sqlite: copied legacy payloads=%d", n)
			}
		}
	}

	normalize := []struct {
		query string
		label string
	}{
		{`UPDATE processed_items SET payload_json='{}' WHERE payload_json IS NULL OR TRIM(payload_json) IN ('', 'null');`, "payload_json"},
		{`UPDATE action_log SET details_json='{}' WHERE details_json IS NULL OR TRIM(details_json) IN ('', 'null');`, "details_json"},
	}
	for _, step := range normalize {
		res, execErr := db.ExecContext(ctx, step.query)
		if execErr != nil {
			return fmt.Errorf("sqlite: normalize %s: %w", step.label, execErr)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			log.Printf("tracker: sqlite: normalized %s empties=%d", step.label, n)
		}
	}

	dedupeSQL := `DELETE FROM processed_items
WHERE rowid NOT IN (
  SELECT MIN(rowid) FROM processed_items GROUP BY platform, item_id
);`
	if res, execErr := db.ExecContext(ctx, dedupeSQL); execErr != nil {
		return fmt.Errorf("sqlite: dedupe platform/item_id: %w", execErr)
	} else if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Printf("tracker: sqlite: removed %d duplicate processed items", n)
	}

	indices := []struct {
		name string
		ddl  string
	}{
		{"processed_items_uq_platform_item", `CREATE UNIQUE INDEX IF NOT EXISTS processed_items_uq_platform_item
        ON processed_items(platform, item_id);`},
		{"processed_items_processed_at", `CREATE INDEX IF NOT EXISTS processed_items_processed_at
        ON processed_items(processed_at);`},
		{"action_log_created_at", `CREATE INDEX IF NOT EXISTS action_log_created_at
        ON action_log(created_at);`},
	}
	for _, idx := range indices {
		if _, err := db.ExecContext(ctx, idx.ddl); err != nil {
			return fmt.Errorf("sqlite: ensure %s: %w", idx.name, err)
		}
	}

	if userVersion < schemaVersion {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, schemaVersion)); err != nil {
			return fmt.Errorf("sqlite: set user_version: %w", err)
		}
	}

	hasIndex, err := sqliteHasIndex(ctx, db, "processed_items", "processed_items_uq_platform_item")
	if err != nil {
		return fmt.Errorf("sqlite: inspect indices: %w", err)
	}
	var processed, actions int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_items;`).Scan(&processed); err != nil {
		return fmt.Errorf("sqlite: count processed_items: %w", err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM action_log;`).Scan(&actions); err != nil {
		return fmt.Errorf("sqlite: count action_log: %w", err)
	}

	log.Printf("tracker: sqlite: processed_items_uq_platform_item=%v processed=%d actions=%d",
		hasIndex,
		processed,
		actions,
	)

	return nil
}

func sqlitePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	return "(unknown)"
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var userVersion int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&userVersion); err != nil {
		return 0, err
	}
	return userVersion, nil
}

func sqliteTableInfo(ctx context.Context, db *sql.DB, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		out[strings.ToLower(strings.TrimSpace(name))] = sqliteColumn{
			Name:        name,
			Type:        strings.TrimSpace(colType),
			NotNull:     notNull == 1,
			DefaultText: strings.TrimSpace(defaultVal.String),
		}
	}
	return out, rows.Err()
}

func sqliteHasIndex(ctx context.Context, db *sql.DB, table, index string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list('%s');`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), index) {
			return true, nil
		}
	}
	return false, rows.Err()
}
