package dedup

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/mention-tracker/internal/core"
	"github.com/you/mention-tracker/internal/httpapi"
)

const schema = `CREATE TABLE IF NOT EXISTS processed_items (
  item_id TEXT NOT NULL,
  platform TEXT NOT NULL,
  payload_json TEXT NOT NULL DEFAULT '{}',
  processed_at TEXT NOT NULL,
  PRIMARY KEY (platform, item_id)
);
CREATE TABLE IF NOT EXISTS action_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  platform TEXT NOT NULL,
  action TEXT NOT NULL,
  details_json TEXT NOT NULL DEFAULT '{}',
  created_at TEXT NOT NULL
);`

const defaultListLimit = 100

// SQLiteStore records processed mention ids and the audit trail of tracker
// actions. Rows in processed_items are never updated once written.
type SQLiteStore struct {
	db *sql.DB

	mu      sync.Mutex
	actions ActionWriter
	closed  bool
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// A single connection keeps :memory: databases coherent and serialises writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	ApplySQLitePragmas(context.Background(), db)
	s := &SQLiteStore{db: db}
	s.actions = directActions{s}
	return s, nil
}

// BufferActions routes LogAction writes through a BufferedWriter.
func (s *SQLiteStore) BufferActions(opts BufferedOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = NewBufferedWriter(directActions{s}, opts)
}

func (s *SQLiteStore) RawDB() *sql.DB { return s.db }

func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

func (s *SQLiteStore) String() string {
	return fmt.Sprintf("SQLiteStore{%p}", s.db)
}

func (s *SQLiteStore) IsProcessed(ctx context.Context, itemID, platform string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_items WHERE platform = ? AND item_id = ? LIMIT 1;`,
		platform, itemID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "lookup processed item")
	}
	return true, nil
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, itemID, platform string, payload any) error {
	_, err := s.markProcessed(ctx, itemID, platform, payload)
	return err
}

// markProcessed reports whether a new row was written; re-marking an item
// is a no-op.
func (s *SQLiteStore) markProcessed(ctx context.Context, itemID, platform string, payload any) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, errors.Wrap(err, "encode payload")
	}
	const q = `INSERT INTO processed_items (item_id, platform, payload_json, processed_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(platform, item_id) DO NOTHING;`
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, q, itemID, platform, nz(string(data), "{}"), ts)
	if err != nil {
		return false, errors.Wrap(err, "insert processed item")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "insert processed item")
	}
	return n > 0, nil
}

func (s *SQLiteStore) LogAction(ctx context.Context, platform, action string, details map[string]any) error {
	data, err := json.Marshal(details)
	if err != nil {
		return errors.Wrap(err, "encode action details")
	}
	s.mu.Lock()
	w := s.actions
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("dedup store closed")
	}
	return w.WriteAction(core.Action{
		Platform:    platform,
		Action:      action,
		DetailsJSON: nz(string(data), "{}"),
		CreatedAt:   time.Now().UTC(),
	})
}

// Cleanup flushes buffered actions and closes the database.
func (s *SQLiteStore) Cleanup() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	w := s.actions
	s.mu.Unlock()

	var flushErr error
	if bw, ok := w.(*BufferedWriter); ok {
		flushErr = bw.Close()
	}
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "close sqlite")
	}
	return flushErr
}

func (s *SQLiteStore) insertAction(a core.Action) error {
	const q = `INSERT INTO action_log (platform, action, details_json, created_at) VALUES (?, ?, ?, ?);`
	_, err := s.db.Exec(q, a.Platform, a.Action, a.DetailsJSON, a.CreatedAt.UTC().Format(time.RFC3339Nano))
	return errors.Wrap(err, "insert action")
}

func nz(s, def string) string {
	if s == "" || s == "null" {
		return def
	}
	return s
}

func (s *SQLiteStore) CountProcessed(ctx context.Context, filters httpapi.Filters) (int64, error) {
	query, args := buildProcessedQuery(filters, true)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count")
	}
	return n, nil
}

func (s *SQLiteStore) ListProcessed(ctx context.Context, filters httpapi.Filters) ([]core.ProcessedItem, error) {
	query, args := buildProcessedQuery(filters, false)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list processed items")
	}
	defer rows.Close()

	var out []core.ProcessedItem
	for rows.Next() {
		var (
			item core.ProcessedItem
			ts   string
		)
		if err := rows.Scan(&item.ItemID, &item.Platform, &item.PayloadJSON, &ts); err != nil {
			return nil, errors.Wrap(err, "scan processed item")
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			item.ProcessedAt = t
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate processed items")
	}
	return out, nil
}

func (s *SQLiteStore) ListActions(ctx context.Context, filters httpapi.Filters) ([]core.Action, error) {
	var (
		builder strings.Builder
		args    []any
	)
	builder.WriteString("SELECT id, platform, action, details_json, created_at FROM action_log")
	conditions, args := filterConditions(filters, "created_at")
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY id ")
	builder.WriteString(orderSQL(filters.Order))
	builder.WriteString(" LIMIT ?;")
	args = append(args, limitOrDefault(filters.Limit))

	rows, err := s.db.QueryContext(ctx, builder.String(), args...)
	if err != nil {
		return nil, errors.Wrap(err, "list actions")
	}
	defer rows.Close()

	var out []core.Action
	for rows.Next() {
		var (
			a  core.Action
			ts string
		)
		if err := rows.Scan(&a.ID, &a.Platform, &a.Action, &a.DetailsJSON, &ts); err != nil {
			return nil, errors.Wrap(err, "scan action")
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			a.CreatedAt = t
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate actions")
	}
	return out, nil
}

func buildProcessedQuery(filters httpapi.Filters, count bool) (string, []any) {
	var builder strings.Builder
	if count {
		builder.WriteString("SELECT COUNT(*) FROM processed_items")
	} else {
		builder.WriteString("SELECT item_id, platform, payload_json, processed_at FROM processed_items")
	}

	conditions, args := filterConditions(filters, "processed_at")
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}

	if !count {
		builder.WriteString(" ORDER BY processed_at ")
		builder.WriteString(orderSQL(filters.Order))
		builder.WriteString(" LIMIT ?")
		args = append(args, limitOrDefault(filters.Limit))
	}

	builder.WriteString(";")
	return builder.String(), args
}

func filterConditions(filters httpapi.Filters, tsColumn string) ([]string, []any) {
	var (
		conditions []string
		args       []any
	)
	if len(filters.Platforms) > 0 {
		placeholders := make([]string, 0, len(filters.Platforms))
		for _, p := range filters.Platforms {
			placeholders = append(placeholders, "?")
			args = append(args, p)
		}
		conditions = append(conditions, fmt.Sprintf("platform IN (%s)", strings.Join(placeholders, ",")))
	}
	if filters.Since != nil {
		conditions = append(conditions, tsColumn+" >= ?")
		args = append(args, filters.Since.UTC().Format(time.RFC3339Nano))
	}
	return conditions, args
}

func orderSQL(order httpapi.Order) string {
	if order == httpapi.OrderAsc {
		return "ASC"
	}
	return "DESC"
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
