package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteOperationTimeout = 5 * time.Second

// SQLiteQueue keeps the outbox in a local database file. A single connection
// serializes writers inside the process; busy_timeout covers other processes.
type SQLiteQueue struct {
	db           *sql.DB
	capacity     int
	pollInterval time.Duration
}

func NewSQLiteQueue(path string, capacity int) (Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create outbox dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open outbox db: %w", err)
	}
	db.SetMaxOpenConns(1)
	q := &SQLiteQueue{db: db, capacity: capacity, pollInterval: 10 * time.Millisecond}
	if err := q.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate outbox: %w", err)
	}
	return q, nil
}

func (q *SQLiteQueue) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	_, err := q.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS outbox (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id    TEXT NOT NULL UNIQUE,
		payload    TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`)
	return err
}

func (q *SQLiteQueue) TryEnqueue(item Item) bool {
	if strings.TrimSpace(item.ID) == "" {
		return false
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	defer tx.Rollback()

	var depth int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM outbox").Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO outbox (item_id, payload, created_at) VALUES (?, ?, ?)",
		item.ID, string(payload), time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return false
	}
	return tx.Commit() == nil
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, item Item) bool {
	return pollUntil(ctx, q.pollInterval, func() bool { return q.TryEnqueue(item) })
}

func (q *SQLiteQueue) Dequeue(ctx context.Context) (Item, bool) {
	var out Item
	ok := pollUntil(ctx, q.pollInterval, func() bool {
		item, found := q.take(ctx, "SELECT seq, payload FROM outbox ORDER BY seq ASC LIMIT 1")
		out = item
		return found
	})
	return out, ok
}

func (q *SQLiteQueue) Remove(id string) (Item, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	return q.take(ctx, "SELECT seq, payload FROM outbox WHERE item_id = ?", strings.TrimSpace(id))
}

func (q *SQLiteQueue) take(ctx context.Context, query string, args ...any) (Item, bool) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return Item{}, false
	}
	defer tx.Rollback()

	var seq int64
	var payload string
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&seq, &payload); err != nil {
		return Item{}, false
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM outbox WHERE seq = ?", seq); err != nil {
		return Item{}, false
	}
	if err := tx.Commit(); err != nil {
		return Item{}, false
	}
	var item Item
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		return Item{}, false
	}
	return item, true
}

func (q *SQLiteQueue) Depth() int {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	var depth int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM outbox").Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *SQLiteQueue) Capacity() int {
	return q.capacity
}

func (q *SQLiteQueue) Snapshot() []Item {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	rows, err := q.db.QueryContext(ctx, "SELECT payload FROM outbox ORDER BY seq ASC")
	if err != nil {
		return nil
	}
	defer rows.Close()

	items := make([]Item, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			continue
		}
		var item Item
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items
}

func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
