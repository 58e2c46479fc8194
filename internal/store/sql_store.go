package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/retry"

	_ "github.com/lib/pq"
)

// Repository persists dispatch items so queue membership and status can be
// reconstructed after a restart. Schema and engine are this layer's concern,
// not the dispatch service's.
type Repository interface {
	Save(ctx context.Context, item Item) error
	Load(ctx context.Context, id int64) (Item, error)
	LoadActive(ctx context.Context) ([]Item, error)
	Delete(ctx context.Context, id int64) error
}

const schema = `
CREATE TABLE IF NOT EXISTS dispatch_items (
    id             BIGINT PRIMARY KEY,
    client_id      TEXT NOT NULL,
    destination    TEXT NOT NULL,
    message        TEXT NOT NULL,
    parts          INT NOT NULL,
    status         TEXT NOT NULL,
    priority       INT NOT NULL,
    retry_strategy TEXT NOT NULL,
    retry_count    INT NOT NULL,
    max_retries    INT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL,
    scheduled_at   TIMESTAMPTZ,
    sent_at        TIMESTAMPTZ,
    error_message  TEXT,
    metadata       JSONB
);
CREATE INDEX IF NOT EXISTS dispatch_items_status_idx ON dispatch_items (status);
`

type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(databaseURL string) (*SQLStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Save(ctx context.Context, item Item) error {
	metaBytes, err := json.Marshal(item.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
           INSERT INTO dispatch_items (id, client_id, destination, message, parts, status, priority, retry_strategy, retry_count, max_retries, created_at, scheduled_at, sent_at, error_message, metadata)
           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
           ON CONFLICT (id) DO UPDATE
           SET status = EXCLUDED.status,
               priority = EXCLUDED.priority,
               retry_strategy = EXCLUDED.retry_strategy,
               retry_count = EXCLUDED.retry_count,
               scheduled_at = EXCLUDED.scheduled_at,
               sent_at = EXCLUDED.sent_at,
               error_message = EXCLUDED.error_message,
               metadata = EXCLUDED.metadata
       `, item.ID, item.ClientID, item.Destination, item.Message, item.Parts, string(item.Status), int(item.Priority),
		string(item.RetryStrategy), item.RetryCount, item.MaxRetries, item.CreatedAt, item.ScheduledAt,
		item.SentAt, item.ErrorMessage, metaBytes)
	if err != nil {
		return fmt.Errorf("upsert dispatch item: %w", err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, id int64) (Item, error) {
	row := s.db.QueryRowContext(ctx, `
           SELECT id, client_id, destination, message, parts, status, priority, retry_strategy, retry_count, max_retries, created_at, scheduled_at, sent_at, error_message, metadata
           FROM dispatch_items WHERE id = $1
       `, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return Item{}, err
	}
	if err != nil {
		return Item{}, fmt.Errorf("load dispatch item: %w", err)
	}
	return item, nil
}

// LoadActive returns items that should re-enter the queue after a restart.
// Items caught mid-send when the process died are included; the dispatch
// service re-queues them.
func (s *SQLStore) LoadActive(ctx context.Context) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
           SELECT id, client_id, destination, message, parts, status, priority, retry_strategy, retry_count, max_retries, created_at, scheduled_at, sent_at, error_message, metadata
           FROM dispatch_items
           WHERE status IN ('queued', 'scheduled', 'sending')
           ORDER BY created_at
       `)
	if err != nil {
		return nil, fmt.Errorf("load active items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan active item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dispatch_items WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete dispatch item: %w", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanItem(row scannable) (Item, error) {
	var (
		item      Item
		status    string
		priority  int
		strategy  string
		metaBytes []byte
	)
	err := row.Scan(&item.ID, &item.ClientID, &item.Destination, &item.Message, &item.Parts, &status, &priority,
		&strategy, &item.RetryCount, &item.MaxRetries, &item.CreatedAt, &item.ScheduledAt, &item.SentAt,
		&item.ErrorMessage, &metaBytes)
	if err != nil {
		return Item{}, err
	}
	item.Status = Status(status)
	item.Priority = Priority(priority)
	item.RetryStrategy = retry.Strategy(strategy)
	if len(metaBytes) > 0 {
		if err := json.Unmarshal(metaBytes, &item.Metadata); err != nil {
			return Item{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return item, nil
}
