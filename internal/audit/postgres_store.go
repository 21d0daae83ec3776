package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists audit entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (transaction_id, actor_id, operation, detail, request_id, created_at)
		VALUES ($1, $2, $3, $4::JSONB, $5, NOW())
	`, nullStr(e.TransactionID), nullStr(e.ActorID), e.Operation,
		jsonOrEmpty(e.Detail), nullStr(e.RequestID))
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, actorID string, from, to time.Time, operation string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	if to.IsZero() {
		to = time.Now()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(transaction_id, ''), COALESCE(actor_id, ''), operation,
			COALESCE(detail::TEXT, '{}'), COALESCE(request_id, ''), created_at
		FROM audit_log
		WHERE ($1 = '' OR actor_id = $1)
			AND ($2::timestamptz IS NULL OR created_at >= $2)
			AND created_at <= $3
			AND ($4 = '' OR operation = $4)
		ORDER BY created_at DESC, id DESC
		LIMIT $5
	`, actorID, nullTime(from), to, operation, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.ActorID, &e.Operation,
			&e.Detail, &e.RequestID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func jsonOrEmpty(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
