package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `id, reference, type, status, sender_id, receiver_id, actor_id,
	amount, currency, network, to_address, risk_score, risk_level, decision_reason,
	tx_hash, block_number, confirmations, gas_fee, explorer_url,
	created_at, updated_at, executed_at`

func (s *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`,
		tx.ID, tx.Reference, string(tx.Type), string(tx.Status),
		tx.SenderID, tx.ReceiverID, nullStr(tx.ActorID),
		tx.Amount, tx.Currency, tx.Network, nullStr(tx.ToAddress),
		tx.RiskScore, string(tx.RiskLevel), nullStr(tx.DecisionReason),
		nullStr(tx.TxHash), int64(tx.BlockNumber), tx.Confirmations,
		nullStr(tx.GasFee), nullStr(tx.ExplorerURL),
		tx.CreatedAt, tx.UpdatedAt, tx.ExecutedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return ErrDuplicateRef
	}
	if err != nil {
		return fmt.Errorf("ledger: insert transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.getWhere(ctx, "id = $1", id)
}

func (s *PostgresStore) GetByReference(ctx context.Context, ref string) (*Transaction, error) {
	return s.getWhere(ctx, "reference = $1", ref)
}

func (s *PostgresStore) getWhere(ctx context.Context, where string, arg any) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE `+where, arg)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get transaction: %w", err)
	}
	return tx, nil
}

func (s *PostgresStore) Update(ctx context.Context, tx *Transaction) error {
	tx.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET
			status = $2, risk_score = $3, risk_level = $4, decision_reason = $5,
			tx_hash = $6, block_number = $7, confirmations = $8, gas_fee = $9,
			explorer_url = $10, updated_at = $11, executed_at = $12
		WHERE id = $1
	`,
		tx.ID, string(tx.Status), tx.RiskScore, string(tx.RiskLevel),
		nullStr(tx.DecisionReason), nullStr(tx.TxHash), int64(tx.BlockNumber),
		tx.Confirmations, nullStr(tx.GasFee), nullStr(tx.ExplorerURL),
		tx.UpdatedAt, tx.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("ledger: update transaction: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByActor(ctx context.Context, actorID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE actor_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, actorID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan transaction: %w", err)
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CountByStatus(ctx context.Context, actorID string, status Status, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE actor_id = $1 AND status = $2 AND ($3::timestamptz IS NULL OR created_at >= $3)
	`, actorID, string(status), nullTime(since)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ledger: count by status: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) SumCompleted(ctx context.Context, actorID string, since time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount::numeric), 0) FROM transactions
		WHERE actor_id = $1 AND status = $2 AND ($3::timestamptz IS NULL OR created_at >= $3)
	`, actorID, string(StatusConfirmed), nullTime(since)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("ledger: sum completed: %w", err)
	}
	return total, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		tx                                           Transaction
		typ, status, riskLevel                       string
		actorID, toAddr, reason, hash, gasFee, expUR sql.NullString
		blockNumber                                  int64
		executedAt                                   sql.NullTime
	)
	err := row.Scan(
		&tx.ID, &tx.Reference, &typ, &status, &tx.SenderID, &tx.ReceiverID, &actorID,
		&tx.Amount, &tx.Currency, &tx.Network, &toAddr, &tx.RiskScore, &riskLevel, &reason,
		&hash, &blockNumber, &tx.Confirmations, &gasFee, &expUR,
		&tx.CreatedAt, &tx.UpdatedAt, &executedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Type = Type(typ)
	tx.Status = Status(status)
	tx.RiskLevel = RiskLevel(riskLevel)
	tx.ActorID = actorID.String
	tx.ToAddress = toAddr.String
	tx.DecisionReason = reason.String
	tx.TxHash = hash.String
	tx.BlockNumber = uint64(blockNumber)
	tx.GasFee = gasFee.String
	tx.ExplorerURL = expUR.String
	if executedAt.Valid {
		t := executedAt.Time
		tx.ExecutedAt = &t
	}
	return &tx, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
