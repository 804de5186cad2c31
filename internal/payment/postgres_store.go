package payment

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists payment records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Upsert inserts or updates the record keyed by commerce_order in a single
// statement, so concurrent reconciliations cannot create duplicate rows.
// The CASE keeps an already-assigned token from being cleared or replaced.
func (p *PostgresStore) Upsert(ctx context.Context, payment *Payment) error {
	createdAt := payment.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	row := p.db.QueryRowContext(ctx, `
		INSERT INTO payments (commerce_order, token, status, amount, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (commerce_order) DO UPDATE SET
			status = EXCLUDED.status,
			amount = EXCLUDED.amount,
			token  = CASE WHEN payments.token = '' THEN EXCLUDED.token ELSE payments.token END
		RETURNING id, token, created_at`,
		payment.CommerceOrder, payment.Token, string(payment.Status), payment.Amount, createdAt,
	)

	if err := row.Scan(&payment.ID, &payment.Token, &payment.CreatedAt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateToken
		}
		return err
	}
	return nil
}

func (p *PostgresStore) GetByCommerceOrder(ctx context.Context, commerceOrder string) (*Payment, error) {
	return scanPayment(p.db.QueryRowContext(ctx, `
		SELECT id, commerce_order, token, status, amount, created_at
		FROM payments WHERE commerce_order = $1`, commerceOrder))
}

func (p *PostgresStore) GetByToken(ctx context.Context, token string) (*Payment, error) {
	return scanPayment(p.db.QueryRowContext(ctx, `
		SELECT id, commerce_order, token, status, amount, created_at
		FROM payments WHERE token = $1 AND token <> ''`, token))
}

type paymentScanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(sc paymentScanner) (*Payment, error) {
	pmt := &Payment{}
	var status string

	err := sc.Scan(&pmt.ID, &pmt.CommerceOrder, &pmt.Token, &status, &pmt.Amount, &pmt.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	pmt.Status = StatusValue(status)
	return pmt, nil
}

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)
