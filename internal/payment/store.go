package payment

import "context"

// Store persists payment records.
//
// Upsert keys on CommerceOrder: an insert assigns ID and CreatedAt, an
// update applies Status and Amount but never clears a previously assigned
// token and never changes CommerceOrder or CreatedAt. Implementations must
// keep CommerceOrder and Token unique across records and make Upsert atomic:
// two concurrent reconciliations for the same order may race on status
// (last writer wins) but must not create duplicate rows.
type Store interface {
	Upsert(ctx context.Context, p *Payment) error
	GetByCommerceOrder(ctx context.Context, commerceOrder string) (*Payment, error)
	GetByToken(ctx context.Context, token string) (*Payment, error)
}
