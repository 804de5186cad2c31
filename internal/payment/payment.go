// Package payment holds the payment record, its create/reconcile/status
// orchestration, and the HTTP handlers exposing them.
//
// Lifecycle: a checkout creates a PENDING record with the token Flow
// assigned; reconciliation fetches the gateway's view by token and moves the
// record to PAID or FAILED. A PAID transition triggers a best-effort boleta
// notification. Records are never deleted.
package payment

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrNotFound       = errors.New("payment: not found")
	ErrInvalidAmount  = errors.New("payment: amount must be positive")
	ErrMissingEmail   = errors.New("payment: email is required")
	ErrNoCartSupport  = errors.New("payment: cart checkout is not configured")
	ErrDuplicateOrder = errors.New("payment: commerce order already exists")
	ErrDuplicateToken = errors.New("payment: token already assigned to another order")
)

// StatusValue represents the internal payment state.
type StatusValue string

const (
	StatusPending StatusValue = "PENDING"
	StatusPaid    StatusValue = "PAID"
	StatusFailed  StatusValue = "FAILED"
)

// Payment is one purchase attempt tracked against the gateway.
type Payment struct {
	ID            int64       `json:"id"`
	CommerceOrder string      `json:"commerceOrder"` // immutable business key
	Token         string      `json:"token"`         // set at most once, by the create flow
	Status        StatusValue `json:"status"`
	Amount        int         `json:"amount"` // CLP, minor units
	CreatedAt     time.Time   `json:"createdAt"`
}

// CreateRequest is the checkout payload. Two modes share one body: direct
// (CommerceOrder/Subject/Amount supplied) and cart (UserID/Cart supplied,
// amount computed by the price resolver). The service resolves the mode to a
// single amount before any gateway work.
type CreateRequest struct {
	Email         string     `json:"email" binding:"required"`
	CommerceOrder string     `json:"commerceOrder"`
	Subject       string     `json:"subject"`
	Amount        int        `json:"amount"`
	UserID        int64      `json:"userId"`
	Cart          []CartItem `json:"cart"`
}

// CartItem mirrors pricing.CartLine at the API boundary.
type CartItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// CreateResponse is returned from a successful checkout.
type CreateResponse struct {
	URL   string `json:"url"` // gateway redirect including ?token=
	Token string `json:"token"`
}

// VerifyResponse is returned from confirm/return reconciliation.
type VerifyResponse struct {
	Status        string `json:"status"`
	CommerceOrder string `json:"commerceOrder"`
	Token         string `json:"token"`
}

// StatusResponse is returned from the status query.
type StatusResponse struct {
	Status        string `json:"status"`
	CommerceOrder string `json:"commerceOrder"`
	Amount        int    `json:"amount"`
	Token         string `json:"token"`
}

// GatewayClient abstracts the Flow client.
type GatewayClient interface {
	CreateSession(ctx context.Context, commerceOrder, subject string, amount int, email string) (url, token string, err error)
	FetchStatus(ctx context.Context, token string) (status, commerceOrder string, err error)
}

// AmountResolver abstracts the price resolver for cart-mode checkouts.
type AmountResolver interface {
	ResolveAmount(ctx context.Context, cart []CartItem) (int, error)
}

// BillingNotifier abstracts the boleta notification side effect.
type BillingNotifier interface {
	NotifyPaid(ctx context.Context, commerceOrder string, total int) error
}
