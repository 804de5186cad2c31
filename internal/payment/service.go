package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/GioviOlavarria/tandehouse-payment-api/internal/idgen"
	"github.com/GioviOlavarria/tandehouse-payment-api/internal/traces"
)

// billingNotifyTimeout bounds a detached boleta notification.
const billingNotifyTimeout = 30 * time.Second

// Service implements payment business logic.
type Service struct {
	store    Store
	gateway  GatewayClient
	resolver AmountResolver // nil when no product service is configured
	billing  BillingNotifier
	logger   *slog.Logger
	locks    orderLocks
	notifyWG sync.WaitGroup
}

// NewService creates a new payment service. resolver and billing may be nil;
// the corresponding features degrade to explicit errors or no-ops.
func NewService(store Store, gateway GatewayClient, resolver AmountResolver, billing BillingNotifier, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		gateway:  gateway,
		resolver: resolver,
		billing:  billing,
		logger:   logger,
		locks:    orderLocks{entries: make(map[string]*orderLock)},
	}
}

// Wait blocks until in-flight billing notifications have finished. The server
// calls it during shutdown so a boleta is not cut off by process exit.
func (s *Service) Wait() {
	s.notifyWG.Wait()
}

// orderLocks hands out one mutex per in-flight commerce order. Entries are
// reference counted and dropped when the last holder releases, so the map
// tracks concurrent reconciliations rather than the whole order history.
type orderLocks struct {
	mu      sync.Mutex
	entries map[string]*orderLock
}

type orderLock struct {
	mu   sync.Mutex
	refs int
}

func (l *orderLocks) acquire(key string) (release func()) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &orderLock{}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}

func (l *orderLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Create resolves the checkout amount, opens a gateway session and records
// the payment as PENDING. The record is persisted only after the gateway
// accepted the session, so a stored row always has a token.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	if strings.TrimSpace(req.Email) == "" {
		return nil, ErrMissingEmail
	}

	amount, err := s.resolveAmount(ctx, req)
	if err != nil {
		return nil, err
	}

	commerceOrder := req.CommerceOrder
	if commerceOrder == "" {
		commerceOrder = idgen.CommerceOrder(req.UserID)
	}

	subject := req.Subject
	if subject == "" {
		subject = "Compra TandeHouse " + commerceOrder
	}

	ctx, span := traces.StartSpan(ctx, "payment.create", traces.CommerceOrder(commerceOrder))
	defer span.End()

	if _, err := s.store.GetByCommerceOrder(ctx, commerceOrder); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateOrder, commerceOrder)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing payment: %w", err)
	}

	gwURL, token, err := s.gateway.CreateSession(ctx, commerceOrder, subject, amount, req.Email)
	if err != nil {
		return nil, err
	}

	p := &Payment{
		CommerceOrder: commerceOrder,
		Token:         token,
		Status:        StatusPending,
		Amount:        amount,
	}
	if err := s.store.Upsert(ctx, p); err != nil {
		// The gateway session exists but we lost track of it. Reconciliation
		// by token will recreate the record when the confirmation arrives.
		s.logger.Error("payment created at gateway but persist failed",
			"commerceOrder", commerceOrder, "token", token, "error", err)
		return nil, fmt.Errorf("failed to persist payment: %w", err)
	}

	createdTotal.Inc()
	s.logger.Info("payment created",
		"commerceOrder", commerceOrder, "amount", amount, "token", token)

	return &CreateResponse{URL: gwURL + "?token=" + token, Token: token}, nil
}

// resolveAmount picks the checkout mode: a non-empty cart is priced through
// the resolver, otherwise the caller-supplied amount is used as-is.
func (s *Service) resolveAmount(ctx context.Context, req CreateRequest) (int, error) {
	if len(req.Cart) > 0 {
		if s.resolver == nil {
			return 0, ErrNoCartSupport
		}
		amount, err := s.resolver.ResolveAmount(ctx, req.Cart)
		if err != nil {
			return 0, err
		}
		return amount, nil
	}
	if req.Amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return req.Amount, nil
}

// Reconcile fetches the gateway's view of a token and applies it to the
// stored record, creating one if the create-time persist was lost. It is
// idempotent: repeated calls with the same token converge on the same state.
func (s *Service) Reconcile(ctx context.Context, token string) (*VerifyResponse, error) {
	ctx, span := traces.StartSpan(ctx, "payment.reconcile")
	defer span.End()

	gw, gatewayOrder, err := s.gateway.FetchStatus(ctx, token)
	if err != nil {
		return nil, err
	}
	next := statusFromGateway(gw)

	// Prefer the stored record for this token; the gateway's commerceOrder is
	// only needed when the create-time persist was lost.
	commerceOrder := ""
	if existing, err := s.store.GetByToken(ctx, token); err == nil {
		commerceOrder = existing.CommerceOrder
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to load payment by token: %w", err)
	}
	if commerceOrder == "" {
		commerceOrder = gatewayOrder
	}
	if commerceOrder == "" {
		return nil, fmt.Errorf("%w: no record for token", ErrNotFound)
	}

	release := s.locks.acquire(commerceOrder)
	defer release()

	prev := StatusPending
	amount := 0
	if existing, err := s.store.GetByCommerceOrder(ctx, commerceOrder); err == nil {
		prev = existing.Status
		amount = existing.Amount
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}

	p := &Payment{
		CommerceOrder: commerceOrder,
		Token:         token,
		Status:        next,
		Amount:        amount,
	}
	if err := s.store.Upsert(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to persist reconciliation: %w", err)
	}

	reconciledTotal.WithLabelValues(string(next)).Inc()
	s.logger.Info("payment reconciled",
		"commerceOrder", commerceOrder, "from", prev, "to", next, "gatewayStatus", gw)

	// Boleta issuance fires only on the transition into PAID, after the
	// durable persist.
	if next == StatusPaid && prev != StatusPaid && s.billing != nil {
		s.notifyBilling(commerceOrder, p.Amount)
	}

	return &VerifyResponse{
		Status:        string(next),
		CommerceOrder: commerceOrder,
		Token:         token,
	}, nil
}

// notifyBilling issues the boleta notification on a detached context so the
// caller never waits on it and a cancelled confirm request cannot abort it.
// Failures are logged and dropped.
func (s *Service) notifyBilling(commerceOrder string, amount int) {
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), billingNotifyTimeout)
		defer cancel()
		if err := s.billing.NotifyPaid(ctx, commerceOrder, amount); err != nil {
			s.logger.Warn("boleta notification failed",
				"commerceOrder", commerceOrder, "error", err)
		}
	}()
}

// Status returns the stored view of a payment by commerce order.
func (s *Service) Status(ctx context.Context, commerceOrder string) (*StatusResponse, error) {
	p, err := s.store.GetByCommerceOrder(ctx, commerceOrder)
	if err != nil {
		return nil, err
	}
	return &StatusResponse{
		Status:        string(p.Status),
		CommerceOrder: p.CommerceOrder,
		Amount:        p.Amount,
		Token:         p.Token,
	}, nil
}

// statusFromGateway maps Flow's wire status to the internal state. Flow
// normally answers with numeric codes but textual forms show up in sandbox
// traffic, so both are accepted. Anything unrecognized stays PENDING.
func statusFromGateway(raw string) StatusValue {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "2", "PAID":
		return StatusPaid
	case "3", "4", "FAILED":
		return StatusFailed
	default:
		return StatusPending
	}
}
