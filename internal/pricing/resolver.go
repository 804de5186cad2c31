// Package pricing converts a cart into a total charge amount by resolving
// unit prices from the product service.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"
)

// Errors
var (
	ErrInvalidProductID = errors.New("pricing: productId has no numeric id")
	ErrProductNotFound  = errors.New("pricing: product not found")
	ErrProductNoPrice   = errors.New("pricing: product has no price")
	ErrInvalidQuantity  = errors.New("pricing: quantity must be positive")
	ErrInvalidTotal     = errors.New("pricing: cart total must be positive")
)

var digitsRe = regexp.MustCompile(`\d+`)

// CartLine is one request-scoped cart entry. ProductID is the raw client
// value and may embed non-digit characters (e.g. "SKU-1042").
type CartLine struct {
	ProductID string `json:"productId" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required"`
}

// Resolver fetches unit prices from the product service over HTTP,
// authenticated with the internal shared key.
type Resolver struct {
	baseURL     string
	internalKey string
	http        *http.Client
}

// NewResolver creates a resolver against the given product service base URL.
func NewResolver(baseURL, internalKey string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Resolver{
		baseURL:     baseURL,
		internalKey: internalKey,
		http:        &http.Client{Timeout: timeout},
	}
}

// productResponse accepts both the current "price" field and the legacy
// "precio" field. Pointers distinguish absent from zero.
type productResponse struct {
	Price  *json.Number `json:"price"`
	Precio *json.Number `json:"precio"`
}

// ResolveAmount sums unitPrice * quantity over all cart lines. A single
// upstream failure fails the whole resolution; nothing is retried.
func (r *Resolver) ResolveAmount(ctx context.Context, cart []CartLine) (int, error) {
	total := 0
	for _, line := range cart {
		if line.Quantity <= 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidQuantity, line.ProductID)
		}
		id, err := numericID(line.ProductID)
		if err != nil {
			return 0, err
		}
		price, err := r.fetchPrice(ctx, id)
		if err != nil {
			return 0, err
		}
		total += price * line.Quantity
	}
	if total <= 0 {
		return 0, ErrInvalidTotal
	}
	return total, nil
}

// numericID extracts the first maximal run of decimal digits from the raw
// product id.
func numericID(raw string) (string, error) {
	id := digitsRe.FindString(raw)
	if id == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidProductID, raw)
	}
	return id, nil
}

func (r *Resolver) fetchPrice(ctx context.Context, id string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/products/"+id, nil)
	if err != nil {
		return 0, fmt.Errorf("pricing: build request: %w", err)
	}
	req.Header.Set("X-Internal-Key", r.internalKey)

	resp, err := r.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrProductNotFound, id, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || resp.StatusCode < 200 || resp.StatusCode >= 300 || len(body) == 0 {
		return 0, fmt.Errorf("%w: %s (status %d)", ErrProductNotFound, id, resp.StatusCode)
	}

	var decoded productResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrProductNoPrice, id, err)
	}

	num := decoded.Price
	if num == nil {
		num = decoded.Precio
	}
	if num == nil {
		return 0, fmt.Errorf("%w: %s", ErrProductNoPrice, id)
	}

	f, err := num.Float64()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrProductNoPrice, id, err)
	}
	return int(f), nil
}
