// Package flow implements the signed-request client for the Flow payment
// gateway: session creation via form-encoded POST and status lookup via a
// signed query-string GET.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/GioviOlavarria/tandehouse-payment-api/internal/metrics"
	"github.com/GioviOlavarria/tandehouse-payment-api/internal/traces"
)

// Errors
var (
	ErrMissingCallbackURL = errors.New("flow: confirmation and return URLs must be configured")
	ErrMalformedResponse  = errors.New("flow: gateway returned a malformed response")
)

// GatewayError is returned when Flow answers with a non-2xx status or the
// transport fails. It carries the upstream status and body for diagnostics;
// callers never retry automatically.
type GatewayError struct {
	Op         string // "create" or "getStatus"
	StatusCode int    // 0 on transport failure
	Body       string
	Err        error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("flow: %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("flow: %s failed: upstream status %d body=%s", e.Op, e.StatusCode, e.Body)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Config holds the gateway credentials and endpoints. Injected at
// construction; the client keeps no global state.
type Config struct {
	APIKey          string
	SecretKey       string
	BaseURL         string
	URLConfirmation string
	URLReturn       string
	Timeout         time.Duration
}

// Client talks to the Flow gateway.
type Client struct {
	cfg    Config
	signer *Signer
	http   *http.Client
}

// NewClient creates a Flow client with a bounded HTTP timeout.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		cfg:    cfg,
		signer: NewSigner(cfg.SecretKey),
		http:   &http.Client{Timeout: timeout},
	}
}

// Session is the result of a successful payment creation.
type Session struct {
	URL   string
	Token string
}

// Status is the gateway's current view of a payment.
type Status struct {
	Status        string // raw gateway code, e.g. "2", "3", "4" or textual
	CommerceOrder string
}

// createResponse decodes /payment/create. Pointer fields keep "absent"
// distinct from "present but empty".
type createResponse struct {
	URL   *string `json:"url"`
	Token *string `json:"token"`
}

type statusResponse struct {
	Status        *string `json:"status"`
	CommerceOrder *string `json:"commerceOrder"`
}

// CreateSession opens a payment session at the gateway and returns the
// redirect URL and token Flow assigned to it.
func (c *Client) CreateSession(ctx context.Context, commerceOrder, subject string, amount int, email string) (*Session, error) {
	if c.cfg.URLConfirmation == "" || c.cfg.URLReturn == "" {
		return nil, ErrMissingCallbackURL
	}

	params := map[string]string{
		"apiKey":          c.cfg.APIKey,
		"commerceOrder":   commerceOrder,
		"subject":         subject,
		"currency":        "CLP",
		"amount":          strconv.Itoa(amount),
		"email":           email,
		"urlConfirmation": c.cfg.URLConfirmation,
		"urlReturn":       c.cfg.URLReturn,
	}
	params[signatureKey] = c.signer.Sign(params)

	ctx, span := traces.StartSpan(ctx, "flow.create", traces.CommerceOrder(commerceOrder))
	defer span.End()

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/payment/create", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &GatewayError{Op: "create", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, gerr := c.do(req, "create")
	if gerr != nil {
		return nil, gerr
	}

	var decoded createResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if isAbsent(decoded.URL) || isAbsent(decoded.Token) {
		return nil, fmt.Errorf("%w: missing url or token in %s", ErrMalformedResponse, string(body))
	}

	return &Session{URL: *decoded.URL, Token: *decoded.Token}, nil
}

// FetchStatus asks the gateway for the current state of a payment session.
// Repeated calls with the same token simply re-fetch current gateway state.
func (c *Client) FetchStatus(ctx context.Context, token string) (*Status, error) {
	params := map[string]string{
		"apiKey": c.cfg.APIKey,
		"token":  token,
	}
	params[signatureKey] = c.signer.Sign(params)

	ctx, span := traces.StartSpan(ctx, "flow.getStatus")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/payment/getStatus?"+buildQuery(params), nil)
	if err != nil {
		return nil, &GatewayError{Op: "getStatus", Err: err}
	}

	body, gerr := c.do(req, "getStatus")
	if gerr != nil {
		return nil, gerr
	}

	var decoded statusResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if decoded.Status == nil {
		return nil, fmt.Errorf("%w: missing status in %s", ErrMalformedResponse, string(body))
	}

	st := &Status{Status: *decoded.Status}
	if decoded.CommerceOrder != nil && *decoded.CommerceOrder != "null" {
		st.CommerceOrder = *decoded.CommerceOrder
	}
	return st, nil
}

// do executes the request and classifies transport and non-2xx failures.
func (c *Client) do(req *http.Request, op string) ([]byte, *GatewayError) {
	timer := prometheus.NewTimer(metrics.GatewayRequestDuration.WithLabelValues(op))
	defer timer.ObserveDuration()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &GatewayError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &GatewayError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &GatewayError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// isAbsent treats a missing field, an empty string and the literal "null"
// the gateway sometimes emits as equally unusable.
func isAbsent(s *string) bool {
	return s == nil || *s == "" || *s == "null"
}

// buildQuery percent-encodes keys and values for query placement. Encoding
// happens only here, never inside the signed canonical string.
func buildQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(k))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(params[k]))
	}
	return sb.String()
}
