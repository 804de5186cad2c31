// Package billing notifies the billing service when a payment settles, so a
// boleta can be issued for the commerce order.
//
// Notifications are best-effort: failures are counted and logged by the
// caller but never block or roll back the payment transition they follow.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	notifyTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paymentapi",
		Subsystem: "billing",
		Name:      "notify_total",
		Help:      "Total boleta notification attempts.",
	})

	notifyErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paymentapi",
		Subsystem: "billing",
		Name:      "notify_errors_total",
		Help:      "Total boleta notification failures.",
	})
)

func init() {
	prometheus.MustRegister(notifyTotal, notifyErrors)
}

// Notifier posts boleta creation requests to the billing service.
type Notifier struct {
	baseURL     string
	internalKey string
	http        *http.Client
}

// NewNotifier creates a notifier against the given billing service base URL.
func NewNotifier(baseURL, internalKey string, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Notifier{
		baseURL:     baseURL,
		internalKey: internalKey,
		http:        &http.Client{Timeout: timeout},
	}
}

type boletaRequest struct {
	CommerceOrder string `json:"commerceOrder"`
	Total         int    `json:"total"`
}

// NotifyPaid asks the billing service to issue a boleta for a settled order.
// The response body is drained and discarded; only the status matters.
func (n *Notifier) NotifyPaid(ctx context.Context, commerceOrder string, total int) error {
	notifyTotal.Inc()

	payload, err := json.Marshal(boletaRequest{CommerceOrder: commerceOrder, Total: total})
	if err != nil {
		notifyErrors.Inc()
		return fmt.Errorf("billing: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		n.baseURL+"/boletas/fromCommerceOrder", bytes.NewReader(payload))
	if err != nil {
		notifyErrors.Inc()
		return fmt.Errorf("billing: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Key", n.internalKey)

	resp, err := n.http.Do(req)
	if err != nil {
		notifyErrors.Inc()
		return fmt.Errorf("billing: notify %s: %w", commerceOrder, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		notifyErrors.Inc()
		return fmt.Errorf("billing: notify %s: upstream status %d", commerceOrder, resp.StatusCode)
	}
	return nil
}
