package payment

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/GioviOlavarria/tandehouse-payment-api/internal/flow"
	"github.com/GioviOlavarria/tandehouse-payment-api/internal/pricing"
	"github.com/GioviOlavarria/tandehouse-payment-api/internal/validation"
)

// Handler provides HTTP endpoints for payments.
type Handler struct {
	service *Service
}

// NewHandler creates a new payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the Flow-facing routes. confirm and return are
// called back by the gateway itself; create and status are called by the
// storefront.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/flow/create", h.Create)
	r.POST("/flow/confirm", h.Confirm)
	r.GET("/flow/return", h.Return)
	r.GET("/flow/status/:commerceOrder", h.Status)
}

// Create handles POST /flow/create
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: " + err.Error(),
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("email", req.Email),
		validation.ValidEmail("email", req.Email),
		validation.ValidCommerceOrder("commerceOrder", req.CommerceOrder),
		validation.MaxLength("subject", req.Subject, 255),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	resp, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "create_failed"
		switch {
		case errors.Is(err, ErrMissingEmail),
			errors.Is(err, ErrInvalidAmount),
			errors.Is(err, ErrDuplicateOrder),
			errors.Is(err, pricing.ErrInvalidProductID),
			errors.Is(err, pricing.ErrInvalidQuantity),
			errors.Is(err, pricing.ErrProductNotFound),
			errors.Is(err, pricing.ErrProductNoPrice),
			errors.Is(err, pricing.ErrInvalidTotal):
			status = http.StatusBadRequest
			code = "validation_error"
		case errors.Is(err, ErrNoCartSupport),
			errors.Is(err, flow.ErrMissingCallbackURL):
			status = http.StatusInternalServerError
			code = "not_configured"
		case isGatewayFailure(err):
			status = http.StatusBadGateway
			code = "gateway_error"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Confirm handles POST /flow/confirm — Flow's server-to-server callback.
// The body is form-encoded with a single token field; some gateway
// configurations send it as a query parameter instead.
func (h *Handler) Confirm(c *gin.Context) {
	token := c.PostForm("token")
	if token == "" {
		token = c.Query("token")
	}
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "token is required",
		})
		return
	}
	h.reconcile(c, token)
}

// Return handles GET /flow/return — the browser redirect after checkout.
// Runs the same reconciliation as confirm so the buyer sees fresh state even
// when the server callback has not arrived yet.
func (h *Handler) Return(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = c.PostForm("token")
	}
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "token is required",
		})
		return
	}
	h.reconcile(c, token)
}

func (h *Handler) reconcile(c *gin.Context, token string) {
	resp, err := h.service.Reconcile(c.Request.Context(), token)
	if err != nil {
		status := http.StatusInternalServerError
		code := "reconcile_failed"
		switch {
		case errors.Is(err, ErrNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case isGatewayFailure(err):
			status = http.StatusBadGateway
			code = "gateway_error"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Status handles GET /flow/status/:commerceOrder
func (h *Handler) Status(c *gin.Context) {
	commerceOrder := c.Param("commerceOrder")

	resp, err := h.service.Status(c.Request.Context(), commerceOrder)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Payment not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// isGatewayFailure reports whether the error originated at the Flow gateway
// (transport failure, non-2xx answer or an undecodable body).
func isGatewayFailure(err error) bool {
	var ge *flow.GatewayError
	return errors.As(err, &ge) || errors.Is(err, flow.ErrMalformedResponse)
}
