package validate

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ezp2p/ezp2p/internal/pricing"
	"github.com/ezp2p/ezp2p/internal/settlement"
)

// Handler provides the HTTP validation endpoint.
type Handler struct {
	service *Service
}

// NewHandler creates a new validation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the validation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/validate", h.Validate)
}

// Proof is the caller's claim that a payment happened. The payment ID is
// attacker-controlled and only ever used as a dedup key.
type Proof struct {
	Amount    int64  `json:"amount"` // fiat minor units, may be negative
	PaymentID string `json:"paymentId"`
}

// ValidateRequest is the body of POST /api/validate.
type ValidateRequest struct {
	Address string `json:"address"`
	Proof   Proof  `json:"proof"`
}

// Validate handles POST /api/validate
func (h *Handler) Validate(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if strings.TrimSpace(req.Address) == "" || strings.TrimSpace(req.Proof.PaymentID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "address and proof.paymentId are required",
		})
		return
	}

	result, err := h.service.Validate(c.Request.Context(), req.Address, req.Proof.Amount, req.Proof.PaymentID)
	if err != nil {
		switch {
		case errors.Is(err, pricing.ErrRateUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "rate_unavailable",
				"message": "Could not fetch the current exchange rate, try again shortly",
			})
		case errors.Is(err, settlement.ErrSettlementFailed):
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "settlement_failed",
				"message": "Could not complete the transfer, your payment ID remains valid",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Validation failed",
			})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}
