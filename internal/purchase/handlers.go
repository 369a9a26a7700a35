package purchase

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the conversation over HTTP for chat transports that
// deliver updates as webhooks. Each call returns the replies the
// conversation produced, for the transport to render (text, buttons, QR
// codes) however it likes.
type Handler struct {
	conv *Conversation
}

// NewHandler creates a new conversation handler.
func NewHandler(conv *Conversation) *Handler {
	return &Handler{conv: conv}
}

// RegisterRoutes sets up the chat routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/chat/:user/start", h.Start)
	r.POST("/chat/:user/message", h.Message)
}

// Reply is one rendered conversation reply.
type Reply struct {
	Type        string `json:"type"` // "text" or "payment"
	Text        string `json:"text"`
	PayURL      string `json:"payUrl,omitempty"`
	ValidateURL string `json:"validateUrl,omitempty"`
	Sats        int64  `json:"sats,omitempty"`
	FiatMinor   int64  `json:"fiatMinor,omitempty"`
}

// captureReplier collects replies for the HTTP response.
type captureReplier struct {
	replies []Reply
}

func (c *captureReplier) SendText(_ context.Context, _ string, text string) error {
	c.replies = append(c.replies, Reply{Type: "text", Text: text})
	return nil
}

func (c *captureReplier) SendPayment(_ context.Context, _ string, inst Instructions) error {
	c.replies = append(c.replies, Reply{
		Type:        "payment",
		Text:        inst.Text,
		PayURL:      inst.PayURL,
		ValidateURL: inst.ValidateURL,
		Sats:        inst.Sats,
		FiatMinor:   inst.FiatMinor,
	})
	return nil
}

type startRequest struct {
	Payload string `json:"payload"`
}

type messageRequest struct {
	Text string `json:"text" binding:"required"`
}

// Start handles POST /chat/:user/start
func (h *Handler) Start(c *gin.Context) {
	userID := c.Param("user")

	var req startRequest
	// Body is optional for a plain entry.
	_ = c.ShouldBindJSON(&req)

	r := &captureReplier{}
	if err := h.conv.OnEntryPayload(c.Request.Context(), userID, req.Payload, r); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "conversation_failed",
			"message": "Failed to process entry",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"replies": r.replies})
}

// Message handles POST /chat/:user/message
func (h *Handler) Message(c *gin.Context) {
	userID := c.Param("user")

	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "text is required",
		})
		return
	}

	r := &captureReplier{}
	if err := h.conv.OnText(c.Request.Context(), userID, req.Text, r); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "conversation_failed",
			"message": "Failed to process message",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"replies": r.replies})
}
