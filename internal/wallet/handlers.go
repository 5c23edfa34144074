package wallet

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	wallets *Service
	logger  *slog.Logger
}

// NewHandler creates a new wallet handler.
func NewHandler(wallets *Service, logger *slog.Logger) *Handler {
	return &Handler{wallets: wallets, logger: logger}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallets", h.GetOrCreate)
	r.GET("/wallets/:id", h.Get)
	r.GET("/users/:userId/wallets", h.ListByUser)
	r.POST("/wallets/:id/topup", h.TopUp)
	r.POST("/wallets/:id/withdraw", h.Withdraw)
}

// RegisterAdminRoutes sets up admin-only wallet routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/wallets/:id/adjustments", h.Adjust)
}

// GetOrCreateRequest identifies a wallet by owner and currency.
type GetOrCreateRequest struct {
	UserID   string `json:"userId" binding:"required"`
	Currency string `json:"currency" binding:"required"`
}

// GetOrCreate handles POST /wallets
func (h *Handler) GetOrCreate(c *gin.Context) {
	var req GetOrCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	w, err := h.wallets.GetOrCreate(c.Request.Context(), req.UserID, req.Currency)
	if err != nil {
		if errors.Is(err, ErrInvalidCurrency) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_currency",
				"message": "Currency must be a 3-letter ISO code",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to create wallet",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// Get handles GET /wallets/:id
func (h *Handler) Get(c *gin.Context) {
	w, err := h.wallets.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "wallet_not_found",
				"message": "Wallet not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to retrieve wallet",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// ListByUser handles GET /users/:userId/wallets
func (h *Handler) ListByUser(c *gin.Context) {
	wallets, err := h.wallets.ListByUser(c.Request.Context(), c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to list wallets",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"wallets": wallets,
		"count":   len(wallets),
	})
}

// AmountRequest carries a positive amount in minor currency units.
type AmountRequest struct {
	AmountCents int64 `json:"amountCents" binding:"required,gt=0"`
}

// TopUp handles POST /wallets/:id/topup
func (h *Handler) TopUp(c *gin.Context) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amountCents must be a positive integer",
		})
		return
	}

	w, err := h.wallets.TopUp(c.Request.Context(), c.Param("id"), req.AmountCents)
	if err != nil {
		h.writeError(c, err, "topup_error", "Failed to top up wallet")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "credited",
		"wallet": w,
	})
}

// Withdraw handles POST /wallets/:id/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amountCents must be a positive integer",
		})
		return
	}

	if err := h.wallets.Withdraw(c.Request.Context(), c.Param("id"), req.AmountCents); err != nil {
		h.writeError(c, err, "withdrawal_error", "Failed to withdraw")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "withdrawn",
		"amountCents": req.AmountCents,
	})
}

// AdjustRequest is an admin balance adjustment. Positive credits, negative
// debits.
type AdjustRequest struct {
	DeltaCents int64  `json:"deltaCents" binding:"required"`
	Reason     string `json:"reason" binding:"required"`
}

// Adjust handles POST /admin/wallets/:id/adjustments
func (h *Handler) Adjust(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "deltaCents and reason are required",
		})
		return
	}

	id := c.Param("id")
	var err error
	if req.DeltaCents > 0 {
		err = h.wallets.CreditWallet(c.Request.Context(), id, req.DeltaCents, req.Reason)
	} else {
		err = h.wallets.DebitWallet(c.Request.Context(), id, -req.DeltaCents, req.Reason)
	}
	if err != nil {
		h.writeError(c, err, "adjustment_error", "Failed to adjust wallet")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":     "adjusted",
		"deltaCents": req.DeltaCents,
	})
}

func (h *Handler) writeError(c *gin.Context, err error, code, fallback string) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "wallet_not_found",
			"message": "Wallet not found",
		})
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "insufficient_funds",
			"message": "Insufficient balance",
		})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be positive",
		})
	default:
		h.logger.Error("wallet operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   code,
			"message": fallback,
		})
	}
}
