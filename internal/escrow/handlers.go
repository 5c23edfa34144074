package escrow

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clearhold/clearhold/internal/pagination"
	"github.com/clearhold/clearhold/internal/wallet"
)

// Handler provides HTTP endpoints for escrow operations. Authentication
// happens upstream; the gateway forwards the caller's identity in the
// X-User-Id and X-User-Role headers.
type Handler struct {
	escrows *Service
	logger  *slog.Logger
}

// NewHandler creates a new escrow handler.
func NewHandler(escrows *Service, logger *slog.Logger) *Handler {
	return &Handler{escrows: escrows, logger: logger}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.Create)
	r.GET("/escrows/:id", h.Get)
	r.GET("/users/:userId/escrows", h.ListByUser)

	r.POST("/escrows/:id/fund", h.Fund)
	r.POST("/escrows/:id/cancel", h.Cancel)
	r.POST("/escrows/:id/ship", h.Ship)
	r.POST("/escrows/:id/complete-service", h.CompleteService)
	r.POST("/escrows/:id/confirm-delivery", h.ConfirmDelivery)
	r.POST("/escrows/:id/release", h.Release)
	r.POST("/escrows/:id/refund", h.Refund)
	r.POST("/escrows/:id/dispute", h.Dispute)
	r.GET("/escrows/:id/shipment", h.Shipment)

	r.GET("/escrows/:id/milestones", h.Milestones)
	r.POST("/milestones/:id/complete", h.CompleteMilestone)
	r.POST("/milestones/:id/release", h.ReleaseMilestone)

	// Confirmation by short reference and delivery code needs no account.
	r.POST("/deliveries/confirm", h.ConfirmByCode)
}

// RegisterAdminRoutes sets up admin-only escrow routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/escrows/:id/resolve-dispute", h.ResolveDispute)
	r.POST("/admin/escrows/:id/refund", h.AdminRefund)
}

// caller builds the acting party from the forwarded identity headers. The
// role header distinguishes an admin; buyer versus seller is decided per
// escrow by the service.
func caller(c *gin.Context, kind ActorKind) Actor {
	id := c.GetHeader("X-User-Id")
	if c.GetHeader("X-User-Role") == "admin" {
		return Admin(id)
	}
	return Actor{Kind: kind, ID: id}
}

// Create handles POST /escrows
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.BuyerID == "" {
		req.BuyerID = c.GetHeader("X-User-Id")
	}

	e, err := h.escrows.Create(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err, "create_error", "Failed to create escrow")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// Get handles GET /escrows/:id
func (h *Handler) Get(c *gin.Context) {
	e, err := h.escrows.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "escrow_error", "Failed to retrieve escrow")
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListByUser handles GET /users/:userId/escrows?cursor=&limit=
func (h *Handler) ListByUser(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid cursor",
		})
		return
	}

	// Fetch one past the page to learn whether more remain.
	escrows, err := h.escrows.ListByUser(c.Request.Context(), c.Param("userId"), cursor, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "escrow_error",
			"message": "Failed to list escrows",
		})
		return
	}

	escrows, next, hasMore := pagination.ComputePage(escrows, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})

	resp := gin.H{
		"escrows": escrows,
		"count":   len(escrows),
		"hasMore": hasMore,
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// Fund handles POST /escrows/:id/fund
func (h *Handler) Fund(c *gin.Context) {
	var req FundRequest
	_ = c.ShouldBindJSON(&req) // body is optional for wallet funding

	e, err := h.escrows.Fund(c.Request.Context(), c.Param("id"), caller(c, ActorBuyer), req)
	if err != nil {
		h.writeError(c, err, "funding_error", "Failed to fund escrow")
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// Cancel handles POST /escrows/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	id := c.Param("id")
	e, err := h.escrows.Cancel(c.Request.Context(), id, h.partyActor(c, id))
	if err != nil {
		h.writeError(c, err, "cancel_error", "Failed to cancel escrow")
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ShipBody is the optional carrier metadata for a shipment.
type ShipBody struct {
	Carrier  string `json:"carrier"`
	Tracking string `json:"tracking"`
}

// Ship handles POST /escrows/:id/ship
func (h *Handler) Ship(c *gin.Context) {
	var body ShipBody
	_ = c.ShouldBindJSON(&body)

	e, sh, err := h.escrows.Ship(c.Request.Context(), c.Param("id"), caller(c, ActorSeller), ShipRequest{
		Carrier:  body.Carrier,
		Tracking: body.Tracking,
	})
	if err != nil {
		h.writeError(c, err, "ship_error", "Failed to record shipment")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrow":   e,
		"shipment": sh,
	})
}

// CompleteService handles POST /escrows/:id/complete-service
func (h *Handler) CompleteService(c *gin.Context) {
	e, err := h.escrows.MarkServiceCompleted(c.Request.Context(), c.Param("id"), caller(c, ActorSeller))
	if err != nil {
		h.writeError(c, err, "completion_error", "Failed to mark service completed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ConfirmDelivery handles POST /escrows/:id/confirm-delivery
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	e, err := h.escrows.ConfirmDelivery(c.Request.Context(), c.Param("id"), caller(c, ActorBuyer))
	if err != nil {
		h.writeError(c, err, "delivery_error", "Failed to confirm delivery")
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ConfirmByCodeRequest identifies a shipment by its public short reference
// and proves receipt with the delivery code.
type ConfirmByCodeRequest struct {
	ShortRef     string `json:"shortRef" binding:"required"`
	DeliveryCode string `json:"deliveryCode" binding:"required"`
}

// ConfirmByCode handles POST /deliveries/confirm
func (h *Handler) ConfirmByCode(c *gin.Context) {
	var req ConfirmByCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "shortRef and deliveryCode are required",
		})
		return
	}

	e, err := h.escrows.ConfirmDeliveryByCode(c.Request.Context(), req.ShortRef, req.DeliveryCode)
	if err != nil {
		h.writeError(c, err, "delivery_error", "Failed to confirm delivery")
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// Release handles POST /escrows/:id/release
func (h *Handler) Release(c *gin.Context) {
	e, err := h.escrows.ReleaseFunds(c.Request.Context(), c.Param("id"), caller(c, ActorBuyer))
	if err != nil {
		h.writeError(c, err, "release_error", "Failed to release escrow")
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ReasonBody carries an optional free-text reason.
type ReasonBody struct {
	Reason string `json:"reason"`
}

// Refund handles POST /escrows/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var body ReasonBody
	_ = c.ShouldBindJSON(&body)

	id := c.Param("id")
	e, err := h.escrows.RefundEscrow(c.Request.Context(), id, h.partyActor(c, id), body.Reason)
	if err != nil {
		h.writeError(c, err, "refund_error", "Failed to refund escrow")
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// Dispute handles POST /escrows/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var body ReasonBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Reason == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A dispute reason is required",
		})
		return
	}

	id := c.Param("id")
	e, err := h.escrows.OpenDispute(c.Request.Context(), id, h.partyActor(c, id), body.Reason)
	if err != nil {
		h.writeError(c, err, "dispute_error", "Failed to open dispute")
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// Shipment handles GET /escrows/:id/shipment. The delivery code never
// appears in the response.
func (h *Handler) Shipment(c *gin.Context) {
	sh, err := h.escrows.GetShipment(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "shipment_error", "Failed to retrieve shipment")
		return
	}

	c.JSON(http.StatusOK, gin.H{"shipment": sh})
}

// Milestones handles GET /escrows/:id/milestones
func (h *Handler) Milestones(c *gin.Context) {
	milestones, err := h.escrows.Milestones(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "milestone_error", "Failed to list milestones")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"milestones": milestones,
		"count":      len(milestones),
	})
}

// CompleteMilestone handles POST /milestones/:id/complete
func (h *Handler) CompleteMilestone(c *gin.Context) {
	m, err := h.escrows.CompleteMilestone(c.Request.Context(), c.Param("id"), caller(c, ActorBuyer))
	if err != nil {
		h.writeError(c, err, "milestone_error", "Failed to complete milestone")
		return
	}

	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// ReleaseMilestone handles POST /milestones/:id/release
func (h *Handler) ReleaseMilestone(c *gin.Context) {
	m, err := h.escrows.ReleaseMilestone(c.Request.Context(), c.Param("id"), caller(c, ActorBuyer))
	if err != nil {
		h.writeError(c, err, "milestone_error", "Failed to release milestone")
		return
	}

	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// ResolveRequest is an admin's ruling on a disputed escrow.
type ResolveRequest struct {
	Outcome DisputeOutcome `json:"outcome" binding:"required"`
	Reason  string         `json:"reason"`
}

// ResolveDispute handles POST /admin/escrows/:id/resolve-dispute
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "outcome must be release_to_seller or refund_to_buyer",
		})
		return
	}

	e, err := h.escrows.ResolveDispute(c.Request.Context(), c.Param("id"), Admin(c.GetHeader("X-User-Id")), req.Outcome, req.Reason)
	if err != nil {
		h.writeError(c, err, "resolution_error", "Failed to resolve dispute")
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// AdminRefund handles POST /admin/escrows/:id/refund
func (h *Handler) AdminRefund(c *gin.Context) {
	var body ReasonBody
	_ = c.ShouldBindJSON(&body)

	e, err := h.escrows.RefundEscrow(c.Request.Context(), c.Param("id"), Admin(c.GetHeader("X-User-Id")), body.Reason)
	if err != nil {
		h.writeError(c, err, "refund_error", "Failed to refund escrow")
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// partyActor resolves whether the caller is this escrow's buyer or seller
// for endpoints either party may invoke.
func (h *Handler) partyActor(c *gin.Context, escrowID string) Actor {
	id := c.GetHeader("X-User-Id")
	if c.GetHeader("X-User-Role") == "admin" {
		return Admin(id)
	}
	e, err := h.escrows.Get(c.Request.Context(), escrowID)
	if err == nil && e.SellerID == id {
		return Seller(id)
	}
	return Buyer(id)
}

func (h *Handler) writeError(c *gin.Context, err error, code, fallback string) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "escrow_not_found",
			"message": "Escrow not found",
		})
	case errors.Is(err, ErrShipmentNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "shipment_not_found",
			"message": "Shipment not found",
		})
	case errors.Is(err, ErrMilestoneNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "milestone_not_found",
			"message": "Milestone not found",
		})
	case errors.Is(err, ErrSellerNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "seller_not_found",
			"message": "No user registered with that email",
		})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": "Escrow is not in a valid state for this operation",
		})
	case errors.Is(err, ErrDisputeWindowOver):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "dispute_window_closed",
			"message": "The dispute window for this escrow has closed",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "not_permitted",
			"message": "Caller is not permitted to perform this operation",
		})
	case errors.Is(err, ErrInvalidCode):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "invalid_code",
			"message": "Delivery code does not match",
		})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrMilestoneTotal):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "insufficient_funds",
			"message": "Buyer wallet balance is insufficient",
		})
	default:
		h.logger.Error("escrow operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   code,
			"message": fallback,
		})
	}
}
