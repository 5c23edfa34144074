package journal

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides read-only HTTP endpoints for the bookkeeping journal.
type Handler struct {
	writer *Writer
}

// NewHandler creates a new journal handler.
func NewHandler(writer *Writer) *Handler {
	return &Handler{writer: writer}
}

// RegisterRoutes sets up journal routes. All routes are read-only: journals
// are written exclusively by wallet and escrow operations.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ledger/journals", h.ListRecent)
	r.GET("/ledger/journals/:id", h.GetJournal)
	r.GET("/escrows/:id/journals", h.ListForEscrow)
}

// GetJournal handles GET /v1/ledger/journals/:id
func (h *Handler) GetJournal(c *gin.Context) {
	j, err := h.writer.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Journal not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "journal_failed",
			"message": "Failed to load journal",
		})
		return
	}
	c.JSON(http.StatusOK, j)
}

// ListForEscrow handles GET /v1/escrows/:id/journals
func (h *Handler) ListForEscrow(c *gin.Context) {
	journals, err := h.writer.ForEscrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "journal_failed",
			"message": "Failed to list journals",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"journals": journals,
		"count":    len(journals),
	})
}

// ListRecent handles GET /v1/ledger/journals?limit=N
func (h *Handler) ListRecent(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	journals, err := h.writer.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "journal_failed",
			"message": "Failed to list journals",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"journals": journals,
		"count":    len(journals),
	})
}
