package swap

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mbd888/swapd/internal/bitcoin"
	"github.com/mbd888/swapd/internal/monero"
	"github.com/mbd888/swapd/internal/protocol"
)

// Summary is the public view of a swap. Key material never leaves the store.
type Summary struct {
	ID        uuid.UUID `json:"id"`
	State     string    `json:"state"`
	Seq       int64     `json:"seq"`
	Terminal  bool      `json:"terminal"`
	Running   bool      `json:"running"`
	TxLockID  string    `json:"txLockId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreateRequest asks Bob to buy XMR for BTC.
type CreateRequest struct {
	BTC string `json:"btc" binding:"required"`
	XMR string `json:"xmr" binding:"required"`
}

// Handler provides HTTP endpoints for inspecting and steering swaps.
type Handler struct {
	manager *Manager
	store   Store
	runCtx  context.Context
}

// NewHandler creates a swap handler. Swaps started over HTTP run under
// runCtx, not the request context.
func NewHandler(runCtx context.Context, manager *Manager, store Store) *Handler {
	return &Handler{manager: manager, store: store, runCtx: runCtx}
}

// RegisterRoutes sets up swap routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/swaps", h.ListSwaps)
	r.POST("/swaps", h.CreateSwap)
	r.GET("/swaps/:id", h.GetSwap)
	r.GET("/swaps/:id/history", h.GetHistory)
	r.POST("/swaps/:id/abandon", h.AbandonSwap)
}

// ListSwaps handles GET /v1/swaps
func (h *Handler) ListSwaps(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	recs, err := h.store.ListUnfinished(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	swaps := make([]Summary, 0, len(recs))
	for _, rec := range recs {
		swaps = append(swaps, h.summarize(rec))
	}
	c.JSON(http.StatusOK, gin.H{"swaps": swaps, "count": len(swaps)})
}

// CreateSwap handles POST /v1/swaps
func (h *Handler) CreateSwap(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	btc, err := bitcoin.ParseAmount(req.BTC)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}
	xmr, err := monero.ParseAmount(req.XMR)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	id, err := h.manager.Create(c.Request.Context(), protocol.Amounts{BTC: btc, XMR: xmr})
	if err != nil {
		if errors.Is(err, protocol.ErrAmountTooLow) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "amount_too_low",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "swap_failed",
			"message": "Failed to create swap",
		})
		return
	}
	h.manager.Launch(h.runCtx, id)

	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

// GetSwap handles GET /v1/swaps/:id
func (h *Handler) GetSwap(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	rec, err := h.store.Latest(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"swap": h.summarize(rec)})
}

// GetHistory handles GET /v1/swaps/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	recs, err := h.store.History(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": recs, "count": len(recs)})
}

// AbandonSwap handles POST /v1/swaps/:id/abandon
func (h *Handler) AbandonSwap(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	err := h.manager.Abandon(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"id": id, "state": NameSafelyAborted})
	case errors.Is(err, ErrSwapNotFound):
		respondStoreError(c, err)
	case errors.Is(err, ErrAlreadyLocked):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_locked",
			"message": "Swap has funds on chain and must run to completion",
		})
	case errors.Is(err, ErrAlreadyComplete):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_complete",
			"message": "Swap already reached a terminal state",
		})
	case errors.Is(err, ErrSwapBusy):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "swap_busy",
			"message": "Swap is being driven; stop it before abandoning",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}

func (h *Handler) summarize(rec *Record) Summary {
	sum := Summary{
		ID:        rec.SwapID,
		State:     rec.State,
		Seq:       rec.Seq,
		Terminal:  rec.Terminal,
		Running:   h.manager.Running(rec.SwapID),
		UpdatedAt: rec.CreatedAt,
	}
	if st, err := rec.Decode(); err == nil {
		if txid, ok := TxLockID(st); ok {
			sum.TxLockID = txid.String()
		}
	}
	return sum
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_id",
			"message": "Swap id must be a UUID",
		})
		return uuid.Nil, false
	}
	return id, true
}

func respondStoreError(c *gin.Context, err error) {
	if errors.Is(err, ErrSwapNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Swap not found",
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": err.Error(),
	})
}
