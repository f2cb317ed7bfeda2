package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kimhsiao/meetsync/internal/errors"
	"github.com/kimhsiao/meetsync/internal/logging"
	"github.com/kimhsiao/meetsync/internal/models"
	"github.com/kimhsiao/meetsync/internal/sync/conflict"
)

const defaultConflictLogLimit = 50

// syncHandler serves /api/sync.
type syncHandler struct {
	engine SyncService
}

// =====================================================
// Errors
// =====================================================

// statusFor maps an error code to an HTTP status.
func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrSyncInProgress:
		return http.StatusConflict
	case apperrors.ErrSyncNotConfigured, apperrors.ErrSyncOffline:
		return http.StatusServiceUnavailable
	case apperrors.ErrConnectorTransient:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	if code == "" {
		code = apperrors.ErrInternal
	}
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("API request error", string(code), err,
			map[string]interface{}{"path": c.Request.URL.Path})
	}
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": err.Error()}})
}

func badRequest(c *gin.Context, err error) {
	writeError(c, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
}

// =====================================================
// Status and sweeps
// =====================================================

func (h *syncHandler) status(c *gin.Context) {
	status, err := h.engine.Status(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *syncHandler) force(c *gin.Context) {
	result, err := h.engine.ForceSync(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *syncHandler) pull(c *gin.Context) {
	n, err := h.engine.Pull(c.Request.Context(), c.Param("collection"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refreshed": n})
}

// =====================================================
// Queue
// =====================================================

type enqueueRequest struct {
	Operation      models.OperationType   `json:"operation"`
	Collection     string                 `json:"collection"`
	RecordID       string                 `json:"record_id"`
	Payload        map[string]interface{} `json:"payload"`
	LocalVersion   int64                  `json:"local_version"`
	LocalUpdatedAt int64                  `json:"local_updated_at"`
}

func (h *syncHandler) enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	item, err := h.engine.EnqueueRecord(c.Request.Context(), req.Operation, req.Collection, models.SyncRecord{
		ID:             req.RecordID,
		Payload:        req.Payload,
		LocalVersion:   req.LocalVersion,
		LocalUpdatedAt: req.LocalUpdatedAt,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (h *syncHandler) listQueue(c *gin.Context) {
	items, err := h.engine.ListQueue(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

func (h *syncHandler) clearQueue(c *gin.Context) {
	n, err := h.engine.ClearQueue(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

// =====================================================
// Dead letters
// =====================================================

func (h *syncHandler) listDeadLetters(c *gin.Context) {
	entries, err := h.engine.DeadLetters(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": entries, "count": len(entries)})
}

type retryRequest struct {
	ItemID string `json:"item_id"`
}

// retryDeadLetters replays one entry when item_id is given, otherwise all.
func (h *syncHandler) retryDeadLetters(c *gin.Context) {
	var req retryRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	if req.ItemID != "" {
		item, err := h.engine.RetryDeadLetter(c.Request.Context(), req.ItemID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"requeued": 1, "item": item})
		return
	}

	n, err := h.engine.RetryDeadLettered(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": n})
}

// =====================================================
// Conflicts
// =====================================================

type strategyRequest struct {
	Strategy string `json:"strategy"`
}

func (h *syncHandler) setStrategy(c *gin.Context) {
	var req strategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Strategy == "" {
		writeError(c, apperrors.New(apperrors.ErrInvalid, "strategy is required"))
		return
	}
	strategy, err := conflict.ParseStrategy(req.Strategy)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.engine.SetConflictStrategy(strategy); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy": strategy})
}

func (h *syncHandler) listConflicts(c *gin.Context) {
	reports, err := h.engine.PendingConflicts(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": reports, "count": len(reports)})
}

func (h *syncHandler) conflictLog(c *gin.Context) {
	limit := defaultConflictLogLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(c, apperrors.New(apperrors.ErrInvalid, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	logs, err := h.engine.ConflictLogs(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

func (h *syncHandler) resolveConflict(c *gin.Context) {
	var resolution models.Resolution
	if err := c.ShouldBindJSON(&resolution); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.engine.ResolveConflict(c.Request.Context(), c.Param("itemId"), resolution); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"item_id": c.Param("itemId"), "decision": resolution.Decision})
}
