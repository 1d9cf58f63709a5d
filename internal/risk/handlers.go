package risk

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/suraksha/internal/validation"
)

// Handler provides HTTP endpoints for login-session risk state.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new risk handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up the session risk routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/sessions/:id/risk", h.GetRisk)
	r.POST("/sessions/:id/signals", h.PostSignal)
	r.POST("/sessions/:id/transfers", h.BeginTransfer)
	r.POST("/sessions/:id/transfers/secondary", h.AnswerSecondary)
	r.POST("/sessions/:id/transfers/dismiss", h.Dismiss)
	r.POST("/sessions/:id/reset", h.Reset)
	r.GET("/sessions/:id/assessments", h.ListAssessments)
}

// session resolves an existing login session. Sessions are established
// by PIN submissions and check relays, never by these routes.
func (h *Handler) session(c *gin.Context) (*Aggregator, bool) {
	id := c.Param("id")
	if !validation.IsValidSessionID(id) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_session",
			"message": "Invalid session id",
		})
		return nil, false
	}
	agg, ok := h.manager.Lookup(id)
	if !ok {
		notFound(c)
		return nil, false
	}
	return agg, true
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "session_not_found",
		"message": "Login session not found",
	})
}

// GetRisk handles GET /sessions/:id/risk
func (h *Handler) GetRisk(c *gin.Context) {
	agg, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, agg.Snapshot())
}

// SignalRequest reports the outcome of one security check. Epoch is the
// session epoch the client read before running the check.
type SignalRequest struct {
	Check  string `json:"check" binding:"required"`
	Passed bool   `json:"passed"`
	Epoch  uint64 `json:"epoch" binding:"required"`
}

// PostSignal handles POST /sessions/:id/signals
func (h *Handler) PostSignal(c *gin.Context) {
	agg, ok := h.session(c)
	if !ok {
		return
	}

	var req SignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	check, err := ParseCheck(req.Check)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unknown_check",
			"message": "Unknown security check",
		})
		return
	}

	if !agg.Apply(Signal{Check: check, Passed: req.Passed, Epoch: req.Epoch}) {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "stale_signal",
			"message": "Signal belongs to an earlier session",
		})
		return
	}
	c.JSON(http.StatusOK, agg.Snapshot())
}

// BeginTransfer handles POST /sessions/:id/transfers
func (h *Handler) BeginTransfer(c *gin.Context) {
	agg, ok := h.session(c)
	if !ok {
		return
	}

	assessment, err := agg.BeginTransfer(c.Request.Context())
	if err != nil {
		flowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"flow":              agg.Flow(),
		"requiresSecondary": assessment.Decision == DecisionEscalate,
		"assessment":        assessment,
	})
}

// SecondaryRequest carries the secondary challenge answer.
type SecondaryRequest struct {
	Answer string `json:"answer" binding:"required"`
}

// AnswerSecondary handles POST /sessions/:id/transfers/secondary
func (h *Handler) AnswerSecondary(c *gin.Context) {
	agg, ok := h.session(c)
	if !ok {
		return
	}

	var req SecondaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	flow, err := agg.AnswerSecondary(c.Request.Context(), req.Answer)
	if err != nil {
		flowError(c, err)
		return
	}
	if flow == FlowBlocked {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "access_denied",
			"message": "Access denied",
			"flow":    flow,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"flow": flow})
}

// Dismiss handles POST /sessions/:id/transfers/dismiss
func (h *Handler) Dismiss(c *gin.Context) {
	agg, ok := h.session(c)
	if !ok {
		return
	}
	if err := agg.Dismiss(c.Request.Context()); err != nil {
		flowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flow": agg.Flow()})
}

// Reset handles POST /sessions/:id/reset
func (h *Handler) Reset(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidSessionID(id) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_session",
			"message": "Invalid session id",
		})
		return
	}
	epoch, err := h.manager.Reset(id)
	if errors.Is(err, ErrSessionNotFound) {
		notFound(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"flow":  FlowNormal,
		"epoch": epoch,
	})
}

// ListAssessments handles GET /sessions/:id/assessments
func (h *Handler) ListAssessments(c *gin.Context) {
	agg, ok := h.session(c)
	if !ok {
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	store := h.manager.Store()
	if store == nil {
		c.JSON(http.StatusOK, gin.H{"assessments": []*Assessment{}, "count": 0})
		return
	}
	list, err := store.ListBySession(c.Request.Context(), agg.SessionID(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list assessments",
		})
		return
	}
	if list == nil {
		list = []*Assessment{}
	}
	c.JSON(http.StatusOK, gin.H{
		"assessments": list,
		"count":       len(list),
	})
}

func flowError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrBlocked):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "access_denied",
			"message": "Access denied",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": "Action not allowed in the current state",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Request failed",
		})
	}
}
