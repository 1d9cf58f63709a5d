package challenge

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/suraksha/internal/biometrics"
	"github.com/mbd888/suraksha/internal/validation"
)

// Handler provides HTTP endpoints for challenges and security-check relays.
type Handler struct {
	service *Service
}

// NewHandler creates a new challenge handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the challenge routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/challenges", h.Open)

	ch := r.Group("/challenges/:id", validation.SessionParamMiddleware())
	ch.POST("/input", h.RecordInput)
	ch.POST("/touches", h.RecordTouch)
	ch.POST("/reset", h.Reset)
	ch.POST("/submit", h.Submit)

	checks := r.Group("/sessions/:id/checks", validation.SessionParamMiddleware())
	checks.POST("/two-factor", h.TwoFactor)
	checks.POST("/wifi-safety", h.WifiSafety)
	checks.POST("/navigation", h.Navigation)
	checks.POST("/first-action", h.FirstAction)
}

// OpenRequest starts a challenge.
type OpenRequest struct {
	Kind      string `json:"kind" binding:"required"`
	Challenge string `json:"challenge"`
}

// Open handles POST /challenges
func (h *Handler) Open(c *gin.Context) {
	var req OpenRequest
	if !bind(c, &req) {
		return
	}
	if errs := validation.Validate(
		validation.OneOf("kind", req.Kind, string(biometrics.KindPin), string(biometrics.KindCaptcha)),
		validation.ValidChallenge("challenge", req.Challenge),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "Invalid challenge request",
			"details": errs,
		})
		return
	}

	opened, err := h.service.Open(biometrics.Kind(req.Kind), req.Challenge)
	if err != nil {
		serviceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, opened)
}

// InputRequest is one input-change callback. At is Unix milliseconds;
// zero means "now".
type InputRequest struct {
	Text string `json:"text"`
	At   int64  `json:"at"`
}

// RecordInput handles POST /challenges/:id/input
func (h *Handler) RecordInput(c *gin.Context) {
	var req InputRequest
	if !bind(c, &req) {
		return
	}
	if len(req.Text) > validation.MaxChallengeLength {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Input too long",
		})
		return
	}
	if err := h.service.RecordInput(c.Param("id"), req.Text, millisTime(req.At)); err != nil {
		serviceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// TouchRequest is one touch edge. Unreported measurements are null.
type TouchRequest struct {
	Phase           string   `json:"phase" binding:"required"`
	X               *float64 `json:"x"`
	Y               *float64 `json:"y"`
	Pressure        *float64 `json:"pressure"`
	MajorAxisRadius *float64 `json:"majorAxisRadius"`
	MinorAxisRadius *float64 `json:"minorAxisRadius"`
	At              int64    `json:"at"`
}

// RecordTouch handles POST /challenges/:id/touches
func (h *Handler) RecordTouch(c *gin.Context) {
	var req TouchRequest
	if !bind(c, &req) {
		return
	}
	phase := biometrics.TouchPhase(req.Phase)
	if phase != biometrics.TouchStart && phase != biometrics.TouchEnd {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "phase must be start or end",
		})
		return
	}

	ev := biometrics.TouchEvent{
		Phase:           phase,
		X:               measurement(req.X),
		Y:               measurement(req.Y),
		Pressure:        measurement(req.Pressure),
		MajorAxisRadius: measurement(req.MajorAxisRadius),
		MinorAxisRadius: measurement(req.MinorAxisRadius),
		At:              millisTime(req.At),
	}
	if err := h.service.RecordTouch(c.Param("id"), ev); err != nil {
		serviceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Reset handles POST /challenges/:id/reset
func (h *Handler) Reset(c *gin.Context) {
	if err := h.service.Reset(c.Param("id")); err != nil {
		serviceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SubmitRequest finishes a challenge.
type SubmitRequest struct {
	Submitted    string                   `json:"submitted"`
	LoginSession string                   `json:"loginSession"`
	Username     string                   `json:"username"`
	Device       biometrics.DeviceMetrics `json:"device"`
}

// Submit handles POST /challenges/:id/submit
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if !bind(c, &req) {
		return
	}
	if req.LoginSession != "" && !validation.IsValidSessionID(req.LoginSession) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_session",
			"message": "Invalid session id",
		})
		return
	}

	out, err := h.service.Submit(c.Request.Context(), c.Param("id"), Submission{
		Submitted:    req.Submitted,
		LoginSession: req.LoginSession,
		Username:     validation.SanitizeString(req.Username, 64),
		Device: biometrics.DeviceMetrics{
			Platform:     validation.SanitizeString(req.Device.Platform, 32),
			ScreenWidth:  req.Device.ScreenWidth,
			ScreenHeight: req.Device.ScreenHeight,
			PixelRatio:   req.Device.PixelRatio,
		},
	})
	if err != nil {
		serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// ChoiceRequest carries a numbered choice.
type ChoiceRequest struct {
	Choice int `json:"choice"`
}

// TwoFactor handles POST /sessions/:id/checks/two-factor
func (h *Handler) TwoFactor(c *gin.Context) {
	var req ChoiceRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.service.RelayTwoFactor(c.Request.Context(), c.Param("id"), req.Choice)
	relayResponse(c, res, err)
}

// WifiSafety handles POST /sessions/:id/checks/wifi-safety
func (h *Handler) WifiSafety(c *gin.Context) {
	var req ChoiceRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.service.RelayWifiSafety(c.Request.Context(), c.Param("id"), req.Choice)
	relayResponse(c, res, err)
}

// NavigationRequest names how the user navigated.
type NavigationRequest struct {
	Method string `json:"method" binding:"required"`
}

// Navigation handles POST /sessions/:id/checks/navigation
func (h *Handler) Navigation(c *gin.Context) {
	var req NavigationRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.service.RelayNavigation(c.Request.Context(), c.Param("id"), validation.SanitizeString(req.Method, 64))
	relayResponse(c, res, err)
}

// FirstActionRequest names the first action after login.
type FirstActionRequest struct {
	Action  string `json:"action" binding:"required"`
	Pressed bool   `json:"pressed"`
}

// FirstAction handles POST /sessions/:id/checks/first-action
func (h *Handler) FirstAction(c *gin.Context) {
	var req FirstActionRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.service.RelayFirstAction(c.Request.Context(), c.Param("id"), validation.SanitizeString(req.Action, 64), req.Pressed)
	relayResponse(c, res, err)
}

func relayResponse(c *gin.Context, res *RelayResult, err error) {
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "relay_failed",
			"message": "Security check could not be recorded",
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	return true
}

func serviceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Challenge not found",
		})
	case errors.Is(err, ErrInvalidChallenge):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_challenge",
			"message": "Invalid challenge",
		})
	case errors.Is(err, biometrics.ErrInvalidSessionState):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": "Challenge has no input to submit",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Request failed",
		})
	}
}

func measurement(v *float64) biometrics.Measurement {
	if v == nil {
		return biometrics.Missing()
	}
	return biometrics.Measured(*v)
}

func millisTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
