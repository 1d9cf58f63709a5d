package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/suraksha/internal/authclient"
	"github.com/mbd888/suraksha/internal/devicetrust"
	"github.com/mbd888/suraksha/internal/logging"
	"github.com/mbd888/suraksha/internal/metrics"
	"github.com/mbd888/suraksha/internal/realtime"
	"github.com/mbd888/suraksha/internal/validation"
)

const (
	maxStreamMessage = 4 * 1024
	streamIdle       = 60 * time.Second
	reportTimeout    = 15 * time.Second
)

// trustReporter forwards trust results to the auth backend.
type trustReporter interface {
	CheckEmulatorDetection(ctx context.Context, result string) (*authclient.CheckResult, error)
	CheckDeviceSecurity(ctx context.Context, state any) (*authclient.CheckResult, error)
}

// trustHandler serves the environment check and the sensor stream that
// feeds one devicetrust.Evaluator per connection.
type trustHandler struct {
	policy   *devicetrust.Policy
	env      *devicetrust.EnvironmentChecker
	hub      *realtime.Hub
	reporter trustReporter
	clock    clock.Clock
	logger   *slog.Logger
	upgrader *websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Int64
}

func newTrustHandler(policy *devicetrust.Policy, hub *realtime.Hub, reporter trustReporter, origins []string, clk clock.Clock, logger *slog.Logger) *trustHandler {
	ctx, cancel := context.WithCancel(context.Background())
	return &trustHandler{
		policy:   policy,
		env:      devicetrust.NewEnvironmentChecker(policy, logger).WithClock(clk),
		hub:      hub,
		reporter: reporter,
		clock:    clk,
		logger:   logger,
		upgrader: realtime.NewUpgrader(origins),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterRoutes sets up the device trust routes.
func (h *trustHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trust/environment", h.Environment)
	r.DELETE("/trust/environment", h.ClearEnvironment)
	r.GET("/trust/stream", h.Stream)
}

// Close ends open streams and waits for in-flight backend reports.
func (h *trustHandler) Close() {
	h.cancel()
	h.wg.Wait()
}

// report runs fn in the background, bounded by reportTimeout. The backend
// answer is informational; failures are already logged by the client.
func (h *trustHandler) report(name string, fn func(ctx context.Context) error) {
	if h.reporter == nil {
		return
	}
	h.wg.Go(func() {
		ctx, cancel := context.WithTimeout(h.ctx, reportTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			h.logger.Debug("trust report not delivered", "report", name, "error", err)
		}
	})
}

// environmentRequest carries the build description and the restricted
// paths the client found writable.
type environmentRequest struct {
	SessionID     string                `json:"sessionId"`
	Build         devicetrust.BuildInfo `json:"build"`
	WritablePaths []string              `json:"writablePaths"`
}

type environmentResponse struct {
	devicetrust.EnvironmentState
	Safe bool `json:"safe"`
}

// Environment handles POST /trust/environment
func (h *trustHandler) Environment(c *gin.Context) {
	var req environmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.SessionID != "" && !validation.IsValidSessionID(req.SessionID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_session",
			"message": "Invalid session id",
		})
		return
	}

	ctx := logging.WithSessionID(c.Request.Context(), req.SessionID)
	state := h.env.Check(ctx, req.Build, devicetrust.ReportedPaths(req.WritablePaths))
	if !state.Safe() {
		h.hub.Publish(req.SessionID, realtime.EventSecurityAlert, map[string]any{"threats": state.Threats})
	}
	h.report("device_check", func(ctx context.Context) error {
		_, err := h.reporter.CheckDeviceSecurity(ctx, state)
		return err
	})

	c.JSON(http.StatusOK, environmentResponse{EnvironmentState: state, Safe: state.Safe()})
}

// ClearEnvironment handles DELETE /trust/environment
func (h *trustHandler) ClearEnvironment(c *gin.Context) {
	h.env.Clear()
	c.Status(http.StatusNoContent)
}

// streamMessage is one client frame on the sensor stream.
//
//	{"type":"start","device":{...}}
//	{"type":"sample","sensor":"gyroscope","x":0.01,"y":0,"z":0,"at":1700000000000}
//	{"type":"unavailable","sensor":"accelerometer"}
//	{"type":"stop"}
type streamMessage struct {
	Type   string                 `json:"type"`
	Device devicetrust.DeviceInfo `json:"device"`
	Sensor string                 `json:"sensor"`
	X      float64                `json:"x"`
	Y      float64                `json:"y"`
	Z      float64                `json:"z"`
	At     int64                  `json:"at"`
}

// streamReply is one server frame on the sensor stream.
type streamReply struct {
	Type    string               `json:"type"`
	Verdict *devicetrust.Verdict `json:"verdict,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// Stream handles GET /trust/stream
func (h *trustHandler) Stream(c *gin.Context) {
	sessionID := c.Query("session")
	if sessionID != "" && !validation.IsValidSessionID(sessionID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_session",
			"message": "Invalid session id",
		})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("trust stream upgrade failed", "error", err)
		return
	}

	h.active.Add(1)
	metrics.ActiveTrustStreams.Inc()
	defer func() {
		h.active.Add(-1)
		metrics.ActiveTrustStreams.Dec()
	}()

	gyro := devicetrust.NewStreamSensor(devicetrust.Gyroscope)
	accel := devicetrust.NewStreamSensor(devicetrust.Accelerometer)
	s := &trustStream{
		h:         h,
		conn:      conn,
		sessionID: sessionID,
		gyro:      gyro,
		accel:     accel,
		eval: devicetrust.NewEvaluator(gyro, accel).
			WithClock(h.clock).
			WithLogger(h.logger.With("session_id", sessionID)).
			WithPolicy(h.policy),
	}
	s.serve(h.ctx)
}

type trustStream struct {
	h         *trustHandler
	conn      *websocket.Conn
	sessionID string
	gyro      *devicetrust.StreamSensor
	accel     *devicetrust.StreamSensor
	eval      *devicetrust.Evaluator

	writeMu sync.Mutex
}

func (s *trustStream) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer s.eval.Stop()

	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxStreamMessage)
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(streamIdle))
		var msg streamMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "start":
			err := s.eval.Start(ctx, msg.Device, s.onVerdict)
			if errors.Is(err, devicetrust.ErrAlreadyRunning) {
				s.send(streamReply{Type: "error", Error: "already_running"})
			}
		case "sample", "unavailable":
			sensor := s.sensor(msg.Sensor)
			if sensor == nil {
				s.send(streamReply{Type: "error", Error: "unknown_sensor"})
				continue
			}
			if msg.Type == "unavailable" {
				sensor.SetUnavailable()
				continue
			}
			at := s.h.clock.Now()
			if msg.At > 0 {
				at = time.UnixMilli(msg.At)
			}
			sensor.Push(devicetrust.Sample{X: msg.X, Y: msg.Y, Z: msg.Z, At: at})
		case "stop":
			s.eval.Stop()
		default:
			s.send(streamReply{Type: "error", Error: "unknown_message"})
		}
	}
}

func (s *trustStream) sensor(kind string) *devicetrust.StreamSensor {
	switch devicetrust.SensorKind(kind) {
	case devicetrust.Gyroscope:
		return s.gyro
	case devicetrust.Accelerometer:
		return s.accel
	default:
		return nil
	}
}

// onVerdict runs on the evaluator's goroutine.
func (s *trustStream) onVerdict(v devicetrust.Verdict) {
	s.send(streamReply{Type: "verdict", Verdict: &v})

	s.h.hub.Publish(s.sessionID, realtime.EventTrustVerdict, v)
	if v.IsEmulator {
		s.h.hub.Publish(s.sessionID, realtime.EventSecurityAlert, map[string]any{
			"threats": []string{devicetrust.ThreatEmulator},
			"reason":  v.Reason,
		})
	}
	s.h.report("emulator_detection", func(ctx context.Context) error {
		_, err := s.h.reporter.CheckEmulatorDetection(ctx, v.Result())
		return err
	})
}

func (s *trustStream) send(r streamReply) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.conn.WriteJSON(r); err != nil {
		s.h.logger.Debug("trust stream write failed", "error", err)
	}
}
