// Package authclient talks to the external keystroke authentication
// backend. Feature records are posted as the plain-text 33-field row and
// security-check choices as small JSON payloads; every response is JSON.
//
// Calls are not retried. A per-endpoint circuit breaker fails fast while
// the backend is unreachable so challenge submission can fall back to
// local signals without waiting out the timeout on every attempt.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mbd888/suraksha/internal/biometrics"
	"github.com/mbd888/suraksha/internal/circuitbreaker"
	"github.com/mbd888/suraksha/internal/telemetry"
	"github.com/mbd888/suraksha/internal/traces"
)

var (
	ErrNetworkUnreachable = errors.New("authentication backend unreachable")
	ErrMalformedResponse  = errors.New("malformed backend response")
)

// Backend endpoints.
const (
	PathAuthCaptcha       = "/authenticate/captcha"
	PathAuthPin           = "/authenticate/pin"
	PathAuthAuto          = "/authenticate/auto"
	PathTwoFactor         = "/security/two-factor"
	PathWifiSafety        = "/security/wifi-safety"
	PathEmulatorDetection = "/security/emulator-detection"
	PathNavigationMethod  = "/security/navigation-method"
	PathFirstAction       = "/security/first-action"
	PathDeviceCheck       = "/security/device-check"
	PathHealth            = "/health"
)

const (
	contentText = "text/plain"
	contentJSON = "application/json"

	defaultTimeout  = 10 * time.Second
	maxResponseSize = 1 << 20
)

// AuthResult is the backend's verdict on a feature record.
type AuthResult struct {
	Authenticated bool    `json:"authenticated"`
	Confidence    float64 `json:"confidence"`
	Threshold     float64 `json:"threshold"`
	User          string  `json:"user"`
	TargetUser    string  `json:"target_user"`
	ModelType     string  `json:"model_type"`
}

// CheckResult is the backend's answer to a security-check report. Fields
// the backend echoes back are kept in Echo.
type CheckResult struct {
	Authenticated bool           `json:"authenticated"`
	Message       string         `json:"message"`
	Echo          map[string]any `json:"echo,omitempty"`
}

// Client is an HTTP client for the authentication backend.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// New creates a client for baseURL. A non-positive timeout uses the default.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  slog.Default(),
	}
}

// WithBreaker replaces the circuit breaker.
func (c *Client) WithBreaker(b *circuitbreaker.Breaker) *Client {
	c.breaker = b
	return c
}

// WithLogger sets the logger.
func (c *Client) WithLogger(l *slog.Logger) *Client {
	c.logger = l
	return c
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Authenticate posts rec to the endpoint matching kind.
func (c *Client) Authenticate(ctx context.Context, kind biometrics.Kind, rec telemetry.Record) (*AuthResult, error) {
	if kind == biometrics.KindPin {
		return c.AuthenticatePin(ctx, rec)
	}
	return c.AuthenticateCaptcha(ctx, rec)
}

// AuthenticateCaptcha scores a CAPTCHA record against the captcha model.
func (c *Client) AuthenticateCaptcha(ctx context.Context, rec telemetry.Record) (*AuthResult, error) {
	return c.authenticate(ctx, PathAuthCaptcha, rec)
}

// AuthenticatePin scores a PIN record. The record must already be masked.
func (c *Client) AuthenticatePin(ctx context.Context, rec telemetry.Record) (*AuthResult, error) {
	return c.authenticate(ctx, PathAuthPin, rec)
}

// AuthenticateAuto lets the backend pick the model.
func (c *Client) AuthenticateAuto(ctx context.Context, rec telemetry.Record) (*AuthResult, error) {
	return c.authenticate(ctx, PathAuthAuto, rec)
}

func (c *Client) authenticate(ctx context.Context, path string, rec telemetry.Record) (*AuthResult, error) {
	var raw struct {
		Authenticated *bool   `json:"authenticated"`
		Confidence    float64 `json:"confidence"`
		Threshold     float64 `json:"threshold"`
		User          string  `json:"user"`
		TargetUser    string  `json:"target_user"`
		ModelType     string  `json:"model_type"`
	}
	if err := c.do(ctx, http.MethodPost, path, contentText, []byte(rec.Encode()), &raw); err != nil {
		return nil, err
	}
	if raw.Authenticated == nil {
		return nil, fmt.Errorf("%w: %s: missing authenticated", ErrMalformedResponse, path)
	}
	return &AuthResult{
		Authenticated: *raw.Authenticated,
		Confidence:    raw.Confidence,
		Threshold:     raw.Threshold,
		User:          raw.User,
		TargetUser:    raw.TargetUser,
		ModelType:     raw.ModelType,
	}, nil
}

// CheckTwoFactor reports the two-factor choice.
func (c *Client) CheckTwoFactor(ctx context.Context, choice int) (*CheckResult, error) {
	return c.check(ctx, PathTwoFactor, contentText, map[string]any{"twoFactorChoice": choice})
}

// CheckWifiSafety reports the Wi-Fi safety choice.
func (c *Client) CheckWifiSafety(ctx context.Context, choice int) (*CheckResult, error) {
	return c.check(ctx, PathWifiSafety, contentText, map[string]any{"wifiSafetyChoice": choice})
}

// CheckEmulatorDetection reports the device trust verdict.
func (c *Client) CheckEmulatorDetection(ctx context.Context, result string) (*CheckResult, error) {
	return c.check(ctx, PathEmulatorDetection, contentText, map[string]any{"emulatorDetectionResult": result})
}

// CheckNavigationMethod reports how the user navigated.
func (c *Client) CheckNavigationMethod(ctx context.Context, method string) (*CheckResult, error) {
	return c.check(ctx, PathNavigationMethod, contentText, map[string]any{"navigationMethod": method})
}

// CheckFirstAction reports the first action taken after login.
func (c *Client) CheckFirstAction(ctx context.Context, action string, pressed bool) (*CheckResult, error) {
	return c.check(ctx, PathFirstAction, contentJSON, map[string]any{"firstAction": action, "pressed": pressed})
}

// CheckDeviceSecurity reports the static environment state.
func (c *Client) CheckDeviceSecurity(ctx context.Context, state any) (*CheckResult, error) {
	return c.check(ctx, PathDeviceCheck, contentJSON, map[string]any{
		"securityCheck": "completed",
		"version":       "enhanced_v2.0",
		"state":         state,
	})
}

// Health calls the backend health endpoint.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, PathHealth, "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// check sends payload as JSON text. Some endpoints expect the JSON string
// under a text/plain content type.
func (c *Client) check(ctx context.Context, path, contentType string, payload map[string]any) (*CheckResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", path, err)
	}

	var raw map[string]any
	if err := c.do(ctx, http.MethodPost, path, contentType, body, &raw); err != nil {
		return nil, err
	}
	authenticated, ok := raw["authenticated"].(bool)
	if !ok {
		return nil, fmt.Errorf("%w: %s: missing authenticated", ErrMalformedResponse, path)
	}
	res := &CheckResult{Authenticated: authenticated}
	res.Message, _ = raw["message"].(string)
	delete(raw, "authenticated")
	delete(raw, "message")
	if len(raw) > 0 {
		res.Echo = raw
	}
	return res, nil
}

// do runs one request through the breaker and decodes the JSON body into out.
func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	ctx, span := traces.StartSpan(ctx, "authclient "+path, traces.Endpoint(path))
	defer span.End()

	start := time.Now()
	err := c.breaker.Do(ctx, path, countsAsOutage, func(ctx context.Context) error {
		return c.roundTrip(ctx, method, path, contentType, body, out)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = fmt.Errorf("%w: %s: circuit open", ErrNetworkUnreachable, path)
	}
	observe(path, err, time.Since(start))

	if err != nil {
		traces.Fail(span, err, resultLabel(err))
		c.logger.WarnContext(ctx, "backend request failed", "endpoint", path, "error", err)
		return err
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", contentJSON)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNetworkUnreachable, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", ErrNetworkUnreachable, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s: HTTP %d", ErrMalformedResponse, path, resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, path, err)
	}
	return nil
}

// countsAsOutage keeps malformed responses from tripping the breaker; the
// backend answered, it just answered badly.
func countsAsOutage(err error) bool {
	return errors.Is(err, ErrNetworkUnreachable)
}
