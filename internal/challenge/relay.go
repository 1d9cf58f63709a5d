package challenge

import (
	"context"
	"errors"

	"github.com/mbd888/suraksha/internal/authclient"
	"github.com/mbd888/suraksha/internal/risk"
	"github.com/mbd888/suraksha/internal/traces"
)

// ErrNoRiskManager is returned by the relays when the service has no
// risk manager to report to.
var ErrNoRiskManager = errors.New("risk manager not configured")

// RelayResult is the outcome of forwarding a security-check choice.
// Applied is false when the backend did not answer or the session was
// reset during the call; the check then keeps its previous value.
type RelayResult struct {
	Check         risk.Check `json:"check"`
	Applied       bool       `json:"applied"`
	Authenticated bool       `json:"authenticated"`
	Message       string     `json:"message,omitempty"`
	Epoch         uint64     `json:"epoch"`
}

// RelayTwoFactor forwards the two-factor choice.
func (s *Service) RelayTwoFactor(ctx context.Context, loginSession string, choice int) (*RelayResult, error) {
	return s.relay(ctx, loginSession, risk.CheckTwoFactor, func(ctx context.Context) (*authclient.CheckResult, error) {
		return s.backend.CheckTwoFactor(ctx, choice)
	})
}

// RelayWifiSafety forwards the Wi-Fi safety choice.
func (s *Service) RelayWifiSafety(ctx context.Context, loginSession string, choice int) (*RelayResult, error) {
	return s.relay(ctx, loginSession, risk.CheckWifi, func(ctx context.Context) (*authclient.CheckResult, error) {
		return s.backend.CheckWifiSafety(ctx, choice)
	})
}

// RelayNavigation forwards the navigation method.
func (s *Service) RelayNavigation(ctx context.Context, loginSession, method string) (*RelayResult, error) {
	return s.relay(ctx, loginSession, risk.CheckNavigation, func(ctx context.Context) (*authclient.CheckResult, error) {
		return s.backend.CheckNavigationMethod(ctx, method)
	})
}

// RelayFirstAction forwards the first action taken after login.
func (s *Service) RelayFirstAction(ctx context.Context, loginSession, action string, pressed bool) (*RelayResult, error) {
	return s.relay(ctx, loginSession, risk.CheckFirstAction, func(ctx context.Context) (*authclient.CheckResult, error) {
		return s.backend.CheckFirstAction(ctx, action, pressed)
	})
}

func (s *Service) relay(ctx context.Context, loginSession string, check risk.Check, call func(context.Context) (*authclient.CheckResult, error)) (*RelayResult, error) {
	if s.risk == nil {
		return nil, ErrNoRiskManager
	}
	ctx, span := traces.StartSpan(ctx, "challenge.relay", traces.SessionID(loginSession), traces.Check(string(check)))
	defer span.End()

	agg := s.risk.Get(loginSession)
	out := &RelayResult{Check: check, Epoch: agg.Epoch()}

	var res *authclient.CheckResult
	err := authclient.ErrNetworkUnreachable
	if s.backend != nil {
		res, err = call(ctx)
	}
	if err != nil {
		// no fabricated pass: the check stays as it was
		fallbacksTotal.WithLabelValues(string(check)).Inc()
		traces.FailOpen(span, err)
		s.logger.Warn("security check relay failed, leaving check unchanged",
			"session", loginSession, "check", check, "error", err)
		return out, nil
	}

	out.Applied = agg.Apply(risk.Signal{Check: check, Passed: res.Authenticated}.At(out.Epoch))
	out.Authenticated = res.Authenticated
	out.Message = res.Message
	return out, nil
}
