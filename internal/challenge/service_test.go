package challenge

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/suraksha/internal/authclient"
	"github.com/mbd888/suraksha/internal/biometrics"
	"github.com/mbd888/suraksha/internal/dataset"
	"github.com/mbd888/suraksha/internal/idgen"
	"github.com/mbd888/suraksha/internal/risk"
	"github.com/mbd888/suraksha/internal/telemetry"
)

type fakeBackend struct {
	mu        sync.Mutex
	err       error
	result    authclient.AuthResult
	check     authclient.CheckResult
	records   []telemetry.Record
	onAuth    func()
	onCheck   func()
	lastCheck string
}

func (f *fakeBackend) Authenticate(ctx context.Context, kind biometrics.Kind, rec telemetry.Record) (*authclient.AuthResult, error) {
	f.mu.Lock()
	f.records = append(f.records, rec)
	hook, err, res := f.onAuth, f.err, f.result
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (f *fakeBackend) checkResult(name string) (*authclient.CheckResult, error) {
	f.mu.Lock()
	f.lastCheck = name
	hook, err, res := f.onCheck, f.err, f.check
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (f *fakeBackend) CheckTwoFactor(ctx context.Context, choice int) (*authclient.CheckResult, error) {
	return f.checkResult("two-factor")
}

func (f *fakeBackend) CheckWifiSafety(ctx context.Context, choice int) (*authclient.CheckResult, error) {
	return f.checkResult("wifi-safety")
}

func (f *fakeBackend) CheckNavigationMethod(ctx context.Context, method string) (*authclient.CheckResult, error) {
	return f.checkResult("navigation")
}

func (f *fakeBackend) CheckFirstAction(ctx context.Context, action string, pressed bool) (*authclient.CheckResult, error) {
	return f.checkResult("first-action")
}

type harness struct {
	svc     *Service
	mock    *clock.Mock
	backend *fakeBackend
	store   *dataset.MemoryStore
	risk    *risk.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		mock:    clock.NewMock(),
		backend: &fakeBackend{result: authclient.AuthResult{Authenticated: true, Confidence: 0.9, Threshold: 0.7, ModelType: "pin"}},
		store:   dataset.NewMemoryStore(),
		risk:    risk.NewManager(nil),
	}
	h.risk.Start(t.Context())
	h.svc = NewService(biometrics.NewExtractor(biometrics.DefaultBounds), h.store, h.backend, h.risk).WithClock(h.mock)
	return h
}

// typeText enters text one character at a time, 150ms apart.
func (h *harness) typeText(t *testing.T, id, text string) {
	t.Helper()
	for i := range text {
		h.mock.Add(150 * time.Millisecond)
		require.NoError(t, h.svc.RecordInput(id, text[:i+1], time.Time{}))
	}
}

func TestOpenCaptchaGeneratesChallenge(t *testing.T) {
	h := newHarness(t)

	opened, err := h.svc.Open(biometrics.KindCaptcha, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(opened.ID, "ch_"))
	assert.GreaterOrEqual(t, len(opened.Challenge), 5)
	assert.LessOrEqual(t, len(opened.Challenge), 7)
	for _, r := range opened.Challenge {
		assert.True(t, strings.ContainsRune(idgen.Alphabet, r))
	}
	assert.Equal(t, 1, h.svc.Len())
}

func TestOpenPinHidesChallenge(t *testing.T) {
	h := newHarness(t)

	opened, err := h.svc.Open(biometrics.KindPin, "4821")
	require.NoError(t, err)
	assert.Empty(t, opened.Challenge)

	_, err = h.svc.Open(biometrics.KindPin, "")
	assert.ErrorIs(t, err, ErrInvalidChallenge)
	_, err = h.svc.Open("voice", "abc")
	assert.ErrorIs(t, err, ErrInvalidChallenge)
	_, err = h.svc.Open(biometrics.KindCaptcha, "a b")
	assert.ErrorIs(t, err, ErrInvalidChallenge)
}

func TestSubmitPinReportsToRisk(t *testing.T) {
	h := newHarness(t)
	opened, err := h.svc.Open(biometrics.KindPin, "4821")
	require.NoError(t, err)

	h.typeText(t, opened.ID, "4821")
	h.mock.Add(200 * time.Millisecond)

	out, err := h.svc.Submit(t.Context(), opened.ID, Submission{
		Submitted:    "4821",
		LoginSession: "login_1",
		Device:       biometrics.DeviceMetrics{Platform: "android", ScreenWidth: 390, ScreenHeight: 844, PixelRatio: 3},
	})
	require.NoError(t, err)
	assert.True(t, out.Authenticated)
	assert.True(t, out.IsCorrect)
	assert.False(t, out.Fallback)
	assert.Equal(t, "pin", out.ModelType)
	assert.Len(t, out.Features.FlightTimes, 3)
	assert.Equal(t, 0, h.svc.Len())

	// the backend saw a masked record
	require.Len(t, h.backend.records, 1)
	assert.Equal(t, telemetry.MaskedChallenge, h.backend.records[0].Captcha)
	assert.Equal(t, "****", h.backend.records[0].UserInput)

	entries, err := h.store.List(t.Context(), biometrics.KindPin, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, out.DatasetID, entries[0].ID)

	assert.True(t, h.risk.Get("login_1").Checks().PinAuthentication)

	_, err = h.svc.Submit(t.Context(), opened.ID, Submission{Submitted: "4821"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransferRightAfterPinSeesResult(t *testing.T) {
	h := newHarness(t)
	h.backend.check = authclient.CheckResult{Authenticated: true}

	for range 50 {
		agg := h.risk.Get("login_1")
		agg.Reset()

		_, err := h.svc.RelayTwoFactor(t.Context(), "login_1", 1)
		require.NoError(t, err)
		_, err = h.svc.RelayFirstAction(t.Context(), "login_1", "transfer", true)
		require.NoError(t, err)
		_, err = h.svc.RelayNavigation(t.Context(), "login_1", "gesture")
		require.NoError(t, err)

		opened, err := h.svc.Open(biometrics.KindPin, "4821")
		require.NoError(t, err)
		h.typeText(t, opened.ID, "4821")
		out, err := h.svc.Submit(t.Context(), opened.ID, Submission{Submitted: "4821", LoginSession: "login_1"})
		require.NoError(t, err)
		require.True(t, out.Authenticated)

		assessment, err := agg.BeginTransfer(t.Context())
		require.NoError(t, err)
		require.Equal(t, risk.DecisionAllow, assessment.Decision)
		require.InDelta(t, 80, assessment.Confidence, 1e-9)
	}
}

func TestSubmitFailsOpenWhenBackendDown(t *testing.T) {
	h := newHarness(t)
	h.backend.err = authclient.ErrNetworkUnreachable

	opened, err := h.svc.Open(biometrics.KindCaptcha, "aB3xZ")
	require.NoError(t, err)
	h.typeText(t, opened.ID, "aB3xZ")

	out, err := h.svc.Submit(t.Context(), opened.ID, Submission{Submitted: "aB3xZ"})
	require.NoError(t, err)
	assert.True(t, out.Fallback)
	assert.True(t, out.Authenticated)
	assert.Equal(t, 0, h.svc.Len())

	opened, err = h.svc.Open(biometrics.KindCaptcha, "aB3xZ")
	require.NoError(t, err)
	h.typeText(t, opened.ID, "aB3xy")
	out, err = h.svc.Submit(t.Context(), opened.ID, Submission{Submitted: "aB3xy"})
	require.NoError(t, err)
	assert.True(t, out.Fallback)
	assert.False(t, out.Authenticated)
}

func TestSubmitAfterLogoutIsDiscarded(t *testing.T) {
	h := newHarness(t)
	agg := h.risk.Get("login_1")
	h.backend.onAuth = func() {
		// logout lands while the backend call is in flight
		agg.Reset()
	}

	opened, err := h.svc.Open(biometrics.KindPin, "4821")
	require.NoError(t, err)
	h.typeText(t, opened.ID, "4821")

	_, err = h.svc.Submit(t.Context(), opened.ID, Submission{Submitted: "4821", LoginSession: "login_1"})
	require.NoError(t, err)

	assert.False(t, agg.Checks().PinAuthentication)

	// a signal in the new epoch is applied
	assert.True(t, agg.Apply(risk.NavigationResult(true).At(agg.Epoch())))
	assert.True(t, agg.Checks().NavigationMethodSuccessful)
}

func TestSubmitEmptySessionStaysOpen(t *testing.T) {
	h := newHarness(t)
	opened, err := h.svc.Open(biometrics.KindCaptcha, "")
	require.NoError(t, err)

	_, err = h.svc.Submit(t.Context(), opened.ID, Submission{})
	assert.ErrorIs(t, err, biometrics.ErrInvalidSessionState)
	assert.Equal(t, 1, h.svc.Len())
}

func TestResetAndTouches(t *testing.T) {
	h := newHarness(t)
	opened, err := h.svc.Open(biometrics.KindCaptcha, "Qw9k2p")
	require.NoError(t, err)

	require.NoError(t, h.svc.RecordTouch(opened.ID, biometrics.TouchEvent{Phase: biometrics.TouchStart, Pressure: biometrics.Measured(0.5)}))
	h.mock.Add(90 * time.Millisecond)
	require.NoError(t, h.svc.RecordTouch(opened.ID, biometrics.TouchEvent{Phase: biometrics.TouchEnd, Pressure: biometrics.Measured(0.5)}))
	h.typeText(t, opened.ID, "Qw")
	require.NoError(t, h.svc.Reset(opened.ID))

	h.typeText(t, opened.ID, "Qw9k2p")
	out, err := h.svc.Submit(t.Context(), opened.ID, Submission{Submitted: "Qw9k2p"})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Features.TouchEventsCount)
	assert.Equal(t, 6, out.Features.KeyTimingsCount)

	assert.ErrorIs(t, h.svc.RecordTouch("missing", biometrics.TouchEvent{Phase: biometrics.TouchStart}), ErrNotFound)
	assert.ErrorIs(t, h.svc.Reset("missing"), ErrNotFound)
}

func TestSweepExpiresIdleChallenges(t *testing.T) {
	h := newHarness(t)
	h.svc.WithIdleTTL(time.Minute)

	idle, err := h.svc.Open(biometrics.KindCaptcha, "")
	require.NoError(t, err)
	h.mock.Add(30 * time.Second)
	active, err := h.svc.Open(biometrics.KindCaptcha, "")
	require.NoError(t, err)
	h.mock.Add(40 * time.Second)

	assert.Equal(t, 1, h.svc.Sweep())
	assert.ErrorIs(t, h.svc.RecordInput(idle.ID, "a", time.Time{}), ErrNotFound)
	assert.NoError(t, h.svc.RecordInput(active.ID, "a", time.Time{}))
}

func TestRelayAppliesBackendVerdict(t *testing.T) {
	h := newHarness(t)
	h.backend.check = authclient.CheckResult{Authenticated: true, Message: "ok"}

	res, err := h.svc.RelayTwoFactor(t.Context(), "login_1", 1)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.True(t, res.Authenticated)
	assert.Equal(t, risk.CheckTwoFactor, res.Check)

	_, err = h.svc.RelayWifiSafety(t.Context(), "login_1", 2)
	require.NoError(t, err)
	_, err = h.svc.RelayFirstAction(t.Context(), "login_1", "transfer", true)
	require.NoError(t, err)
	_, err = h.svc.RelayNavigation(t.Context(), "login_1", "gesture")
	require.NoError(t, err)

	c := h.risk.Get("login_1").Checks()
	assert.True(t, c.TwoFactorAuthentication)
	assert.True(t, c.WifiSafetyCheck)
	assert.True(t, c.FirstActionSuccessful)
	assert.True(t, c.NavigationMethodSuccessful)
}

func TestRelayFailureLeavesCheckUnchanged(t *testing.T) {
	h := newHarness(t)
	agg := h.risk.Get("login_1")
	agg.Apply(risk.WifiSafetyResult(true))
	h.backend.err = authclient.ErrMalformedResponse

	res, err := h.svc.RelayWifiSafety(t.Context(), "login_1", 1)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.True(t, agg.Checks().WifiSafetyCheck)
}

func TestRelayWithoutRiskManager(t *testing.T) {
	svc := NewService(biometrics.NewExtractor(biometrics.DefaultBounds), nil, &fakeBackend{}, nil)
	_, err := svc.RelayTwoFactor(t.Context(), "login_1", 1)
	assert.ErrorIs(t, err, ErrNoRiskManager)
}

func TestRelayAfterLogoutNotApplied(t *testing.T) {
	h := newHarness(t)
	agg := h.risk.Get("login_1")
	h.backend.check = authclient.CheckResult{Authenticated: true}
	h.backend.onCheck = func() { agg.Reset() }

	res, err := h.svc.RelayTwoFactor(t.Context(), "login_1", 1)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.True(t, res.Authenticated)
	assert.False(t, agg.Checks().TwoFactorAuthentication)
}
