package server

import (
	"github.com/mbd888/suraksha/internal/realtime"
	"github.com/mbd888/suraksha/internal/risk"
)

// riskEvents adapts realtime.Hub to risk.EventEmitter. A block is sent
// twice: once with its reason for dashboards, once as the bare
// access_denied alert the client UI shows.
type riskEvents struct {
	hub *realtime.Hub
}

func (e *riskEvents) EmitEscalation(sessionID string, assessment *risk.Assessment) {
	e.hub.Publish(sessionID, realtime.EventEscalation, map[string]any{
		"confidence": assessment.Confidence,
		"reason":     assessment.Reason,
		"epoch":      assessment.Epoch,
	})
}

func (e *riskEvents) EmitBlocked(sessionID, reason string) {
	e.hub.Publish(sessionID, realtime.EventBlocked, map[string]any{"reason": reason})
	e.hub.Publish(sessionID, realtime.EventAccessDenied, nil)
}
