package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-voice/kestrel/pkg/provider/realtime"
)

// EndReason classifies how a turn finished.
type EndReason string

const (
	ReasonCompleted EndReason = "completed"
	ReasonTimedOut  EndReason = "timed_out"
	ReasonCancelled EndReason = "cancelled"
	ReasonError     EndReason = "error"
)

// ActionOutcome records one action request and its settled result.
type ActionOutcome struct {
	Request  realtime.ActionRequest
	Result   realtime.ActionResult
	Duration time.Duration
}

// Turn is one activation-to-idle cycle. At most one turn is active at any
// time; only the orchestrator's run loop writes to it.
type Turn struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time
	EndReason EndReason
	BargeIns  int
	Actions   []ActionOutcome
}

// NewTurn starts a turn with a fresh id.
func NewTurn() *Turn {
	return &Turn{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
	}
}

// End stamps the turn's outcome. The first call wins; later calls with a
// different reason are ignored so an error recorded mid-turn is not
// overwritten by the cleanup path.
func (t *Turn) End(reason EndReason) {
	if t.EndReason != "" {
		return
	}
	t.EndReason = reason
	t.EndedAt = time.Now()
}

// Duration is the wall time from activation to end.
func (t *Turn) Duration() time.Duration {
	if t.EndedAt.IsZero() {
		return time.Since(t.StartedAt)
	}
	return t.EndedAt.Sub(t.StartedAt)
}
