package events

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/opspilot/backend/internal/core"
	"github.com/opspilot/backend/internal/logmask"
)

// Sink persists event records; *store.Store satisfies it.
type Sink interface {
	AppendEvent(ctx context.Context, ev *core.ExecutionEvent) error
}

// Mirror fans events out to an external feed; the Redis mirror satisfies
// it. nil mirrors are fine.
type Mirror interface {
	Publish(ctx context.Context, ev *core.ExecutionEvent) error
}

// Recorder is the single write path for execution events: mask, persist,
// publish, mirror — in that order, so nothing unmasked ever reaches a sink.
type Recorder struct {
	sink   Sink
	bus    *Bus
	mirror Mirror
	masker *logmask.Masker
	logger *log.Logger
}

// NewRecorder wires the event write path. mirror may be nil.
func NewRecorder(sink Sink, bus *Bus, mirror Mirror, masker *logmask.Masker) *Recorder {
	return &Recorder{
		sink:   sink,
		bus:    bus,
		mirror: mirror,
		masker: masker,
		logger: log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

// Record appends one event to an execution's stream. Persistence failures
// are logged and swallowed: the audit trail is best effort relative to the
// execution itself, which carries its own state.
func (r *Recorder) Record(ctx context.Context, tenantID, executionID, kind string, payload map[string]interface{}) {
	ev := &core.ExecutionEvent{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		TenantID:    tenantID,
		Kind:        kind,
		Payload:     r.masker.Map(payload),
		TS:          time.Now().UTC(),
	}

	if err := r.sink.AppendEvent(ctx, ev); err != nil {
		r.logger.Printf("append failed execution=%s kind=%s: %v", executionID, kind, err)
	}

	r.bus.Publish(ev)

	if r.mirror != nil {
		if err := r.mirror.Publish(ctx, ev); err != nil {
			r.logger.Printf("mirror publish failed execution=%s: %v", executionID, err)
		}
	}
}

// Progress emits a PROGRESS event with the coarse completion percent and
// the step currently running.
func (r *Recorder) Progress(ctx context.Context, tenantID, executionID string, percent int, currentStep string) {
	r.Record(ctx, tenantID, executionID, core.EventProgress, map[string]interface{}{
		"percent":      percent,
		"current_step": currentStep,
	})
}
