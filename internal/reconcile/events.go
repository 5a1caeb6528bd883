package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/jasontalley/pact-sub013/internal/storage"
)

// EventType names a run event.
type EventType string

// Event types.
const (
	EventPhaseStarted EventType = "phase-started"
	EventProgress     EventType = "progress"
	EventCompleted    EventType = "completed"
	EventFailed       EventType = "failed"
	EventInterrupted  EventType = "interrupted"
	EventCancelled    EventType = "cancelled"
)

// Final reports whether no event follows t for the same run.
// Interrupted runs may resume, so interrupted is not final.
func (t EventType) Final() bool {
	return t == EventCompleted || t == EventFailed || t == EventCancelled
}

// Event is one entry of a run's ordered event log. Each event carries
// enough state to resynchronise a consumer that missed earlier ones.
type Event struct {
	RunID             string    `json:"runId"`
	Seq               int64     `json:"seq"`
	Type              EventType `json:"type"`
	Status            Status    `json:"status"`
	Phase             Phase     `json:"phase,omitempty"`
	AtomsInferred     int       `json:"atomsInferred"`
	MoleculesInferred int       `json:"moleculesInferred"`
	ErrorCount        int       `json:"errorCount"`
	Message           string    `json:"message,omitempty"`
	At                time.Time `json:"at"`
}

func eventFromRow(r storage.RunEvent) Event {
	return Event{
		RunID:             r.RunID,
		Seq:               r.Seq,
		Type:              EventType(r.Type),
		Status:            Status(r.Status),
		Phase:             Phase(r.Phase),
		AtomsInferred:     r.AtomsInferred,
		MoleculesInferred: r.MoleculesInferred,
		ErrorCount:        r.ErrorCount,
		Message:           r.Message,
		At:                time.UnixMilli(r.CreatedAt).UTC(),
	}
}

// broker wakes subscribers when a run gets a new event.
type broker struct {
	mu      sync.Mutex
	waiters map[string]chan struct{}
}

func newBroker() *broker {
	return &broker{waiters: make(map[string]chan struct{})}
}

// wait returns a channel closed on the next notify for runID.
func (b *broker) wait(runID string) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.waiters[runID]
	if !ok {
		ch = make(chan struct{})
		b.waiters[runID] = ch
	}
	return ch
}

func (b *broker) notify(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.waiters[runID]; ok {
		close(ch)
		delete(b.waiters, runID)
	}
}

// emit appends an event built from run's current row and wakes
// subscribers. Event failures are logged: the run row and its snapshots
// stay the source of truth.
func (e *Engine) emit(ctx context.Context, run *storage.Run, typ EventType, msg string) {
	errs, err := e.store.ListRunErrors(ctx, run.RunID)
	if err != nil {
		e.cfg.Logger.Warn("count run errors for event", "run_id", run.RunID, "error", err)
	}
	row := &storage.RunEvent{
		RunID:             run.RunID,
		Type:              string(typ),
		Status:            run.Status,
		Phase:             run.CurrentPhase,
		AtomsInferred:     run.AtomsInferred,
		MoleculesInferred: run.MoleculesInferred,
		ErrorCount:        len(errs),
		Message:           msg,
	}
	if err := e.store.AppendRunEvent(context.WithoutCancel(ctx), row); err != nil {
		e.cfg.Logger.Warn("append run event", "run_id", run.RunID, "type", typ, "error", err)
		return
	}
	ev := eventFromRow(*row)
	if e.mirror != nil {
		e.mirror.write(ev)
	}
	e.events.notify(run.RunID)
}

// Replay returns the run's events with Seq > afterSeq, in order.
func (e *Engine) Replay(ctx context.Context, runID string, afterSeq int64) ([]Event, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := e.store.ListRunEvents(ctx, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, eventFromRow(r))
	}
	return out, nil
}

// Subscribe streams the run's events with Seq > afterSeq, then tails new
// ones. The channel is closed after a final event, when ctx is done, or
// when the engine closes.
func (e *Engine) Subscribe(ctx context.Context, runID string, afterSeq int64) (<-chan Event, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	out := make(chan Event)
	go func() {
		defer e.wg.Done()
		defer close(out)

		last := afterSeq
		for {
			// Register before listing so an event appended in between
			// still wakes us.
			wake := e.events.wait(runID)
			rows, err := e.store.ListRunEvents(ctx, runID, last)
			if err != nil {
				if ctx.Err() == nil {
					e.cfg.Logger.Warn("tail run events", "run_id", runID, "error", err)
				}
				return
			}
			for _, r := range rows {
				ev := eventFromRow(r)
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				case <-e.base.Done():
					return
				}
				last = ev.Seq
				if ev.Type.Final() {
					return
				}
			}
			select {
			case <-wake:
			case <-ctx.Done():
				return
			case <-e.base.Done():
				return
			}
		}
	}()
	return out, nil
}
