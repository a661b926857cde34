// Package notify hands intervention lifecycle events to an external
// notification dispatcher. Delivery is fire-and-forget: a slow or
// failing dispatcher must never block or roll back the core mutation
// that produced the event.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"meridian-hq/meridian/pkg/intervention"
)

// EventType identifies the lifecycle event being dispatched.
type EventType string

const (
	// EventInterventionCreated fires when a case is opened, whether by a
	// rule or manually.
	EventInterventionCreated EventType = "intervention.created"

	// EventInterventionEscalated fires on manual or SLA-driven
	// escalation.
	EventInterventionEscalated EventType = "intervention.escalated"
)

// Event carries the intervention state at the moment of the event.
type Event struct {
	Type         EventType                  `json:"type"`
	Intervention *intervention.Intervention `json:"intervention"`
	Reason       string                     `json:"reason,omitempty"`
	OccurredAt   time.Time                  `json:"occurred_at"`
}

// Dispatcher receives lifecycle events. Implementations must return
// quickly; slow delivery belongs behind AsyncDispatcher.
type Dispatcher interface {
	Dispatch(event Event)
}

// Sink is the delivery target wrapped by AsyncDispatcher.
type Sink interface {
	Deliver(ctx context.Context, event Event) error
}

// AsyncDispatcher buffers events on a channel drained by a background
// worker. When the buffer is full the event is dropped and counted;
// notification loss is acceptable, blocked core transactions are not.
type AsyncDispatcher struct {
	sink    Sink
	events  chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	logger  *slog.Logger
	dropped int64
	mu      sync.Mutex
}

// NewAsyncDispatcher starts a dispatcher draining into the sink.
// bufferSize <= 0 defaults to 256.
func NewAsyncDispatcher(sink Sink, bufferSize int) *AsyncDispatcher {
	if bufferSize <= 0 {
		bufferSize = 256
	}

	d := &AsyncDispatcher{
		sink:   sink,
		events: make(chan Event, bufferSize),
		done:   make(chan struct{}),
		logger: slog.Default().With("component", "notify.dispatcher"),
	}

	d.wg.Add(1)
	go d.worker()

	return d
}

// Dispatch enqueues an event without blocking.
func (d *AsyncDispatcher) Dispatch(event Event) {
	select {
	case d.events <- event:
	default:
		d.mu.Lock()
		d.dropped++
		dropped := d.dropped
		d.mu.Unlock()
		d.logger.Warn("notification buffer full, dropping event",
			"event_type", event.Type,
			"dropped_total", dropped,
		)
	}
}

// Dropped returns how many events were dropped due to a full buffer.
func (d *AsyncDispatcher) Dropped() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Close drains pending events and stops the worker.
func (d *AsyncDispatcher) Close() {
	close(d.done)
	d.wg.Wait()
}

func (d *AsyncDispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.events:
			d.deliver(event)
		case <-d.done:
			// Drain whatever is already buffered, then stop.
			for {
				select {
				case event := <-d.events:
					d.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (d *AsyncDispatcher) deliver(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.sink.Deliver(ctx, event); err != nil {
		d.logger.Warn("notification delivery failed",
			"event_type", event.Type,
			"intervention_id", event.Intervention.ID,
			"error", err,
		)
	}
}

// SlogSink logs events instead of delivering them externally. It is the
// default sink for deployments without a wired notification channel.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a logging sink.
func NewSlogSink() *SlogSink {
	return &SlogSink{logger: slog.Default().With("component", "notify.sink")}
}

// Deliver logs the event.
func (s *SlogSink) Deliver(ctx context.Context, event Event) error {
	s.logger.Info("intervention event",
		"event_type", event.Type,
		"intervention_id", event.Intervention.ID,
		"number", event.Intervention.Number,
		"subject_id", event.Intervention.SubjectID,
		"type", event.Intervention.Type,
		"reason", event.Reason,
	)
	return nil
}

// NopDispatcher discards events. Useful in tests and one-shot CLI
// commands.
type NopDispatcher struct{}

// Dispatch discards the event.
func (NopDispatcher) Dispatch(Event) {}
