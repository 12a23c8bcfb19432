// Package events carries workflow progress from the pipeline to its
// observers: the websocket hub, the CLI progress printer and tests.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/pkg/types"
)

// Type is the event category.
type Type string

const (
	// TypeWorkflow announces workflow status transitions.
	TypeWorkflow Type = "workflow"
	// TypeStage announces one pipeline stage finishing.
	TypeStage Type = "stage"
	// TypeProgress reports partial progress inside a long stage.
	TypeProgress Type = "progress"
)

// Event is the envelope every bus message implements.
type Event interface {
	EventType() Type
	EventTime() time.Time
	Workflow() string
}

// Meta is the shared envelope: identity, category, source workflow and
// publication time.
type Meta struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func (m Meta) EventType() Type      { return m.Type }
func (m Meta) EventTime() time.Time { return m.Timestamp }
func (m Meta) Workflow() string     { return m.WorkflowID }

func newMeta(t Type, workflowID string) Meta {
	return Meta{
		ID:         uuid.NewString(),
		Type:       t,
		WorkflowID: workflowID,
		Timestamp:  time.Now().UTC(),
	}
}

// WorkflowEvent announces a workflow status transition.
type WorkflowEvent struct {
	Meta
	Status  types.Status `json:"status"`
	Step    string       `json:"step,omitempty"`
	Symbol  string       `json:"symbol,omitempty"`
	EAName  string       `json:"ea_name,omitempty"`
	Message string       `json:"message,omitempty"`
}

// NewWorkflowEvent stamps a status transition for one workflow. Step is
// the pipeline step the workflow sits at, empty before the first stage.
func NewWorkflowEvent(workflowID string, status types.Status, step, message string) *WorkflowEvent {
	return &WorkflowEvent{
		Meta:    newMeta(TypeWorkflow, workflowID),
		Status:  status,
		Step:    step,
		Message: message,
	}
}

// StageEvent announces one pipeline stage finishing.
type StageEvent struct {
	Meta
	Step       string `json:"step"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// NewStageEvent stamps a stage outcome.
func NewStageEvent(workflowID, step string, success bool, elapsed time.Duration, errMsg string) *StageEvent {
	return &StageEvent{
		Meta:       newMeta(TypeStage, workflowID),
		Step:       step,
		Success:    success,
		DurationMS: elapsed.Milliseconds(),
		Error:      errMsg,
	}
}

// ProgressEvent reports partial progress inside a long stage, such as
// Monte Carlo batches or multi-pair children.
type ProgressEvent struct {
	Meta
	Step    string  `json:"step"`
	Percent float64 `json:"percent"`
	Message string  `json:"message,omitempty"`
}

// NewProgressEvent stamps a progress tick. Percent is clamped to
// [0, 100].
func NewProgressEvent(workflowID, step string, percent float64, message string) *ProgressEvent {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return &ProgressEvent{
		Meta:    newMeta(TypeProgress, workflowID),
		Step:    step,
		Percent: percent,
		Message: message,
	}
}

// DefaultBuffer is the per-subscription queue size.
const DefaultBuffer = 256

// Subscription is one bounded listener. Events arrive on Events(); when
// the queue fills the bus sheds the oldest queued event, so a stalled
// consumer lags rather than stalling publishers.
type Subscription struct {
	id    string
	types map[Type]struct{}
	ch    chan Event
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Events returns the receive channel. It is closed by Unsubscribe and
// by Bus.Close.
func (s *Subscription) Events() <-chan Event { return s.ch }

func (s *Subscription) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Stats are the bus delivery counters.
type Stats struct {
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
}

// Bus fans workflow events out to subscribers. Publishing never blocks
// and subscriber queues are bounded.
type Bus struct {
	logger *zap.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewBus creates the bus. buffer sizes each subscription's queue;
// values below one fall back to DefaultBuffer.
func NewBus(logger *zap.Logger, buffer int) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		logger: logger.Named("events"),
		buffer: buffer,
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe registers a listener for the given event types; none means
// every type. Subscribing to a closed bus yields an already-closed
// channel.
func (b *Bus) Subscribe(eventTypes ...Type) *Subscription {
	sub := &Subscription{
		id: uuid.NewString(),
		ch: make(chan Event, b.buffer),
	}
	if len(eventTypes) > 0 {
		sub.types = make(map[Type]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	b.logger.Debug("subscriber added",
		zap.String("id", sub.id),
		zap.Int("subscribers", len(b.subs)))
	return sub
}

// Unsubscribe detaches the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	// Publishers only send under the read lock, so closing here cannot
	// race a send.
	close(sub.ch)
}

// Publish fans the event out to matching subscribers. A full queue
// sheds its oldest event first.
func (b *Bus) Publish(event Event) {
	if event == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, sub := range b.subs {
		if !sub.wants(event.EventType()) {
			continue
		}
		b.offer(sub, event)
	}
}

func (b *Bus) offer(sub *Subscription, event Event) {
	for {
		select {
		case sub.ch <- event:
			b.delivered.Add(1)
			return
		default:
		}
		select {
		case <-sub.ch:
			b.dropped.Add(1)
		default:
		}
	}
}

// Stats returns the delivery counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	subscribers := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: subscribers,
	}
}

// Close detaches every subscriber and closes their channels. Further
// publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[string]*Subscription)
	b.logger.Info("event bus closed",
		zap.Int64("published", b.published.Load()),
		zap.Int64("dropped", b.dropped.Load()))
}
