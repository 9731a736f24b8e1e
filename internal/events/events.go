// Package events fans run events out to best-effort sinks. The store row is
// written synchronously by the engine; everything here runs behind a buffered
// channel and can never affect a run's outcome.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ronappleton/arazzo-runner/internal/store"
)

// Event is the fan-out payload handed to sinks.
type Event struct {
	RunID     string          `json:"run_id"`
	RunStepID string          `json:"run_step_id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TS        time.Time       `json:"ts"`
}

// Sink delivers one event. Errors are logged and dropped.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Bus buffers events and delivers them to its sinks on a single goroutine.
// Publish never blocks; when the buffer is full the event is dropped and
// counted.
type Bus struct {
	sinks  []Sink
	ch     chan Event
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	dropped int64

	done chan struct{}
	once sync.Once
}

const defaultBuffer = 256

func NewBus(logger *zap.Logger, sinks ...Sink) *Bus {
	b := &Bus{
		sinks:  sinks,
		ch:     make(chan Event, defaultBuffer),
		logger: logger,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	go b.loop()
	return b
}

// Publish enqueues an event for delivery. Safe for concurrent use.
func (b *Bus) Publish(ev store.NewEvent) {
	e := Event{
		RunID:     ev.RunID,
		RunStepID: ev.RunStepID,
		Type:      ev.Type,
		Payload:   ev.Payload,
		TS:        b.now().UTC(),
	}
	select {
	case b.ch <- e:
	default:
		b.mu.Lock()
		b.dropped++
		n := b.dropped
		b.mu.Unlock()
		b.logger.Warn("event buffer full, dropping", zap.String("type", ev.Type), zap.Int64("dropped_total", n))
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close drains the buffer and stops the delivery goroutine.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.ch) })
	<-b.done
}

func (b *Bus) loop() {
	defer close(b.done)
	for ev := range b.ch {
		for _, s := range b.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := s.Deliver(ctx, ev); err != nil {
				b.logger.Warn("event delivery failed",
					zap.String("sink", s.Name()), zap.String("type", ev.Type),
					zap.String("run_id", ev.RunID), zap.Error(err))
			}
			cancel()
		}
	}
}
