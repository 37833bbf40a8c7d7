package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"sbtgate/core/events"
)

// EventCounter counts emitted lifecycle events by type. It implements
// events.Emitter so it can sit beside the stream broadcaster.
type EventCounter struct {
	emitted *prometheus.CounterVec
}

var (
	eventCounterOnce sync.Once
	eventCounter     *EventCounter
)

// Events returns the lazily-initialised event counter.
func Events() *EventCounter {
	eventCounterOnce.Do(func() {
		eventCounter = &EventCounter{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sbtgate",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Credential lifecycle events emitted, segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventCounter.emitted)
	})
	return eventCounter
}

// Emit implements events.Emitter.
func (c *EventCounter) Emit(evt events.Event) {
	if c == nil || evt == nil {
		return
	}
	c.emitted.WithLabelValues(evt.EventType()).Inc()
}

var _ events.Emitter = (*EventCounter)(nil)
