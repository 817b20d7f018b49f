package telemetry

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/loopworks/mendloop/internal/queue/streams"
)

// Emitter is the single funnel for alignment events: one log line, one
// counter increment and one stream entry per event. Emission never fails
// the caller; a broken stream degrades to logs and metrics.
type Emitter struct {
	logger    *log.Logger
	publisher *streams.Publisher
	stream    string
	maxLen    int64
	source    string
	counter   otelmetric.Int64Counter
}

// NewEmitter builds an emitter. publisher may be nil (tests, degraded
// mode); events then go to the log and counter only.
func NewEmitter(logger *log.Logger, publisher *streams.Publisher, stream string, maxLen int64, source string) *Emitter {
	if logger == nil {
		logger = log.New(log.Writer(), "[EVENTS] ", log.LstdFlags)
	}
	e := &Emitter{
		logger:    logger,
		publisher: publisher,
		stream:    stream,
		maxLen:    maxLen,
		source:    source,
	}
	meter := otel.Meter("mendloop/telemetry")
	var err error
	if e.counter, err = meter.Int64Counter("alignment_events_emitted"); err != nil {
		logger.Printf("warn: create event counter failed: %v", err)
	}
	return e
}

// Emit publishes one event. Payloads must satisfy the schema registered
// for the event type or the stream write is refused and logged.
func (e *Emitter) Emit(ctx context.Context, eventType string, payload interface{}) {
	e.logger.Printf("event %s: %+v", eventType, payload)
	if e.counter != nil {
		e.counter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("event_type", eventType)))
	}
	if e.publisher == nil || e.stream == "" {
		return
	}
	if _, err := e.publisher.PublishEvent(ctx, e.stream, eventType, "v1", e.source, payload,
		streams.WithMaxLenApprox(e.maxLen)); err != nil {
		e.logger.Printf("warn: publish %s event failed: %v", eventType, err)
	}
}
