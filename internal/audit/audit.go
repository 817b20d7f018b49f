// Package audit implements the alignment loop's intake: deciding which
// outcomes deserve a differential audit, queueing them without ever
// blocking the runtime loop, and draining the queue through a worker pool
// that runs diagnosis, classification and the patch write.
package audit

import (
	"context"
	"hash/fnv"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/loopworks/mendloop/internal/correction"
	"github.com/loopworks/mendloop/internal/queue/streams"
	"github.com/loopworks/mendloop/internal/telemetry"
)

// Sample reasons reported on every decision.
const (
	ReasonNotEligible  = "not_eligible"
	ReasonSampled      = "sampled"
	ReasonNotSampled   = "not_sampled"
	ReasonBackpressure = "backpressure"
)

// backpressureThreshold is how many consecutive queue drops force the
// sampler into skip mode until the queue drains.
const backpressureThreshold = 32

// Sampler decides deterministically from the outcome id whether an
// eligible outcome gets an audit. The same id always gets the same
// verdict, so replays and retries agree.
type Sampler struct {
	divisor uint64
}

// NewSampler targets the given sample fraction. Targets at or below zero
// never sample; at or above one, always.
func NewSampler(target float64) Sampler {
	if target <= 0 {
		return Sampler{divisor: 0}
	}
	if target >= 1 {
		return Sampler{divisor: 1}
	}
	return Sampler{divisor: uint64(math.Round(1 / target))}
}

// Sample reports whether this outcome id falls into the audit fraction.
func (s Sampler) Sample(id string) bool {
	if s.divisor == 0 {
		return false
	}
	if s.divisor == 1 {
		return true
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()%s.divisor == 0
}

// Decide applies the audit intake rule: only give-ups are eligible, and
// a deterministic fraction of those is audited, keeping oracle spend a
// bounded share of total traffic.
func (s Sampler) Decide(o correction.Outcome) (bool, string) {
	if !o.GaveUp {
		return false, ReasonNotEligible
	}
	if s.Sample(o.ID) {
		return true, ReasonSampled
	}
	return false, ReasonNotSampled
}

// Diagnoser produces a root-cause diagnosis for a failed outcome, or nil
// when none can be established.
type Diagnoser interface {
	Diagnose(ctx context.Context, o correction.Outcome) (*correction.Diagnosis, error)
}

// PatchBuilder converts an accepted diagnosis into a classified patch.
type PatchBuilder interface {
	Build(d correction.Diagnosis) (correction.Patch, error)
}

// PatchWriter admits a patch into the tiered store.
type PatchWriter interface {
	Write(ctx context.Context, p correction.Patch) (correction.Patch, error)
}

// DropRecorder persists queue-overflow drops for later inspection.
type DropRecorder interface {
	RecordAuditDrop(ctx context.Context, outcomeID, reason string) error
}

// Stats is a point-in-time view of the audit intake.
type Stats struct {
	QueueLength    int   `json:"queue_length"`
	QueueCapacity  int   `json:"queue_capacity"`
	Dropped        int64 `json:"dropped"`
	Audited        int64 `json:"audited"`
	PatchesWritten int64 `json:"patches_written"`
}

// Auditor owns the bounded queue between the runtime loop and the
// alignment workers. Submission never blocks: a full queue drops its
// oldest entry, and sustained overflow downgrades sampling to skip until
// pressure clears.
type Auditor struct {
	logger     *log.Logger
	sampler    Sampler
	queue      chan correction.Outcome
	workers    int
	diagnoser  Diagnoser
	builder    PatchBuilder
	patches    PatchWriter
	drops      DropRecorder
	emitter    *telemetry.Emitter

	dropped    atomic.Int64
	dropStreak atomic.Int64
	audited    atomic.Int64
	written    atomic.Int64

	queueGauge otelmetric.Int64UpDownCounter
	dropMeter  otelmetric.Int64Counter
}

// New builds an auditor. drops may be nil when no durable drop log is
// wanted.
func New(logger *log.Logger, sampler Sampler, queueDepth, workers int, diagnoser Diagnoser, builder PatchBuilder, patches PatchWriter, drops DropRecorder, emitter *telemetry.Emitter) *Auditor {
	if logger == nil {
		logger = log.New(log.Writer(), "[AUDIT] ", log.LstdFlags)
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}
	if workers <= 0 {
		workers = 2
	}
	a := &Auditor{
		logger:    logger,
		sampler:   sampler,
		queue:     make(chan correction.Outcome, queueDepth),
		workers:   workers,
		diagnoser: diagnoser,
		builder:   builder,
		patches:   patches,
		drops:     drops,
		emitter:   emitter,
	}
	meter := otel.Meter("mendloop/audit")
	var err error
	if a.queueGauge, err = meter.Int64UpDownCounter("audit_queue_depth"); err != nil {
		logger.Printf("warn: create queue gauge failed: %v", err)
	}
	if a.dropMeter, err = meter.Int64Counter("audit_queue_drops"); err != nil {
		logger.Printf("warn: create drop counter failed: %v", err)
	}
	return a
}

// Submit runs the intake decision for one outcome and, when audited
// asynchronously, enqueues it. Exactly one event is emitted per call.
func (a *Auditor) Submit(ctx context.Context, o correction.Outcome) {
	if a.dropStreak.Load() >= backpressureThreshold && len(a.queue) == cap(a.queue) {
		a.emit(ctx, streams.EventAuditSkipped, map[string]interface{}{
			"outcome_id": o.ID, "reason": ReasonBackpressure,
		})
		return
	}

	audit, reason := a.sampler.Decide(o)
	if !audit {
		a.emit(ctx, streams.EventAuditSkipped, map[string]interface{}{
			"outcome_id": o.ID, "reason": reason,
		})
		return
	}
	a.emit(ctx, streams.EventAuditSampled, map[string]interface{}{
		"outcome_id": o.ID, "reason": reason,
	})
	a.enqueue(ctx, o)
}

// enqueue adds the outcome, displacing the oldest queued entry when full.
func (a *Auditor) enqueue(ctx context.Context, o correction.Outcome) {
	droppedAny := false
	for {
		select {
		case a.queue <- o:
			if a.queueGauge != nil {
				a.queueGauge.Add(ctx, 1)
			}
			if !droppedAny {
				a.dropStreak.Store(0)
			}
			return
		default:
		}
		select {
		case dropped := <-a.queue:
			droppedAny = true
			a.dropped.Add(1)
			a.dropStreak.Add(1)
			if a.dropMeter != nil {
				a.dropMeter.Add(ctx, 1)
			}
			a.emit(ctx, streams.EventAuditDropped, map[string]interface{}{
				"outcome_id": dropped.ID, "queue_depth": cap(a.queue),
			})
			if a.drops != nil {
				if err := a.drops.RecordAuditDrop(ctx, dropped.ID, "queue_overflow"); err != nil {
					a.logger.Printf("warn: record audit drop for %s: %v", dropped.ID, err)
				}
			}
		default:
			// Raced with a worker; queue has room again.
		}
	}
}

// Start runs the worker pool until the context is cancelled.
func (a *Auditor) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < a.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case o := <-a.queue:
					if a.queueGauge != nil {
						a.queueGauge.Add(ctx, -1)
					}
					a.Audit(ctx, o)
				}
			}
		}(i)
	}
	wg.Wait()
}

// Audit runs the full alignment pipeline for one outcome: diagnose,
// classify, write. Used directly for synchronous audits and by the worker
// pool for queued ones. Every exit path emits exactly one terminal event.
func (a *Auditor) Audit(ctx context.Context, o correction.Outcome) *correction.Patch {
	a.audited.Add(1)

	d, err := a.diagnoser.Diagnose(ctx, o)
	if err != nil {
		a.logger.Printf("audit of %s degraded: %v", o.ID, err)
		a.emit(ctx, streams.EventDiagnosisDegraded, map[string]interface{}{
			"outcome_id": o.ID, "error": err.Error(),
		})
		return nil
	}
	if d == nil {
		a.emit(ctx, streams.EventDiagnosisNone, map[string]interface{}{
			"outcome_id": o.ID, "reason": "no confident divergence",
		})
		return nil
	}
	a.emit(ctx, streams.EventDiagnosisCreated, map[string]interface{}{
		"outcome_id": o.ID, "root_cause": string(d.RootCause),
		"confidence": d.Confidence, "tag": d.Tag,
	})

	p, err := a.builder.Build(*d)
	if err != nil {
		a.logger.Printf("patch build for %s rejected: %v", o.ID, err)
		a.emit(ctx, streams.EventPatchRejected, map[string]interface{}{
			"outcome_id": o.ID, "error": err.Error(),
		})
		return nil
	}
	written, err := a.patches.Write(ctx, p)
	if err != nil {
		a.logger.Printf("patch write for %s rejected: %v", o.ID, err)
		a.emit(ctx, streams.EventPatchRejected, map[string]interface{}{
			"outcome_id": o.ID, "error": err.Error(),
		})
		return nil
	}
	a.written.Add(1)
	a.emit(ctx, streams.EventPatchWritten, map[string]interface{}{
		"patch_id": written.ID, "outcome_id": o.ID,
		"decay": string(written.Decay), "tier": string(written.Tier), "tag": written.Tag,
	})
	return &written
}

// Stats reports queue and throughput counters.
func (a *Auditor) Stats() Stats {
	return Stats{
		QueueLength:    len(a.queue),
		QueueCapacity:  cap(a.queue),
		Dropped:        a.dropped.Load(),
		Audited:        a.audited.Load(),
		PatchesWritten: a.written.Load(),
	}
}

func (a *Auditor) emit(ctx context.Context, eventType string, payload interface{}) {
	if a.emitter != nil {
		a.emitter.Emit(ctx, eventType, payload)
		return
	}
	a.logger.Printf("event %s: %+v", eventType, payload)
}

// Drain processes everything currently queued, for tests and shutdown.
func (a *Auditor) Drain(ctx context.Context, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		select {
		case o := <-a.queue:
			a.Audit(ctx, o)
		default:
			return
		}
	}
}
