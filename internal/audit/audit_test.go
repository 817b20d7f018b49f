package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loopworks/mendloop/internal/correction"
)

type stubDiagnoser struct {
	d   *correction.Diagnosis
	err error
}

func (s stubDiagnoser) Diagnose(_ context.Context, _ correction.Outcome) (*correction.Diagnosis, error) {
	return s.d, s.err
}

type stubBuilder struct{ err error }

func (s stubBuilder) Build(d correction.Diagnosis) (correction.Patch, error) {
	if s.err != nil {
		return correction.Patch{}, s.err
	}
	return correction.Patch{
		ID: "p-" + d.OutcomeID, Body: d.ProposedPatch, Tag: d.Tag,
		Decay: correction.DecayHigh, Tier: correction.TierCache,
	}, nil
}

type stubWriter struct {
	mu      sync.Mutex
	written []correction.Patch
	err     error
}

func (s *stubWriter) Write(_ context.Context, p correction.Patch) (correction.Patch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return correction.Patch{}, s.err
	}
	s.written = append(s.written, p)
	return p, nil
}

type stubDrops struct {
	mu  sync.Mutex
	ids []string
}

func (s *stubDrops) RecordAuditDrop(_ context.Context, outcomeID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, outcomeID)
	return nil
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestSamplerIsDeterministic(t *testing.T) {
	s := NewSampler(0.07)
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("outcome-%d", i)
		first := s.Sample(id)
		for j := 0; j < 5; j++ {
			if s.Sample(id) != first {
				t.Fatalf("sample verdict for %s changed between calls", id)
			}
		}
	}
}

func TestSamplerHitsTargetFraction(t *testing.T) {
	s := NewSampler(0.07)
	n, hits := 20000, 0
	for i := 0; i < n; i++ {
		if s.Sample(fmt.Sprintf("outcome-%d", i)) {
			hits++
		}
	}
	frac := float64(hits) / float64(n)
	if frac < 0.04 || frac > 0.11 {
		t.Fatalf("sample fraction %.3f too far from target 0.07", frac)
	}
}

func TestSamplerEdges(t *testing.T) {
	if NewSampler(0).Sample("x") {
		t.Fatal("zero target must never sample")
	}
	if !NewSampler(1).Sample("x") {
		t.Fatal("full target must always sample")
	}
}

func TestDecideGatesOnGiveUp(t *testing.T) {
	s := NewSampler(1) // sampling wide open
	for i := 0; i < 50; i++ {
		audit, reason := s.Decide(correction.Outcome{ID: fmt.Sprintf("o-%d", i)})
		if audit || reason != ReasonNotEligible {
			t.Fatalf("non-give-up outcome audited: %v %s", audit, reason)
		}
	}
	audit, reason := s.Decide(correction.Outcome{ID: "o-fail", GaveUp: true})
	if !audit || reason != ReasonSampled {
		t.Fatalf("sampled give-up not audited: %v %s", audit, reason)
	}
	audit, reason = NewSampler(0).Decide(correction.Outcome{ID: "o-fail", GaveUp: true})
	if audit || reason != ReasonNotSampled {
		t.Fatalf("unsampled give-up audited: %v %s", audit, reason)
	}
}

func TestDecideBoundsAuditedShare(t *testing.T) {
	s := NewSampler(0.07)
	n, audited := 20000, 0
	for i := 0; i < n; i++ {
		o := correction.Outcome{ID: fmt.Sprintf("outcome-%d", i), GaveUp: i%10 < 3}
		ok, _ := s.Decide(o)
		if !ok {
			continue
		}
		if !o.GaveUp {
			t.Fatalf("non-give-up outcome %s routed to audit", o.ID)
		}
		audited++
	}
	frac := float64(audited) / float64(n)
	if frac == 0 || frac > 0.10 {
		t.Fatalf("audited share %.3f of all outcomes, want a bounded nonzero fraction", frac)
	}
}

func diag(outcomeID string) *correction.Diagnosis {
	return &correction.Diagnosis{
		OutcomeID:     outcomeID,
		RootCause:     correction.CauseLaziness,
		Confidence:    0.8,
		ProposedPatch: "Retry the lookup before concluding nothing exists.",
		Tag:           "crm_search",
	}
}

func TestAuditWritesPatch(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)
	writer := &stubWriter{}
	a := New(logger, NewSampler(0), 4, 1, stubDiagnoser{d: diag("o-1")}, stubBuilder{}, writer, nil, nil)

	p := a.Audit(context.Background(), correction.Outcome{ID: "o-1", GaveUp: true})
	if p == nil {
		t.Fatal("expected a written patch")
	}
	if len(writer.written) != 1 || writer.written[0].ID != "p-o-1" {
		t.Fatalf("writer saw %+v", writer.written)
	}
	out := buf.String()
	if !strings.Contains(out, "diagnosis.created") || !strings.Contains(out, "patch.written") {
		t.Fatalf("missing events in:\n%s", out)
	}
	if got := a.Stats(); got.Audited != 1 || got.PatchesWritten != 1 {
		t.Fatalf("stats = %+v", got)
	}
}

func TestAuditDegradesOnOracleFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)
	writer := &stubWriter{}
	a := New(logger, NewSampler(0), 4, 1, stubDiagnoser{err: errors.New("oracle timeout")}, stubBuilder{}, writer, nil, nil)

	if p := a.Audit(context.Background(), correction.Outcome{ID: "o-2"}); p != nil {
		t.Fatal("degraded audit must not produce a patch")
	}
	if len(writer.written) != 0 {
		t.Fatal("no patch may be written on degraded diagnosis")
	}
	if !strings.Contains(buf.String(), "diagnosis.degraded") {
		t.Fatalf("missing degraded event in:\n%s", buf.String())
	}
}

func TestAuditEmitsNoneWhenUndiagnosable(t *testing.T) {
	var buf bytes.Buffer
	a := New(log.New(&buf, "", 0), NewSampler(0), 4, 1, stubDiagnoser{}, stubBuilder{}, &stubWriter{}, nil, nil)
	if p := a.Audit(context.Background(), correction.Outcome{ID: "o-3"}); p != nil {
		t.Fatal("nil diagnosis must not produce a patch")
	}
	if !strings.Contains(buf.String(), "diagnosis.none") {
		t.Fatalf("missing diagnosis.none event in:\n%s", buf.String())
	}
}

func TestAuditRejectsFailedWrite(t *testing.T) {
	var buf bytes.Buffer
	writer := &stubWriter{err: errors.New("store unavailable")}
	a := New(log.New(&buf, "", 0), NewSampler(0), 4, 1, stubDiagnoser{d: diag("o-4")}, stubBuilder{}, writer, nil, nil)
	if p := a.Audit(context.Background(), correction.Outcome{ID: "o-4"}); p != nil {
		t.Fatal("failed write must not report a patch")
	}
	if !strings.Contains(buf.String(), "patch.rejected") {
		t.Fatalf("missing patch.rejected event in:\n%s", buf.String())
	}
}

func TestSubmitDropsOldestOnOverflow(t *testing.T) {
	drops := &stubDrops{}
	a := New(quietLogger(), NewSampler(1), 2, 1, stubDiagnoser{}, stubBuilder{}, &stubWriter{}, drops, nil)

	// No workers running: the queue fills and displaces from the front.
	for i := 0; i < 4; i++ {
		a.Submit(context.Background(), correction.Outcome{ID: fmt.Sprintf("o-%d", i), GaveUp: true})
	}
	stats := a.Stats()
	if stats.QueueLength != 2 {
		t.Fatalf("queue length = %d, want 2", stats.QueueLength)
	}
	if stats.Dropped != 2 {
		t.Fatalf("dropped = %d, want 2", stats.Dropped)
	}
	if len(drops.ids) != 2 || drops.ids[0] != "o-0" || drops.ids[1] != "o-1" {
		t.Fatalf("wrong drop order: %v", drops.ids)
	}
}

func TestDrainProcessesQueued(t *testing.T) {
	writer := &stubWriter{}
	a := New(quietLogger(), NewSampler(1), 8, 1, stubDiagnoser{d: diag("o-q")}, stubBuilder{}, writer, nil, nil)
	for i := 0; i < 3; i++ {
		a.Submit(context.Background(), correction.Outcome{ID: fmt.Sprintf("o-%d", i), GaveUp: true})
	}
	a.Drain(context.Background(), time.Second)
	if got := a.Stats().QueueLength; got != 0 {
		t.Fatalf("queue length = %d after drain, want 0", got)
	}
	if len(writer.written) != 3 {
		t.Fatalf("writer saw %d patches, want 3", len(writer.written))
	}
}
