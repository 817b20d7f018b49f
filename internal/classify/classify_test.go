package classify

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/loopworks/mendloop/internal/correction"
)

func newClassifier() *Classifier {
	return New(log.New(io.Discard, "", 0))
}

func TestClassifyFormattingFixIsHighDecay(t *testing.T) {
	c := newClassifier()
	cases := []string{
		"Emit the report as JSON, not markdown.",
		"Pass the account id argument with quoting intact.",
		"Keep responses under the character limit and avoid truncating mid-sentence.",
		"Use two decimal places and a comma delimiter in exports.",
	}
	for _, body := range cases {
		if got := c.Classify(body); got != correction.DecayHigh {
			t.Fatalf("Classify(%q) = %s, want high_decay", body, got)
		}
	}
}

func TestClassifyEnvironmentFactIsZeroDecay(t *testing.T) {
	c := newClassifier()
	cases := []string{
		"Project Alpha was renamed to Project Beta in Q3.",
		"Refund requests above 500 EUR require approval from the finance team.",
		"The legacy billing system was deprecated after the 2025 migration.",
		"Expense policy: alcohol is never allowed on receipts.",
	}
	for _, body := range cases {
		if got := c.Classify(body); got != correction.DecayZero {
			t.Fatalf("Classify(%q) = %s, want zero_decay", body, got)
		}
	}
}

func TestClassifyMixedSignalsFavorZeroDecay(t *testing.T) {
	c := newClassifier()
	body := "Format invoices for Acme Corp as CSV since their import policy rejects JSON."
	if got := c.Classify(body); got != correction.DecayZero {
		t.Fatalf("mixed-signal patch classified %s, want zero_decay", got)
	}
}

func TestClassifyAmbiguousDefaultsToZeroDecay(t *testing.T) {
	c := newClassifier()
	if got := c.Classify("Double-check the result before answering."); got != correction.DecayZero {
		t.Fatalf("ambiguous patch classified %s, want zero_decay", got)
	}
}

func TestBuildForcesCacheTier(t *testing.T) {
	c := newClassifier()
	d := correction.Diagnosis{
		OutcomeID:     "out-1",
		RootCause:     correction.CauseLaziness,
		Confidence:    0.8,
		ProposedPatch: "Retry the CRM search once with the quoted exact name before reporting no results.",
		Tag:           "crm_search",
		CreatedAt:     time.Now().UTC(),
	}
	p, err := c.Build(d)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if p.Tier != correction.TierCache {
		t.Fatalf("new patch tier = %s, want cache", p.Tier)
	}
	if p.Tag != "crm_search" {
		t.Fatalf("tag = %q", p.Tag)
	}
	if p.Decay != correction.DecayZero && p.Decay != correction.DecayHigh {
		t.Fatalf("decay unset: %q", p.Decay)
	}
}

func TestBuildRejectsInvalidDiagnosis(t *testing.T) {
	c := newClassifier()
	if _, err := c.Build(correction.Diagnosis{OutcomeID: "out-1"}); err == nil {
		t.Fatal("expected error for diagnosis without a proposed patch")
	}
}
