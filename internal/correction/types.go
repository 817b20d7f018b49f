package correction

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tier names a partition of the patch store with its own capacity policy.
type Tier string

const (
	// TierKernel holds always-injected patches. Small, unbounded.
	TierKernel Tier = "kernel"
	// TierCache holds conditionally-injected patches matched by tag. Bounded.
	TierCache Tier = "cache"
	// TierArchive holds cold patches retrievable only by similarity search.
	TierArchive Tier = "archive"
)

// Valid reports whether the tier is one of the known partitions.
func (t Tier) Valid() bool {
	switch t {
	case TierKernel, TierCache, TierArchive:
		return true
	}
	return false
}

// DecayClass states whether a patch's validity tracks model capability or
// external business facts. Immutable once assigned.
type DecayClass string

const (
	// DecayHigh marks patches that compensate for a model-capability gap.
	// Removed wholesale by a semantic purge on model-version change.
	DecayHigh DecayClass = "high_decay"
	// DecayZero marks patches encoding business facts or domain policy.
	// Survive purges; removable only by explicit operator deletion.
	DecayZero DecayClass = "zero_decay"
)

// Valid reports whether the decay class is known.
func (d DecayClass) Valid() bool {
	return d == DecayHigh || d == DecayZero
}

// RootCause is the closed set of failure categories a diagnosis can assign.
type RootCause string

const (
	CauseLaziness        RootCause = "LAZINESS"
	CauseToolMisuse      RootCause = "TOOL_MISUSE"
	CausePolicyViolation RootCause = "POLICY_VIOLATION"
	CauseHallucination   RootCause = "HALLUCINATION"
	CauseOther           RootCause = "OTHER"
)

// ToolCall records one tool invocation made during an agent turn.
type ToolCall struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Result    string                 `json:"result"`
	Success   bool                   `json:"success"`
}

// Empty reports whether the call produced no usable data.
func (tc ToolCall) Empty() bool {
	return !tc.Success || strings.TrimSpace(tc.Result) == ""
}

// Outcome captures one completed agent turn. Immutable after creation;
// consumed by the auditor and then discarded unless it becomes part of
// a diagnosis.
type Outcome struct {
	ID        string        `json:"id"`
	Request   string        `json:"request"`
	Response  string        `json:"response"`
	ToolCalls []ToolCall    `json:"tool_calls,omitempty"`
	Duration  time.Duration `json:"duration"`
	GaveUp    bool          `json:"gave_up"`
	CreatedAt time.Time     `json:"created_at"`
}

// NewOutcome builds an outcome for a finished turn, deriving the give-up
// flag from the response text and tool results.
func NewOutcome(request, response string, calls []ToolCall, duration time.Duration) Outcome {
	return Outcome{
		ID:        uuid.NewString(),
		Request:   request,
		Response:  response,
		ToolCalls: calls,
		Duration:  duration,
		GaveUp:    DetectGiveUp(response, calls),
		CreatedAt: time.Now().UTC(),
	}
}

// Diagnosis is the comparator's verdict for one audited outcome.
// Never mutated after creation; discarded once a patch is derived.
type Diagnosis struct {
	OutcomeID      string    `json:"outcome_id"`
	RootCause      RootCause `json:"root_cause"`
	Confidence     float64   `json:"confidence"`
	Counterfactual string    `json:"counterfactual"`
	ProposedPatch  string    `json:"proposed_patch"`
	Tag            string    `json:"tag,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Validate checks the diagnosis invariants before classification.
func (d Diagnosis) Validate() error {
	if strings.TrimSpace(d.OutcomeID) == "" {
		return fmt.Errorf("outcome_id required")
	}
	switch d.RootCause {
	case CauseLaziness, CauseToolMisuse, CausePolicyViolation, CauseHallucination, CauseOther:
	default:
		return fmt.Errorf("unknown root cause: %s", d.RootCause)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence %f out of [0,1]", d.Confidence)
	}
	if strings.TrimSpace(d.ProposedPatch) == "" {
		return fmt.Errorf("proposed patch body required")
	}
	return nil
}

// Patch is the durable unit of correction injected into assembled prompts.
//
// The decay class is immutable once set; the tier, hit counter and
// last-access fields are mutated only by the patch store's own
// promotion/demotion sweep and purge routines.
type Patch struct {
	ID           string     `json:"id"`
	Body         string     `json:"body"`
	Decay        DecayClass `json:"decay"`
	Tier         Tier       `json:"tier"`
	Tag          string     `json:"tag,omitempty"`
	ModelVersion string     `json:"model_version"`
	CreatedAt    time.Time  `json:"created_at"`
	LastAccess   time.Time  `json:"last_access"`
	HitCount     int64      `json:"hit_count"`
}

// Validate checks required patch fields.
func (p Patch) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("patch id required")
	}
	if strings.TrimSpace(p.Body) == "" {
		return fmt.Errorf("patch body required")
	}
	if !p.Decay.Valid() {
		return fmt.Errorf("invalid decay class: %s", p.Decay)
	}
	if !p.Tier.Valid() {
		return fmt.Errorf("invalid tier: %s", p.Tier)
	}
	return nil
}

// ActionClass buckets a declared action for triage purposes.
type ActionClass string

const (
	// ActionWrite covers mutate/delete/payment-class operations.
	ActionWrite ActionClass = "write"
	// ActionRead covers pure read operations.
	ActionRead ActionClass = "read"
	// ActionUnknown is anything the classifier cannot place.
	ActionUnknown ActionClass = "unknown"
)

// TurnRequest is the runtime loop's view of one incoming request.
type TurnRequest struct {
	Request      string `json:"request"`
	Action       string `json:"action,omitempty"`
	HighPriority bool   `json:"high_priority,omitempty"`
	MonetaryRisk bool   `json:"monetary_risk,omitempty"`
}
