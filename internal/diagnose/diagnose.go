// Package diagnose runs the differential comparison between a failed
// outcome and a counterfactual replay by a stronger oracle model. The
// divergence between the two tool-call sequences is what localizes the
// root cause: the oracle is consulted once per outcome and the verdict is
// derived mechanically from the traces, never from the oracle's opinion
// of itself.
package diagnose

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/loopworks/mendloop/internal/correction"
)

// ErrOracleUnavailable wraps oracle transport failures and timeouts. The
// alignment loop degrades to "no diagnosis" instead of blocking on it.
var ErrOracleUnavailable = errors.New("diagnosis oracle unavailable")

// Oracle replays a failed request on a stronger model and reports what it
// did differently.
type Oracle interface {
	Counterfactual(ctx context.Context, o correction.Outcome) (Counterfactual, error)
}

// Counterfactual is the oracle's replay of a failed turn.
type Counterfactual struct {
	Response  string
	ToolCalls []correction.ToolCall
}

// Comparator turns outcome/counterfactual pairs into diagnoses. Safe for
// concurrent use; diagnosis is idempotent per outcome id.
type Comparator struct {
	logger    *log.Logger
	oracle    Oracle
	timeout   time.Duration
	threshold float64

	mu   sync.Mutex
	seen map[string]*correction.Diagnosis
}

func New(logger *log.Logger, oracle Oracle, timeout time.Duration, confidenceThreshold float64) *Comparator {
	if logger == nil {
		logger = log.New(log.Writer(), "[DIAGNOSE] ", log.LstdFlags)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Comparator{
		logger:    logger,
		oracle:    oracle,
		timeout:   timeout,
		threshold: confidenceThreshold,
		seen:      map[string]*correction.Diagnosis{},
	}
}

// Diagnose replays the outcome through the oracle and classifies the
// divergence. Returns (nil, nil) when no confident diagnosis exists: the
// oracle failed the same way, or the traces differ in no classifiable
// manner. Re-diagnosing an outcome id returns the first verdict unchanged.
func (c *Comparator) Diagnose(ctx context.Context, o correction.Outcome) (*correction.Diagnosis, error) {
	c.mu.Lock()
	if d, ok := c.seen[o.ID]; ok {
		c.mu.Unlock()
		return d, nil
	}
	c.mu.Unlock()

	octx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cf, err := c.oracle.Counterfactual(octx, o)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}

	// An oracle that fails the same way localizes nothing.
	if correction.DetectGiveUp(cf.Response, cf.ToolCalls) {
		c.remember(o.ID, nil)
		return nil, nil
	}

	d := c.compare(o, cf)
	if d == nil || d.Confidence < c.threshold {
		c.remember(o.ID, nil)
		return nil, nil
	}
	d.OutcomeID = o.ID
	d.CreatedAt = time.Now().UTC()
	c.remember(o.ID, d)
	c.logger.Printf("outcome %s diagnosed %s (confidence %.2f, tag %s)", o.ID, d.RootCause, d.Confidence, d.Tag)
	return d, nil
}

func (c *Comparator) remember(id string, d *correction.Diagnosis) {
	c.mu.Lock()
	c.seen[id] = d
	c.mu.Unlock()
}

func (c *Comparator) compare(o correction.Outcome, cf Counterfactual) *correction.Diagnosis {
	oNames := callNames(o.ToolCalls)
	cNames := callNames(cf.ToolCalls)
	sim := sequenceSimilarity(oNames, cNames)

	// Answered with content but consulted nothing the oracle needed.
	if len(o.ToolCalls) == 0 && len(cf.ToolCalls) > 0 && !o.GaveUp {
		tag := cNames[0]
		return &correction.Diagnosis{
			RootCause:      correction.CauseHallucination,
			Confidence:     0.9,
			Counterfactual: cf.Response,
			Tag:            tag,
			ProposedPatch: fmt.Sprintf(
				"Ground this kind of answer in a %s lookup before responding; never answer it from memory.", tag),
		}
	}

	// Identical call sequence, different arguments somewhere.
	if len(oNames) > 0 && equalNames(oNames, cNames) {
		if tag, ok := firstArgDivergence(o.ToolCalls, cf.ToolCalls); ok {
			return &correction.Diagnosis{
				RootCause:      correction.CauseToolMisuse,
				Confidence:     0.8,
				Counterfactual: cf.Response,
				Tag:            tag,
				ProposedPatch: fmt.Sprintf(
					"Check the argument shape before calling %s; a malformed call here returns empty results instead of an error.", tag),
			}
		}
	}

	// Gave up where the oracle kept going: the original trace is a
	// prefix-like fragment of the corrected one.
	if o.GaveUp && len(cf.ToolCalls) > len(o.ToolCalls) && isSubsequence(oNames, cNames) {
		tag := firstExtra(oNames, cNames)
		return &correction.Diagnosis{
			RootCause:      correction.CauseLaziness,
			Confidence:     clamp(0.6+0.4*sim, 0, 1),
			Counterfactual: cf.Response,
			Tag:            tag,
			ProposedPatch: fmt.Sprintf(
				"Do not stop after an empty or failed %s call: retry with adjusted arguments and exhaust the follow-up lookups before concluding nothing exists.", tag),
		}
	}

	// The original reached for a tool the corrected run avoided.
	if tag, ok := firstAbsent(oNames, cNames); ok {
		// Wrong tool choice: the misused call came back empty while a
		// different tool got the oracle its data.
		if replacement, ok := successfulReplacement(cf.ToolCalls, oNames); ok && emptyCall(o.ToolCalls, tag) {
			return &correction.Diagnosis{
				RootCause:      correction.CauseToolMisuse,
				Confidence:     0.8,
				Counterfactual: cf.Response,
				Tag:            tag,
				ProposedPatch: fmt.Sprintf(
					"Use %s rather than %s for this kind of request; %s is where the data actually lives.", replacement, tag, replacement),
			}
		}
		return &correction.Diagnosis{
			RootCause:      correction.CausePolicyViolation,
			Confidence:     0.7,
			Counterfactual: cf.Response,
			Tag:            tag,
			ProposedPatch: fmt.Sprintf(
				"Requests of this kind must not go through %s; resolve them the way the corrected trace does.", tag),
		}
	}

	return nil
}

// emptyCall reports whether the named call failed or returned nothing.
func emptyCall(calls []correction.ToolCall, name string) bool {
	for _, c := range calls {
		if c.Name == name {
			return !c.Success || strings.TrimSpace(c.Result) == ""
		}
	}
	return false
}

// successfulReplacement finds a tool the counterfactual run got data
// from that the original never called.
func successfulReplacement(cf []correction.ToolCall, oNames []string) (string, bool) {
	seen := map[string]bool{}
	for _, n := range oNames {
		seen[n] = true
	}
	for _, c := range cf {
		if !seen[c.Name] && c.Success && strings.TrimSpace(c.Result) != "" {
			return c.Name, true
		}
	}
	return "", false
}

func callNames(calls []correction.ToolCall) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Name)
	}
	return out
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// firstArgDivergence finds the first position where the same tool was
// called with different arguments.
func firstArgDivergence(a, b []correction.ToolCall) (string, bool) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i].Name == b[i].Name && !equalArgs(a[i].Arguments, b[i].Arguments) {
			return a[i].Name, true
		}
	}
	return "", false
}

func equalArgs(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || fmt.Sprintf("%v", av) != fmt.Sprintf("%v", bv) {
			return false
		}
	}
	return true
}

// isSubsequence reports whether a appears within b in order.
func isSubsequence(a, b []string) bool {
	i := 0
	for _, name := range b {
		if i < len(a) && a[i] == name {
			i++
		}
	}
	return i == len(a)
}

// firstExtra returns the first name in b not consumed by matching a as a
// subsequence.
func firstExtra(a, b []string) string {
	i := 0
	for _, name := range b {
		if i < len(a) && a[i] == name {
			i++
			continue
		}
		return name
	}
	if len(b) > 0 {
		return b[len(b)-1]
	}
	return ""
}

// firstAbsent returns the first name in a that never occurs in b.
func firstAbsent(a, b []string) (string, bool) {
	present := map[string]bool{}
	for _, name := range b {
		present[name] = true
	}
	for _, name := range a {
		if !present[name] {
			return name, true
		}
	}
	return "", false
}

// sequenceSimilarity is the longest-common-subsequence ratio of two name
// sequences, in [0,1].
func sequenceSimilarity(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	dp := make([][]int, len(a)+1)
	for i := range dp {
		dp[i] = make([]int, len(b)+1)
	}
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				dp[i][j] = dp[i-1][j-1] + 1
			} else if dp[i-1][j] >= dp[i][j-1] {
				dp[i][j] = dp[i-1][j]
			} else {
				dp[i][j] = dp[i][j-1]
			}
		}
	}
	max := len(a)
	if len(b) > max {
		max = len(b)
	}
	return float64(dp[len(a)][len(b)]) / float64(max)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
