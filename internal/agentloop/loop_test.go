package agentloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/loopworks/mendloop/config"
	"github.com/loopworks/mendloop/internal/correction"
	"github.com/loopworks/mendloop/internal/patchstore"
	"github.com/loopworks/mendloop/internal/triage"
	"github.com/loopworks/mendloop/provider"
)

type scriptedLLM struct {
	script []provider.GenerateResult
	step   int
	seen   []provider.GenerateRequest
}

func (s *scriptedLLM) Generate(_ context.Context, req provider.GenerateRequest) (provider.GenerateResult, error) {
	s.seen = append(s.seen, req)
	if s.step >= len(s.script) {
		return provider.GenerateResult{}, errors.New("script exhausted")
	}
	res := s.script[s.step]
	s.step++
	return res, nil
}

type stubTools struct {
	results map[string]string
	errs    map[string]error
	calls   []string
}

func (s *stubTools) Specs() []provider.ToolSpec {
	return []provider.ToolSpec{
		{Name: "crm_search", Description: "search the CRM", Parameters: []byte(`{"type":"object"}`)},
		{Name: "order_lookup", Description: "look up an order", Parameters: []byte(`{"type":"object"}`)},
	}
}

func (s *stubTools) Execute(_ context.Context, name string, _ map[string]interface{}) (string, error) {
	s.calls = append(s.calls, name)
	if err := s.errs[name]; err != nil {
		return "", err
	}
	return s.results[name], nil
}

type stubReader struct{ a patchstore.Assembly }

func (s stubReader) Read(_ context.Context, _ patchstore.Query) (patchstore.Assembly, error) {
	return s.a, nil
}

type recordingAuditor struct {
	submitted []correction.Outcome
	audited   []correction.Outcome
	patch     *correction.Patch
}

func (r *recordingAuditor) Submit(_ context.Context, o correction.Outcome) {
	r.submitted = append(r.submitted, o)
}

func (r *recordingAuditor) Audit(_ context.Context, o correction.Outcome) *correction.Patch {
	r.audited = append(r.audited, o)
	return r.patch
}

func newLoop(llm provider.Provider, reader PatchReader, aud Auditor, tools ToolExecutor) *Loop {
	sched := triage.New(config.TriageConfig{})
	return New(log.New(io.Discard, "", 0), llm, "gpt-4o", reader, sched, aud, nil, tools)
}

func TestTurnExecutesToolsAndSubmitsAsync(t *testing.T) {
	llm := &scriptedLLM{script: []provider.GenerateResult{
		{ToolCalls: []provider.ToolInvocation{{ID: "t1", Name: "crm_search", Arguments: map[string]interface{}{"q": "alpha"}}}},
		{Content: "Found the account under Project Beta."},
	}}
	tools := &stubTools{results: map[string]string{"crm_search": "1 row"}}
	aud := &recordingAuditor{}
	loop := newLoop(llm, stubReader{}, aud, tools)

	res, err := loop.Turn(context.Background(), correction.TurnRequest{
		Request: "Find the Project Alpha account",
		Action:  "search_accounts",
	})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if res.Mode != triage.Async || res.Reason != triage.ReasonReadAction {
		t.Fatalf("mode=%s reason=%s, want async read_action", res.Mode, res.Reason)
	}
	if len(res.Outcome.ToolCalls) != 1 || res.Outcome.ToolCalls[0].Name != "crm_search" {
		t.Fatalf("outcome tool calls: %+v", res.Outcome.ToolCalls)
	}
	if res.Outcome.GaveUp {
		t.Fatal("successful turn marked as give-up")
	}
	if len(aud.submitted) != 1 || len(aud.audited) != 0 {
		t.Fatalf("async turn must go through Submit: %d/%d", len(aud.submitted), len(aud.audited))
	}
	if len(tools.calls) != 1 {
		t.Fatalf("executor calls: %v", tools.calls)
	}
}

func TestTurnWriteActionAuditsSynchronously(t *testing.T) {
	llm := &scriptedLLM{script: []provider.GenerateResult{{Content: "Done."}}}
	patch := &correction.Patch{ID: "p-1"}
	aud := &recordingAuditor{patch: patch}
	loop := newLoop(llm, stubReader{}, aud, &stubTools{})

	res, err := loop.Turn(context.Background(), correction.TurnRequest{
		Request: "Update the billing address",
		Action:  "update_billing",
	})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if res.Mode != triage.Sync {
		t.Fatalf("write action mode = %s, want sync", res.Mode)
	}
	if len(aud.audited) != 1 || len(aud.submitted) != 0 {
		t.Fatal("write action must audit synchronously")
	}
	if res.Patch == nil || res.Patch.ID != "p-1" {
		t.Fatalf("sync audit patch not propagated: %+v", res.Patch)
	}
}

func TestTurnFailedToolMarksGiveUp(t *testing.T) {
	llm := &scriptedLLM{script: []provider.GenerateResult{
		{ToolCalls: []provider.ToolInvocation{{ID: "t1", Name: "crm_search", Arguments: map[string]interface{}{"q": "ghost"}}}},
		{Content: "I couldn't find any account by that name."},
	}}
	tools := &stubTools{errs: map[string]error{"crm_search": errors.New("timeout")}}
	loop := newLoop(llm, stubReader{}, &recordingAuditor{}, tools)

	res, err := loop.Turn(context.Background(), correction.TurnRequest{Request: "Find the ghost account"})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if !res.Outcome.GaveUp {
		t.Fatal("failed lookup plus give-up phrasing must mark the outcome")
	}
	if res.Outcome.ToolCalls[0].Success {
		t.Fatal("failed tool call recorded as success")
	}
}

func TestTurnInjectsPatchesIntoSystemPrompt(t *testing.T) {
	llm := &scriptedLLM{script: []provider.GenerateResult{{Content: "ok"}}}
	reader := stubReader{a: patchstore.Assembly{
		Kernel:  []correction.Patch{{ID: "k", Body: "Never fabricate order numbers."}},
		Cache:   []correction.Patch{{ID: "c", Body: "Quote exact names when searching the CRM."}},
		Archive: []correction.Patch{{ID: "a", Body: "Project Alpha was renamed to Project Beta."}},
	}}
	loop := newLoop(llm, reader, &recordingAuditor{}, &stubTools{})

	res, err := loop.Turn(context.Background(), correction.TurnRequest{Request: "anything"})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if res.PatchesApplied != 3 {
		t.Fatalf("patches applied = %d, want 3", res.PatchesApplied)
	}
	sys := llm.seen[0].System
	for _, want := range []string{
		"Standing rules", "Never fabricate order numbers.",
		"Corrections from recent failures", "Quote exact names",
		"Background notes", "Project Alpha",
	} {
		if !strings.Contains(sys, want) {
			t.Fatalf("system prompt missing %q:\n%s", want, sys)
		}
	}
	if ki := strings.Index(sys, "Never fabricate"); ki > strings.Index(sys, "Quote exact") {
		t.Fatal("kernel section must precede cache section")
	}
}

func TestTurnRejectsEmptyRequest(t *testing.T) {
	loop := newLoop(&scriptedLLM{}, stubReader{}, &recordingAuditor{}, &stubTools{})
	if _, err := loop.Turn(context.Background(), correction.TurnRequest{Request: "  "}); err == nil {
		t.Fatal("expected error for empty request")
	}
}

func TestTurnGenerateFailureStillProducesOutcome(t *testing.T) {
	llm := &scriptedLLM{} // empty script: Generate always errors
	aud := &recordingAuditor{}
	loop := newLoop(llm, stubReader{}, aud, &stubTools{})

	res, err := loop.Turn(context.Background(), correction.TurnRequest{
		Request: "Find the Project Alpha account",
		Action:  "search_accounts",
	})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if res.Outcome.ID == "" {
		t.Fatal("failed generation must still build an outcome")
	}
	if res.Outcome.GaveUp {
		t.Fatal("a generation failure is not a give-up")
	}
	if len(aud.submitted) != 1 {
		t.Fatalf("auditor saw %d outcomes, want 1", len(aud.submitted))
	}
}

func TestRunConversationNilToolsFailsInvocation(t *testing.T) {
	llm := &scriptedLLM{script: []provider.GenerateResult{
		{ToolCalls: []provider.ToolInvocation{{ID: "t1", Name: "crm_search", Arguments: map[string]interface{}{}}}},
		{Content: "Could not run the search."},
	}}

	resp, calls, err := runConversation(context.Background(), llm, "gpt-4o", "sys", "req", nil, 4)
	if err != nil {
		t.Fatalf("runConversation: %v", err)
	}
	if resp != "Could not run the search." {
		t.Fatalf("response = %q", resp)
	}
	if len(calls) != 1 || calls[0].Success {
		t.Fatalf("calls = %+v, want one failed invocation", calls)
	}
}

func TestRunConversationStopsAtStepBudget(t *testing.T) {
	script := make([]provider.GenerateResult, 4)
	for i := range script {
		script[i] = provider.GenerateResult{ToolCalls: []provider.ToolInvocation{
			{ID: fmt.Sprintf("t%d", i), Name: "crm_search", Arguments: map[string]interface{}{}},
		}}
	}
	llm := &scriptedLLM{script: script}
	tools := &stubTools{results: map[string]string{"crm_search": ""}}

	_, calls, err := runConversation(context.Background(), llm, "gpt-4o", "sys", "req", tools, 4)
	if err != nil {
		t.Fatalf("runConversation: %v", err)
	}
	if len(calls) != 4 {
		t.Fatalf("calls = %d, want 4 (one per step)", len(calls))
	}
	if llm.step != 4 {
		t.Fatalf("llm consulted %d times, want 4", llm.step)
	}
}

func TestOracleReplayerCollectsCounterfactual(t *testing.T) {
	llm := &scriptedLLM{script: []provider.GenerateResult{
		{ToolCalls: []provider.ToolInvocation{{ID: "t1", Name: "crm_search", Arguments: map[string]interface{}{"q": "\"Project Beta\""}}}},
		{Content: "Found it under its new name."},
	}}
	tools := &stubTools{results: map[string]string{"crm_search": "1 row"}}
	o := NewOracleReplayer(llm, "gpt-5", tools)

	cf, err := o.Counterfactual(context.Background(), correction.Outcome{ID: "o-1", Request: "Find Project Alpha"})
	if err != nil {
		t.Fatalf("Counterfactual: %v", err)
	}
	if cf.Response != "Found it under its new name." || len(cf.ToolCalls) != 1 {
		t.Fatalf("counterfactual: %+v", cf)
	}
	if llm.seen[0].Model != "gpt-5" {
		t.Fatalf("oracle must use its own model, got %s", llm.seen[0].Model)
	}
}
