// Package agentloop runs the latency-sensitive runtime loop: assemble the
// patch context, generate, execute tool calls, record the outcome and
// hand it to triage. Nothing here ever waits on the alignment loop unless
// triage explicitly demands a synchronous audit.
package agentloop

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/loopworks/mendloop/internal/correction"
	"github.com/loopworks/mendloop/internal/patchstore"
	"github.com/loopworks/mendloop/internal/queue/streams"
	"github.com/loopworks/mendloop/internal/telemetry"
	"github.com/loopworks/mendloop/internal/triage"
	"github.com/loopworks/mendloop/provider"
)

// ToolExecutor is the tool surface a turn may touch. Execute returns the
// tool's textual result; a non-nil error marks the call failed but never
// aborts the turn.
type ToolExecutor interface {
	Specs() []provider.ToolSpec
	Execute(ctx context.Context, name string, args map[string]interface{}) (string, error)
}

// PatchReader is the in-process read path of the patch store.
type PatchReader interface {
	Read(ctx context.Context, q patchstore.Query) (patchstore.Assembly, error)
}

// Auditor receives completed outcomes, synchronously or queued.
type Auditor interface {
	Submit(ctx context.Context, o correction.Outcome)
	Audit(ctx context.Context, o correction.Outcome) *correction.Patch
}

// TurnResult is what a completed turn reports back to the caller.
type TurnResult struct {
	Outcome        correction.Outcome `json:"outcome"`
	Mode           triage.Decision    `json:"mode"`
	Reason         triage.Reason      `json:"reason"`
	PatchesApplied int                `json:"patches_applied"`
	Patch          *correction.Patch  `json:"patch,omitempty"`
}

// Loop drives turns end to end.
type Loop struct {
	logger       *log.Logger
	llm          provider.Provider
	primaryModel string
	patches      PatchReader
	scheduler    *triage.Scheduler
	auditor      Auditor
	emitter      *telemetry.Emitter
	tools        ToolExecutor
	maxSteps     int

	turnCounter otelmetric.Int64Counter
	turnLatency otelmetric.Float64Histogram
}

func New(logger *log.Logger, llm provider.Provider, primaryModel string, patches PatchReader, scheduler *triage.Scheduler, auditor Auditor, emitter *telemetry.Emitter, tools ToolExecutor) *Loop {
	if logger == nil {
		logger = log.New(log.Writer(), "[LOOP] ", log.LstdFlags)
	}
	l := &Loop{
		logger:       logger,
		llm:          llm,
		primaryModel: primaryModel,
		patches:      patches,
		scheduler:    scheduler,
		auditor:      auditor,
		emitter:      emitter,
		tools:        tools,
		maxSteps:     4,
	}
	meter := otel.Meter("mendloop/agentloop")
	var err error
	if l.turnCounter, err = meter.Int64Counter("turns_completed"); err != nil {
		logger.Printf("warn: create turn counter failed: %v", err)
	}
	if l.turnLatency, err = meter.Float64Histogram("turn_duration_seconds"); err != nil {
		logger.Printf("warn: create latency histogram failed: %v", err)
	}
	return l
}

// Turn executes one request. The patch read is in-process; the only
// network calls are generation and tool execution. Triage then decides
// whether corrective work blocks the response or runs in the background.
func (l *Loop) Turn(ctx context.Context, req correction.TurnRequest) (TurnResult, error) {
	if strings.TrimSpace(req.Request) == "" {
		return TurnResult{}, fmt.Errorf("request text required")
	}
	start := time.Now()

	assembly, err := l.patches.Read(ctx, patchstore.Query{
		Request: req.Request,
		Tags:    l.queryTags(req),
	})
	if err != nil {
		return TurnResult{}, fmt.Errorf("read patches: %w", err)
	}

	response, calls, genErr := runConversation(ctx, l.llm, l.primaryModel, systemPrompt(assembly), req.Request, l.tools, l.maxSteps)
	if genErr != nil {
		// A failed generation is still an outcome: it flows through
		// triage and audit like any other turn.
		l.logger.Printf("generate for turn failed: %v", genErr)
	}

	outcome := correction.NewOutcome(req.Request, response, calls, time.Since(start))
	result := TurnResult{
		Outcome:        outcome,
		PatchesApplied: len(assembly.PatchIDs()),
	}
	result.Mode, result.Reason = l.scheduler.Decide(req)

	switch result.Mode {
	case triage.Sync:
		result.Patch = l.auditor.Audit(ctx, outcome)
	default:
		l.auditor.Submit(ctx, outcome)
	}

	elapsed := time.Since(start)
	if l.turnCounter != nil {
		l.turnCounter.Add(ctx, 1)
	}
	if l.turnLatency != nil {
		l.turnLatency.Record(ctx, elapsed.Seconds())
	}
	if l.emitter != nil {
		l.emitter.Emit(ctx, streams.EventTurnCompleted, map[string]interface{}{
			"outcome_id":      outcome.ID,
			"mode":            strings.ToLower(string(result.Mode)),
			"triage_reason":   string(result.Reason),
			"gave_up":         outcome.GaveUp,
			"tool_calls":      len(outcome.ToolCalls),
			"duration_ms":     float64(elapsed.Milliseconds()),
			"patches_applied": result.PatchesApplied,
		})
	}
	return result, nil
}

// queryTags derives the cache-tier lookup tags for a turn: every tool the
// turn can touch, plus the declared action.
func (l *Loop) queryTags(req correction.TurnRequest) []string {
	var tags []string
	if l.tools != nil {
		for _, spec := range l.tools.Specs() {
			tags = append(tags, spec.Name)
		}
	}
	if a := strings.TrimSpace(req.Action); a != "" {
		tags = append(tags, a)
	}
	return tags
}

// runConversation drives the generate/execute cycle until the model stops
// calling tools or the step budget runs out. Tool failures are fed back
// to the model as results, not surfaced as errors.
func runConversation(ctx context.Context, llm provider.Provider, model, system, request string, tools ToolExecutor, maxSteps int) (string, []correction.ToolCall, error) {
	if maxSteps <= 0 {
		maxSteps = 4
	}
	var specs []provider.ToolSpec
	if tools != nil {
		specs = tools.Specs()
	}

	messages := []provider.Message{{Role: "user", Content: request}}
	var calls []correction.ToolCall
	var lastContent string

	for step := 0; step < maxSteps; step++ {
		res, err := llm.Generate(ctx, provider.GenerateRequest{
			Model:    model,
			System:   system,
			Messages: messages,
			Tools:    specs,
		})
		if err != nil {
			return lastContent, calls, err
		}
		lastContent = res.Content
		if len(res.ToolCalls) == 0 {
			return res.Content, calls, nil
		}
		if res.Content != "" {
			messages = append(messages, provider.Message{Role: "assistant", Content: res.Content})
		}
		for _, inv := range res.ToolCalls {
			var result string
			execErr := fmt.Errorf("no tool surface configured")
			if tools != nil {
				result, execErr = tools.Execute(ctx, inv.Name, inv.Arguments)
			}
			success := execErr == nil
			if execErr != nil {
				result = execErr.Error()
			}
			calls = append(calls, correction.ToolCall{
				Name:      inv.Name,
				Arguments: inv.Arguments,
				Result:    result,
				Success:   success,
			})
			messages = append(messages, provider.Message{
				Role:       "tool",
				ToolCallID: inv.ID,
				Name:       inv.Name,
				Content:    result,
			})
		}
	}
	return lastContent, calls, nil
}
