package agentloop

import (
	"context"

	"github.com/loopworks/mendloop/internal/correction"
	"github.com/loopworks/mendloop/internal/diagnose"
	"github.com/loopworks/mendloop/provider"
)

const oraclePrompt = `You are a senior reviewer re-running a task a weaker assistant failed.
Complete the task correctly. Be persistent: if a lookup comes back empty, vary the query and retry before concluding anything is missing.
Use only the tools provided and ground every claim in a tool result.`

// OracleReplayer replays failed outcomes on the stronger oracle model
// with the same tool surface. It deliberately runs without the patch
// context: the counterfactual must show what a better model does unaided,
// not what the patches already taught.
type OracleReplayer struct {
	llm      provider.Provider
	model    string
	tools    ToolExecutor
	maxSteps int
}

func NewOracleReplayer(llm provider.Provider, model string, tools ToolExecutor) *OracleReplayer {
	return &OracleReplayer{llm: llm, model: model, tools: tools, maxSteps: 6}
}

// Counterfactual implements diagnose.Oracle.
func (o *OracleReplayer) Counterfactual(ctx context.Context, out correction.Outcome) (diagnose.Counterfactual, error) {
	response, calls, err := runConversation(ctx, o.llm, o.model, oraclePrompt, out.Request, o.tools, o.maxSteps)
	if err != nil {
		return diagnose.Counterfactual{}, err
	}
	return diagnose.Counterfactual{Response: response, ToolCalls: calls}, nil
}
