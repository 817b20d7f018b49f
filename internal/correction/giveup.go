package correction

import "strings"

// giveUpMarkers are lexical signals that the agent abandoned the task.
// Matching is case-insensitive against the final response text.
var giveUpMarkers = []string{
	"couldn't find",
	"could not find",
	"no data",
	"no results",
	"nothing found",
	"access denied",
	"permission denied",
	"unable to locate",
	"not available",
	"i don't have access",
}

// DetectGiveUp reports whether a response carries a give-up marker while at
// least one tool call returned empty or errored. A marker alone is not a
// give-up: the request may be genuinely unanswerable with no tool involved.
func DetectGiveUp(response string, calls []ToolCall) bool {
	emptyCall := false
	for _, tc := range calls {
		if tc.Empty() {
			emptyCall = true
			break
		}
	}
	if !emptyCall {
		return false
	}
	lower := strings.ToLower(response)
	for _, marker := range giveUpMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
