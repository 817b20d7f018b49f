package agentloop

import (
	"strings"

	"github.com/loopworks/mendloop/internal/patchstore"
)

const basePrompt = `You are an operations assistant with access to the tools listed for this turn.
Use the tools to ground every factual claim. If a lookup returns nothing, say so plainly instead of inventing an answer.`

// systemPrompt renders the assembled patch context into the system
// message. Kernel entries are standing rules, cache entries recent
// corrections, archive entries looser background notes. Order within each
// section is exactly the store's assembly order.
func systemPrompt(a patchstore.Assembly) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	if len(a.Kernel) > 0 {
		b.WriteString("\n\nStanding rules (always apply):\n")
		for _, p := range a.Kernel {
			b.WriteString("- ")
			b.WriteString(p.Body)
			b.WriteString("\n")
		}
	}
	if len(a.Cache) > 0 {
		b.WriteString("\nCorrections from recent failures (apply when relevant):\n")
		for _, p := range a.Cache {
			b.WriteString("- ")
			b.WriteString(p.Body)
			b.WriteString("\n")
		}
	}
	if len(a.Archive) > 0 {
		b.WriteString("\nBackground notes that may apply:\n")
		for _, p := range a.Archive {
			b.WriteString("- ")
			b.WriteString(p.Body)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
