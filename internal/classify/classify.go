// Package classify assigns each correction patch a decay class before it
// enters the store. High-decay patches compensate for habits of the
// current model and are swept away when the model changes; zero-decay
// patches encode facts about the world and survive indefinitely.
package classify

import (
	"log"
	"regexp"
	"strings"

	"github.com/loopworks/mendloop/internal/correction"
)

// highDecayMarkers indicate the patch corrects model behavior: output
// shape, tool-call syntax, formatting habits. Worthless after a model swap.
var highDecayMarkers = []string{
	"format", "json", "csv", "markdown", "xml",
	"length", "truncat", "character limit", "word limit",
	"syntax", "argument", "parameter", "payload shape",
	"quote", "quoting", "capitaliz", "whitespace", "delimiter",
	"newline", "decimal", "prefix", "suffix", "field name",
	"id format", "as a string", "as an integer",
}

// zeroDecayMarkers indicate the patch encodes environment knowledge:
// organizational facts, policy, domain vocabulary. True regardless of
// which model is running.
var zeroDecayMarkers = []string{
	"policy", "compliance", "regulation", "legal",
	"renamed", "acquired", "merged", "deprecated", "migrated",
	"is now called", "is called", "no longer exists",
	"team", "department", "org ", "organization",
	"deadline", "fiscal", "quarter", "holiday",
	"must not", "never allowed", "prohibited", "requires approval",
}

var (
	yearPattern = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	// Two or more consecutive capitalized words past the first, a crude
	// named-entity signal ("Project Beta", "Acme Corp").
	entityPattern = regexp.MustCompile(`\b[A-Z][a-z]+ [A-Z][a-z]+`)
	monthPattern  = regexp.MustCompile(`(?i)\b(january|february|march|april|may|june|july|august|september|october|november|december|q[1-4])\b`)
)

// Classifier decides decay classes from patch text. Purely lexical, no
// model call: classification sits on the alignment loop's hot path and
// must stay cheap and deterministic.
type Classifier struct {
	logger *log.Logger
}

func New(logger *log.Logger) *Classifier {
	if logger == nil {
		logger = log.New(log.Writer(), "[CLASSIFY] ", log.LstdFlags)
	}
	return &Classifier{logger: logger}
}

// Classify scores the patch body against both marker sets. Any zero-decay
// evidence wins: mislabeling a durable fact as high-decay destroys
// knowledge at the next purge, while the reverse merely wastes a little
// memory. Text matching neither set defaults to zero-decay for the same
// reason.
func (c *Classifier) Classify(body string) correction.DecayClass {
	lower := strings.ToLower(body)

	zero := 0
	for _, m := range zeroDecayMarkers {
		if strings.Contains(lower, m) {
			zero++
		}
	}
	if entityPattern.MatchString(body) || yearPattern.MatchString(body) || monthPattern.MatchString(body) {
		zero++
	}

	high := 0
	for _, m := range highDecayMarkers {
		if strings.Contains(lower, m) {
			high++
		}
	}

	switch {
	case zero > 0:
		return correction.DecayZero
	case high > 0:
		return correction.DecayHigh
	default:
		return correction.DecayZero
	}
}

// Build turns an accepted diagnosis into a cache-tier patch ready for the
// store. Promotion into the kernel only ever happens through sweeps.
func (c *Classifier) Build(d correction.Diagnosis) (correction.Patch, error) {
	if err := d.Validate(); err != nil {
		return correction.Patch{}, err
	}
	p := correction.Patch{
		Body:  strings.TrimSpace(d.ProposedPatch),
		Tag:   strings.TrimSpace(d.Tag),
		Tier:  correction.TierCache,
		Decay: c.Classify(d.ProposedPatch),
	}
	c.logger.Printf("classified patch for outcome %s as %s", d.OutcomeID, p.Decay)
	return p, nil
}
