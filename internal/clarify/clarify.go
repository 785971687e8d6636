// Package clarify implements the synchronous fast-path clarifier that runs
// inline in request intake, before any asynchronous work is scheduled. It
// deliberately trades recall for latency: it only needs to catch the common
// bare-topic queries instantly. Verbose-but-ambiguous queries fall through
// to the asynchronous pipeline.
package clarify

import (
	"fmt"
	"regexp"
	"strings"
)

// Decision is ephemeral by design: no content request is created for a
// clarification outcome, so nothing here is ever persisted.
type Decision struct {
	NeedsClarification bool     `json:"needs_clarification"`
	Questions          []string `json:"questions,omitempty"`
	Reasoning          string   `json:"reasoning,omitempty"`
}

// DefaultMinWords is the presumptive-vagueness word count threshold.
const DefaultMinWords = 5

// vaguePatterns match bare-topic phrasings where the tail is one or two
// plain words. Ordered; first match wins for the reasoning string.
var vaguePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^tell me about\s+\w+(\s+\w+)?[.?!]?$`),
	regexp.MustCompile(`(?i)^explain\s+\w+(\s+\w+)?[.?!]?$`),
	regexp.MustCompile(`(?i)^what (is|are)\s+\w+(\s+\w+)?[.?!]?$`),
	regexp.MustCompile(`(?i)^who (is|was)\s+\w+(\s+\w+)?[.?!]?$`),
	regexp.MustCompile(`(?i)^describe\s+\w+(\s+\w+)?[.?!]?$`),
	regexp.MustCompile(`(?i)^how (does|do)\s+\w+\s+work[.?!]?$`),
}

// topicTail strips the leading vague phrasing so questions can echo the
// topic back to the student.
var topicTail = regexp.MustCompile(`(?i)^(tell me about|explain|what is|what are|who is|who was|describe|how does|how do)\s+`)

// Checker is the fast-path clarifier. Pure: no I/O, no external
// dependencies, cannot fail.
type Checker struct {
	minWords int
}

func NewChecker(minWords int) *Checker {
	if minWords <= 0 {
		minWords = DefaultMinWords
	}
	return &Checker{minWords: minWords}
}

// Check classifies a query as needing clarification or not. A query is
// vague when it matches a bare-topic pattern, or when its word count is
// under the threshold.
func (c *Checker) Check(query string, gradeLevel int) Decision {
	trimmed := strings.TrimSpace(query)
	words := len(strings.Fields(trimmed))

	for i, p := range vaguePatterns {
		if p.MatchString(trimmed) {
			return Decision{
				NeedsClarification: true,
				Questions:          clarifyingQuestions(trimmed, gradeLevel),
				Reasoning:          fmt.Sprintf("query matches vague pattern %d", i+1),
			}
		}
	}
	if words < c.minWords {
		return Decision{
			NeedsClarification: true,
			Questions:          clarifyingQuestions(trimmed, gradeLevel),
			Reasoning:          fmt.Sprintf("query has %d words, below threshold %d", words, c.minWords),
		}
	}
	return Decision{
		NeedsClarification: false,
		Reasoning:          "query is specific enough for the pipeline",
	}
}

func clarifyingQuestions(query string, gradeLevel int) []string {
	topic := strings.TrimSpace(topicTail.ReplaceAllString(query, ""))
	topic = strings.TrimRight(topic, ".?!")
	if topic == "" {
		topic = "this topic"
	}
	qs := []string{
		fmt.Sprintf("What part of %s are you most curious about?", topic),
		fmt.Sprintf("Is there something about %s you've seen in class recently?", topic),
	}
	if gradeLevel > 0 {
		qs = append(qs, fmt.Sprintf("Would you like an overview, or a deep dive suited to grade %d?", gradeLevel))
	}
	return qs
}
