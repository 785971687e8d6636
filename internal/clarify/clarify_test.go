package clarify

import (
	"strings"
	"testing"
	"time"
)

func TestCheck_BareTopicQueryNeedsClarification(t *testing.T) {
	c := NewChecker(0)
	d := c.Check("Tell me about science", 10)
	if !d.NeedsClarification {
		t.Fatalf("expected needs_clarification=true, reasoning=%q", d.Reasoning)
	}
	if len(d.Questions) < 2 {
		t.Fatalf("expected at least 2 clarifying questions, got %d", len(d.Questions))
	}
}

func TestCheck_IsDeterministicAndFast(t *testing.T) {
	c := NewChecker(0)
	first := c.Check("Tell me about science", 10)
	start := time.Now()
	for i := 0; i < 100; i++ {
		d := c.Check("Tell me about science", 10)
		if d.NeedsClarification != first.NeedsClarification || len(d.Questions) != len(first.Questions) {
			t.Fatalf("non-deterministic decision on call %d", i)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("100 checks took %v, fast path must stay sub-millisecond per call", elapsed)
	}
}

func TestCheck_SpecificQueryPassesThrough(t *testing.T) {
	c := NewChecker(0)
	d := c.Check("How does the electron transport chain produce ATP during cellular respiration in plant cells", 11)
	if d.NeedsClarification {
		t.Fatalf("fully specified query should not need clarification, reasoning=%q", d.Reasoning)
	}
}

func TestCheck_VaguePatterns(t *testing.T) {
	c := NewChecker(0)
	cases := []struct {
		query string
		vague bool
	}{
		{"explain photosynthesis", true},
		{"What is gravity?", true},
		{"who was Lincoln", true},
		{"describe volcanoes", true},
		{"how does photosynthesis work", true},
		{"math", true}, // under word threshold
		{"Compare the causes of the French and American revolutions for a debate", false},
	}
	for _, tc := range cases {
		d := c.Check(tc.query, 8)
		if d.NeedsClarification != tc.vague {
			t.Fatalf("query %q: expected vague=%v, got %v (%s)", tc.query, tc.vague, d.NeedsClarification, d.Reasoning)
		}
	}
}

func TestCheck_QuestionsEchoTopic(t *testing.T) {
	c := NewChecker(0)
	d := c.Check("Tell me about volcanoes", 6)
	found := false
	for _, q := range d.Questions {
		if strings.Contains(q, "volcanoes") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected at least one question to mention the topic, got %v", d.Questions)
	}
}
