package types

import "testing"

func TestStageOrder_ProgressIsStrictlyIncreasing(t *testing.T) {
	prev := StageProgress[StatusPending]
	for _, st := range StageOrder {
		p, ok := StageProgress[st]
		if !ok {
			t.Fatalf("stage %q has no progress entry", st)
		}
		if p <= prev {
			t.Fatalf("stage %q progress %d not greater than previous %d", st, p, prev)
		}
		prev = p
	}
	if StageProgress[StatusCompleted] != 100 {
		t.Fatalf("completed progress must be 100, got %d", StageProgress[StatusCompleted])
	}
}

func TestNextStage_WalksTheFullChain(t *testing.T) {
	cur := StageOrder[0]
	seen := []RequestStatus{cur}
	for {
		next, ok := NextStage(cur)
		if !ok {
			break
		}
		seen = append(seen, next)
		cur = next
	}
	if len(seen) != len(StageOrder) {
		t.Fatalf("walked %d stages, expected %d", len(seen), len(StageOrder))
	}
	if cur != StatusRenderingVideo {
		t.Fatalf("chain should end at rendering_video, got %q", cur)
	}
}

func TestNextStage_RejectsNonStages(t *testing.T) {
	for _, s := range []RequestStatus{StatusPending, StatusCompleted, StatusFailed} {
		if _, ok := NextStage(s); ok {
			t.Fatalf("NextStage(%q) should return ok=false", s)
		}
	}
}

func TestTerminal(t *testing.T) {
	if !StatusCompleted.Terminal() || !StatusFailed.Terminal() {
		t.Fatalf("completed and failed must be terminal")
	}
	if StatusPending.Terminal() || StatusRenderingVideo.Terminal() {
		t.Fatalf("non-terminal status reported terminal")
	}
}
