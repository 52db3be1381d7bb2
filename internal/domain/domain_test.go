package domain

import "testing"

func TestStageOrder(t *testing.T) {
	if len(StageOrder) != 7 {
		t.Fatalf("expected 7 stages, got %d", len(StageOrder))
	}
	if StageOrder[0] != StageResearch {
		t.Fatalf("first stage must be RESEARCH, got %s", StageOrder[0])
	}
	if StageOrder[6] != StagePublish {
		t.Fatalf("last stage must be PUBLISH, got %s", StageOrder[6])
	}
	seen := map[StageName]bool{}
	for _, name := range StageOrder {
		if seen[name] {
			t.Fatalf("duplicate stage %s", name)
		}
		seen[name] = true
	}
}

func TestNextStageName(t *testing.T) {
	cases := []struct {
		in   StageName
		want StageName
		ok   bool
	}{
		{StageResearch, StageScript, true},
		{StageScript, StageVoice, true},
		{StageVoice, StageMusic, true},
		{StageEditor, StagePublish, true},
		{StagePublish, "", false},
		{StageName("INVALID"), "", false},
	}
	for _, c := range cases {
		got, ok := NextStageName(c.in)
		if got != c.want || ok != c.ok {
			t.Errorf("NextStageName(%s) = %s,%v; want %s,%v", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestStageWeightsSumTo100(t *testing.T) {
	sum := 0
	for _, name := range StageOrder {
		w, ok := StageWeights[name]
		if !ok {
			t.Fatalf("missing weight for %s", name)
		}
		if w <= 0 {
			t.Fatalf("weight for %s must be positive, got %d", name, w)
		}
		sum += w
	}
	if sum != 100 {
		t.Fatalf("weights sum to %d, want 100", sum)
	}
	if StageWeights[StageScript] <= StageWeights[StageResearch] {
		t.Fatalf("SCRIPT should carry the highest weight")
	}
	for _, name := range StageOrder[:6] {
		if StageWeights[StagePublish] > StageWeights[name] {
			t.Fatalf("PUBLISH should carry the lowest weight")
		}
	}
}

func TestStageStatusPredicates(t *testing.T) {
	for _, s := range []StageStatus{StageComplete, StageFailed, StageSkipped} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []StageStatus{StagePending, StageClaimed, StageRunningState} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if StageFailed.Finished() {
		t.Error("FAILED must not satisfy the predecessor requirement")
	}
	if !StageSkipped.Finished() || !StageComplete.Finished() {
		t.Error("COMPLETE and SKIPPED satisfy the predecessor requirement")
	}
}
