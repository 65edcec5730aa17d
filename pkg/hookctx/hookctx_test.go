package hookctx

import "testing"

func TestMergeLaterOverridesEarlier(t *testing.T) {
	a := New()
	a.Extra["a"] = 1

	b := New()
	b.Extra["a"] = 2
	b.Extra["b"] = 3

	merged := a.Merge(b)
	if merged.Extra["a"] != 2 {
		t.Errorf("Extra[a] = %v, want 2 (later hook overrides)", merged.Extra["a"])
	}
	if merged.Extra["b"] != 3 {
		t.Errorf("Extra[b] = %v, want 3", merged.Extra["b"])
	}
}

func TestMergeCancelledIsSticky(t *testing.T) {
	a := New()
	a.Cancelled = true
	b := New()

	merged := a.Merge(b)
	if !merged.Cancelled {
		t.Error("Cancelled should remain true once set")
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	a := New()
	a.Extra["x"] = 1
	b := New()
	b.Extra["x"] = 2

	_ = a.Merge(b)

	if a.Extra["x"] != 1 {
		t.Errorf("a.Extra[x] mutated to %v", a.Extra["x"])
	}
	if b.Extra["x"] != 2 {
		t.Errorf("b.Extra[x] mutated to %v", b.Extra["x"])
	}
}

func TestAddStepAppendsWithoutMutatingOriginal(t *testing.T) {
	a := New()
	step := Step{PluginID: "p1", Hook: "beforeCycle"}
	b := a.AddStep(step)

	if len(a.Provenance) != 0 {
		t.Errorf("original Provenance mutated: %v", a.Provenance)
	}
	if len(b.Provenance) != 1 || b.Provenance[0].PluginID != "p1" {
		t.Errorf("Provenance = %+v", b.Provenance)
	}
}
