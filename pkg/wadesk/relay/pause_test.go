package relay

import (
	"reflect"
	"testing"
)

func TestPauseRegistry(t *testing.T) {
	p := NewPauseRegistry()

	t.Run("starts empty", func(t *testing.T) {
		if p.IsPaused("a") {
			t.Error("expected nothing paused")
		}
		if len(p.Keys()) != 0 {
			t.Errorf("expected no keys, got %v", p.Keys())
		}
	})

	t.Run("set and clear", func(t *testing.T) {
		p.SetPaused("a", true)
		if !p.IsPaused("a") {
			t.Error("expected a paused")
		}

		p.SetPaused("a", false)
		if p.IsPaused("a") {
			t.Error("expected a resumed")
		}
	})

	t.Run("toggle is idempotent", func(t *testing.T) {
		p.SetPaused("b", true)
		p.SetPaused("b", true)
		if got := p.Keys(); !reflect.DeepEqual(got, []string{"b"}) {
			t.Errorf("expected [b], got %v", got)
		}

		p.SetPaused("missing", false)
		if p.IsPaused("missing") {
			t.Error("resuming an absent key must stay unpaused")
		}
	})

	t.Run("keys are sorted", func(t *testing.T) {
		p.SetPaused("c", true)
		p.SetPaused("a", true)
		if got := p.Keys(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
			t.Errorf("expected sorted keys, got %v", got)
		}
	})
}

func TestPauseRegistryRestore(t *testing.T) {
	p := NewPauseRegistry()
	p.Restore([]string{"x", "y"})

	if !p.IsPaused("x") || !p.IsPaused("y") {
		t.Error("expected restored keys paused")
	}
	if p.IsPaused("z") {
		t.Error("unexpected key paused")
	}
}
