package persist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type counter struct {
	mu    sync.Mutex
	value int
}

func (c *counter) set(v int) {
	c.mu.Lock()
	c.value = v
	c.mu.Unlock()
}

func (c *counter) snapshot() (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]int{"value": c.value}, nil
}

func TestDebounceCoalescing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	c := &counter{}
	g := New(path, c.snapshot, 50*time.Millisecond, nil)

	// A burst of mutations within the window produces one write holding
	// the final state.
	for i := 1; i <= 10; i++ {
		c.set(i)
		g.ScheduleSave()
	}

	time.Sleep(200 * time.Millisecond)

	if got := g.Writes(); got != 1 {
		t.Errorf("expected 1 write for the burst, got %d", got)
	}

	var doc map[string]int
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("snapshot not valid JSON: %v", err)
	}
	if doc["value"] != 10 {
		t.Errorf("expected final state 10, got %d", doc["value"])
	}
}

func TestDebounceTimerResets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	c := &counter{}
	g := New(path, c.snapshot, 80*time.Millisecond, nil)

	// Keep scheduling inside the window; nothing may be written yet.
	for i := 0; i < 3; i++ {
		g.ScheduleSave()
		time.Sleep(30 * time.Millisecond)
	}
	if got := g.Writes(); got != 0 {
		t.Errorf("expected no writes while the timer keeps resetting, got %d", got)
	}

	time.Sleep(150 * time.Millisecond)
	if got := g.Writes(); got != 1 {
		t.Errorf("expected 1 write after quiescence, got %d", got)
	}
}

func TestFlushCancelsPendingTimer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	c := &counter{}
	c.set(7)
	g := New(path, c.snapshot, time.Hour, nil)

	g.ScheduleSave()
	if err := g.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if got := g.Writes(); got != 1 {
		t.Fatalf("expected 1 write from flush, got %d", got)
	}

	// The pending hour-long timer was cancelled; no second write follows.
	time.Sleep(50 * time.Millisecond)
	if got := g.Writes(); got != 1 {
		t.Errorf("expected still 1 write, got %d", got)
	}
}

func TestCloseRejectsFurtherSchedules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	c := &counter{}
	g := New(path, c.snapshot, 10*time.Millisecond, nil)

	if err := g.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	g.ScheduleSave()
	time.Sleep(50 * time.Millisecond)

	if got := g.Writes(); got != 1 {
		t.Errorf("expected only the close flush, got %d writes", got)
	}
}

func TestWriteFileAtomicLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	if err := WriteFileAtomic(path, map[string]string{"a": "b"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the target file in dir, got %d entries", len(entries))
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	t.Run("missing file is not an error", func(t *testing.T) {
		var v map[string]string
		ok, err := Load(path, &v)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Error("expected ok=false for missing file")
		}
	})

	t.Run("round trip", func(t *testing.T) {
		if err := WriteFileAtomic(path, map[string]string{"k": "v"}); err != nil {
			t.Fatal(err)
		}
		var v map[string]string
		ok, err := Load(path, &v)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if !ok || v["k"] != "v" {
			t.Errorf("unexpected load result: ok=%v v=%v", ok, v)
		}
	})

	t.Run("corrupt file is an error", func(t *testing.T) {
		if err := os.WriteFile(path, []byte("{truncated"), 0o644); err != nil {
			t.Fatal(err)
		}
		var v map[string]string
		if _, err := Load(path, &v); err == nil {
			t.Error("expected error for corrupt document")
		}
	})
}
