package diagram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeEngine records render calls and fails when told to. blockGate, when
// set, holds every Render until released so tests can pile up queued work.
type fakeEngine struct {
	mu       sync.Mutex
	calls    []string
	cleanups []string
	fail     bool
	inFlight int
	maxSeen  int
	gate     chan struct{}
}

func (e *fakeEngine) Render(ctx context.Context, id, source string) (string, error) {
	e.mu.Lock()
	e.calls = append(e.calls, source)
	e.inFlight++
	if e.inFlight > e.maxSeen {
		e.maxSeen = e.inFlight
	}
	fail := e.fail
	gate := e.gate
	e.mu.Unlock()

	if gate != nil {
		<-gate
	}

	e.mu.Lock()
	e.inFlight--
	e.mu.Unlock()

	if fail {
		return "", errors.New("layout crashed")
	}
	return "<svg width=\"100\" height=\"50\"><text>" + source + "</text></svg>", nil
}

func (e *fakeEngine) Cleanup(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleanups = append(e.cleanups, id)
}

func TestRenderLifecycle(t *testing.T) {
	engine := &fakeEngine{}
	r := NewRenderer(engine)
	defer r.Close()

	r.Register("b1", "graph TD")
	snap, err := r.Snapshot("b1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != StateEditing {
		t.Fatalf("fresh block state: %s", snap.State)
	}

	if err := r.Request("b1"); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	r.Flush()

	snap, _ = r.Snapshot("b1")
	if snap.State != StateRendered {
		t.Fatalf("state after render: %s", snap.State)
	}
	if !strings.Contains(snap.SVG, "graph TD") {
		t.Errorf("svg missing content: %q", snap.SVG)
	}
	if snap.Err != "" {
		t.Errorf("unexpected error: %q", snap.Err)
	}
}

func TestRenderFailureKeepsSource(t *testing.T) {
	engine := &fakeEngine{fail: true}
	r := NewRenderer(engine)
	defer r.Close()

	r.Register("b1", "broken source")
	if err := r.Request("b1"); err != nil {
		t.Fatal(err)
	}
	r.Flush()

	snap, _ := r.Snapshot("b1")
	if snap.State != StateFailed {
		t.Fatalf("state: %s", snap.State)
	}
	if snap.Err == "" {
		t.Errorf("failure message lost")
	}
	if snap.Source != "broken source" {
		t.Errorf("source must survive a failed render: %q", snap.Source)
	}
	if len(engine.cleanups) != 1 {
		t.Errorf("failed attempt must be cleaned up: %v", engine.cleanups)
	}
}

func TestRendersNeverOverlap(t *testing.T) {
	engine := &fakeEngine{gate: make(chan struct{})}
	r := NewRenderer(engine)
	defer r.Close()

	for _, id := range []string{"b1", "b2", "b3"} {
		r.Register(id, "src "+id)
		if err := r.Request(id); err != nil {
			t.Fatal(err)
		}
	}
	// Release the gate after the queue has had a chance to overlap if it
	// were going to.
	time.Sleep(50 * time.Millisecond)
	close(engine.gate)
	r.Flush()

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if engine.maxSeen != 1 {
		t.Errorf("renders overlapped: max concurrent %d", engine.maxSeen)
	}
	if len(engine.calls) != 3 {
		t.Errorf("expected 3 renders, got %d", len(engine.calls))
	}
}

func TestSupersededAttemptDiscarded(t *testing.T) {
	engine := &fakeEngine{gate: make(chan struct{})}
	r := NewRenderer(engine)
	defer r.Close()

	r.Register("b1", "old source")
	if err := r.Request("b1"); err != nil {
		t.Fatal(err)
	}
	// Re-request with new source while the first render is still blocked.
	if err := r.SetSource("b1", "new source"); err != nil {
		t.Fatal(err)
	}
	if err := r.Request("b1"); err != nil {
		t.Fatal(err)
	}
	close(engine.gate)
	r.Flush()

	snap, _ := r.Snapshot("b1")
	if snap.State != StateRendered {
		t.Fatalf("state: %s", snap.State)
	}
	if !strings.Contains(snap.SVG, "new source") {
		t.Errorf("stale attempt won: %q", snap.SVG)
	}
	if len(engine.cleanups) != 1 {
		t.Errorf("superseded attempt must be cleaned up: %v", engine.cleanups)
	}
}

func TestSetSourceRerendersSettledBlocks(t *testing.T) {
	engine := &fakeEngine{}
	r := NewRenderer(engine)
	defer r.Close()

	r.Register("b1", "v1")
	if err := r.Request("b1"); err != nil {
		t.Fatal(err)
	}
	r.Flush()

	if err := r.SetSource("b1", "v2"); err != nil {
		t.Fatal(err)
	}
	r.Flush()

	snap, _ := r.Snapshot("b1")
	if snap.State != StateRendered || !strings.Contains(snap.SVG, "v2") {
		t.Errorf("settled block did not re-render: %+v", snap)
	}

	// An Editing block only stores the new source.
	r.Register("b2", "w1")
	if err := r.SetSource("b2", "w2"); err != nil {
		t.Fatal(err)
	}
	snap, _ = r.Snapshot("b2")
	if snap.State != StateEditing || snap.Source != "w2" {
		t.Errorf("editing block changed state: %+v", snap)
	}
}

func TestEditReturnsToEditingState(t *testing.T) {
	engine := &fakeEngine{}
	r := NewRenderer(engine)
	defer r.Close()

	r.Register("b1", "src")
	if err := r.Request("b1"); err != nil {
		t.Fatal(err)
	}
	r.Flush()
	if err := r.Edit("b1"); err != nil {
		t.Fatal(err)
	}
	snap, _ := r.Snapshot("b1")
	if snap.State != StateEditing {
		t.Errorf("state: %s", snap.State)
	}
}

func TestUnknownBlock(t *testing.T) {
	r := NewRenderer(&fakeEngine{})
	defer r.Close()

	if err := r.Request("nope"); !errors.Is(err, ErrUnknownBlock) {
		t.Errorf("Request: %v", err)
	}
	if err := r.SetSource("nope", "x"); !errors.Is(err, ErrUnknownBlock) {
		t.Errorf("SetSource: %v", err)
	}
	if _, err := r.Snapshot("nope"); !errors.Is(err, ErrUnknownBlock) {
		t.Errorf("Snapshot: %v", err)
	}
}
