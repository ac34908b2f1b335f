// Package diagram turns diagram source text into a sanitized visual
// artifact. The external layout engine is not reentrant, so every render
// request flows through a single ordered queue: a request is processed only
// after all prior requests have completed, success or failure.
package diagram

import (
	"context"
	"errors"
	"log"
	"sync"

	"inkdown/api/internal/util"
)

// State is the lifecycle of one diagram block.
type State string

const (
	StateEditing   State = "editing"
	StateRendering State = "rendering"
	StateRendered  State = "rendered"
	StateFailed    State = "failed"
)

var ErrUnknownBlock = errors.New("diagram: unknown block")

// Engine is the external layout engine. Render receives a fresh unique
// attempt id; Cleanup removes any partially-created output tied to that id
// after a failed attempt.
type Engine interface {
	Render(ctx context.Context, id, source string) (string, error)
	Cleanup(id string)
}

// Block is a snapshot of one diagram block's render state.
type Block struct {
	ID     string
	Source string
	State  State
	SVG    string
	Err    string
}

type block struct {
	id      string
	source  string
	state   State
	svg     string
	err     string
	attempt string
}

type job struct {
	blockID string
	source  string
	attempt string
}

// Renderer owns the block table and the serialized render queue.
type Renderer struct {
	engine Engine

	mu     sync.Mutex
	blocks map[string]*block

	jobs    chan job
	pending sync.WaitGroup
	done    chan struct{}
}

// NewRenderer starts the single queue worker. Close releases it.
func NewRenderer(engine Engine) *Renderer {
	r := &Renderer{
		engine: engine,
		blocks: map[string]*block{},
		jobs:   make(chan job, 64),
		done:   make(chan struct{}),
	}
	go r.worker()
	return r
}

// Register adds a diagram block in the Editing state.
func (r *Renderer) Register(blockID, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.blocks[blockID]; !ok {
		r.blocks[blockID] = &block{id: blockID, source: source, state: StateEditing}
	}
}

// Remove forgets a block, e.g. when it is deleted from the document.
func (r *Renderer) Remove(blockID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.blocks, blockID)
}

// Request queues a render for the block. A request supersedes any earlier
// in-flight attempt for the same block: the stale attempt's result is
// discarded when it completes.
func (r *Renderer) Request(blockID string) error {
	r.mu.Lock()
	b, ok := r.blocks[blockID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownBlock
	}
	attempt := util.NewID("render")
	b.state = StateRendering
	b.attempt = attempt
	j := job{blockID: blockID, source: b.source, attempt: attempt}
	r.mu.Unlock()

	r.pending.Add(1)
	select {
	case r.jobs <- j:
	case <-r.done:
		r.pending.Done()
		return errors.New("diagram: renderer closed")
	}
	return nil
}

// SetSource updates a block's source. A block that was already Rendered or
// Failed goes straight back into a pending render; a block still being
// edited waits for an explicit Request.
func (r *Renderer) SetSource(blockID, source string) error {
	r.mu.Lock()
	b, ok := r.blocks[blockID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownBlock
	}
	b.source = source
	rerender := b.state == StateRendered || b.state == StateFailed
	r.mu.Unlock()

	if rerender {
		return r.Request(blockID)
	}
	return nil
}

// Edit returns a Rendered or Failed block to the Editing state.
func (r *Renderer) Edit(blockID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blocks[blockID]
	if !ok {
		return ErrUnknownBlock
	}
	if b.state == StateRendered || b.state == StateFailed {
		b.state = StateEditing
	}
	return nil
}

// Snapshot returns the current state of a block.
func (r *Renderer) Snapshot(blockID string) (Block, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blocks[blockID]
	if !ok {
		return Block{}, ErrUnknownBlock
	}
	return Block{ID: b.id, Source: b.source, State: b.state, SVG: b.svg, Err: b.err}, nil
}

// Flush blocks until every queued render has completed. Test hook and
// shutdown aid.
func (r *Renderer) Flush() {
	r.pending.Wait()
}

// Close drains the queue and stops the worker.
func (r *Renderer) Close() {
	r.pending.Wait()
	close(r.done)
	close(r.jobs)
}

func (r *Renderer) worker() {
	for j := range r.jobs {
		r.process(j)
		r.pending.Done()
	}
}

func (r *Renderer) process(j job) {
	markup, err := r.engine.Render(context.Background(), j.attempt, j.source)

	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blocks[j.blockID]
	if !ok || b.attempt != j.attempt {
		// Superseded or removed while queued; clean up and discard.
		r.engine.Cleanup(j.attempt)
		return
	}
	if err != nil {
		r.engine.Cleanup(j.attempt)
		b.state = StateFailed
		b.err = err.Error()
		b.svg = ""
		log.Printf("diagram: render %s failed: %v", j.blockID, err)
		return
	}
	b.state = StateRendered
	b.err = ""
	b.svg = Sanitize(markup)
}
