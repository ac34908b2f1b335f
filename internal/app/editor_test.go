package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"inkdown/api/internal/config"
	"inkdown/api/internal/diagram"
	"inkdown/api/internal/export"
	"inkdown/api/internal/history"
	"inkdown/api/internal/storage"
)

type fakeEngine struct {
	mu       sync.Mutex
	calls    []string
	cleanups int
	fail     bool
}

func (e *fakeEngine) Render(_ context.Context, _, source string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, source)
	if e.fail {
		return "", errors.New("layout engine crashed")
	}
	return fmt.Sprintf("<svg><text>%s</text></svg>", source), nil
}

func (e *fakeEngine) Cleanup(string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleanups++
}

func (e *fakeEngine) renderCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func newDiagramService(t *testing.T, eng diagram.Engine) *Service {
	files, err := storage.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("disk store: %v", err)
	}
	cfg := config.Config{SessionTTL: time.Hour}
	return New(cfg, files, history.New(t.TempDir()), nil, nil, eng)
}

func TestOpenRegistersDiagramBlocks(t *testing.T) {
	eng := &fakeEngine{}
	svc := newDiagramService(t, eng)
	if err := svc.files.Write("doc.md", "intro\n\n```mermaid\ngraph TD\n```\n"); err != nil {
		t.Fatal(err)
	}

	es := openSession(t, svc, "doc.md")
	blocks := es.Diagrams()
	if len(blocks) != 1 {
		t.Fatalf("expected 1 diagram block, got %d", len(blocks))
	}
	if blocks[0].State != diagram.StateEditing || blocks[0].Source != "graph TD" {
		t.Errorf("block: %+v", blocks[0])
	}
	// Registration alone must not trigger a render.
	if eng.renderCount() != 0 {
		t.Errorf("engine called %d times before any request", eng.renderCount())
	}
}

func TestRenderDiagramProducesSVG(t *testing.T) {
	eng := &fakeEngine{}
	svc := newDiagramService(t, eng)
	es := openSession(t, svc, "doc.md")
	es.SetMarkdown("```mermaid\ngraph TD\n```\n")

	id := es.Diagrams()[0].ID
	if err := es.RenderDiagram(id); err != nil {
		t.Fatalf("RenderDiagram failed: %v", err)
	}
	es.renderer.Flush()

	blocks := es.Diagrams()
	if blocks[0].State != diagram.StateRendered {
		t.Fatalf("state: %v (err %q)", blocks[0].State, blocks[0].Err)
	}
	if !strings.Contains(blocks[0].SVG, "graph TD") {
		t.Errorf("svg: %q", blocks[0].SVG)
	}
}

func TestRenderFailureKeepsSource(t *testing.T) {
	eng := &fakeEngine{fail: true}
	svc := newDiagramService(t, eng)
	es := openSession(t, svc, "doc.md")
	es.SetMarkdown("```mermaid\ngraph TD\n```\n")

	id := es.Diagrams()[0].ID
	if err := es.RenderDiagram(id); err != nil {
		t.Fatal(err)
	}
	es.renderer.Flush()

	b := es.Diagrams()[0]
	if b.State != diagram.StateFailed || b.Err == "" || b.Source != "graph TD" {
		t.Errorf("failed block: %+v", b)
	}
}

func TestSetDiagramSourceUpdatesMarkdown(t *testing.T) {
	eng := &fakeEngine{}
	svc := newDiagramService(t, eng)
	es := openSession(t, svc, "doc.md")
	es.SetMarkdown("```mermaid\ngraph TD\n```\n")

	id := es.Diagrams()[0].ID
	if err := es.SetDiagramSource(id, "graph LR"); err != nil {
		t.Fatalf("SetDiagramSource failed: %v", err)
	}
	if !strings.Contains(es.Markdown(), "graph LR") {
		t.Errorf("markdown not updated: %q", es.Markdown())
	}
	if got := es.Diagrams()[0].Source; got != "graph LR" {
		t.Errorf("renderer source: %q", got)
	}
}

func TestSetMarkdownRemovesStaleDiagrams(t *testing.T) {
	eng := &fakeEngine{}
	svc := newDiagramService(t, eng)
	es := openSession(t, svc, "doc.md")
	es.SetMarkdown("```mermaid\ngraph TD\n```\n\n```mermaid\npie\n```\n")

	if got := len(es.Diagrams()); got != 2 {
		t.Fatalf("expected 2 blocks, got %d", got)
	}

	es.SetMarkdown("no diagrams left\n")
	if got := len(es.Diagrams()); got != 0 {
		t.Errorf("stale blocks survived: %d", got)
	}
}

func TestExportInlinesRenderedDiagram(t *testing.T) {
	eng := &fakeEngine{}
	svc := newDiagramService(t, eng)
	es := openSession(t, svc, "notes.md")
	es.SetMarkdown("```mermaid\ngraph TD\n```\n")

	id := es.Diagrams()[0].ID
	if err := es.RenderDiagram(id); err != nil {
		t.Fatal(err)
	}
	es.renderer.Flush()

	result, err := es.Export(export.FormatHTML, false)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if !strings.Contains(string(result.Data), "graph TD") {
		t.Errorf("rendered diagram not inlined: %q", result.Data)
	}
	if result.Filename != "notes.html" {
		t.Errorf("filename: %q", result.Filename)
	}
}

func TestUnknownDiagramBlock(t *testing.T) {
	eng := &fakeEngine{}
	svc := newDiagramService(t, eng)
	es := openSession(t, svc, "doc.md")

	err := es.RenderDiagram("missing")
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Code != "DIAGRAM_NOT_FOUND" {
		t.Errorf("expected DIAGRAM_NOT_FOUND, got %v", err)
	}
	if err := es.SetDiagramSource("missing", "x"); !errors.As(err, &derr) || derr.Code != "DIAGRAM_NOT_FOUND" {
		t.Errorf("SetDiagramSource: %v", err)
	}
}
