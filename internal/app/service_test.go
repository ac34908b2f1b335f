package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"inkdown/api/internal/comments"
	"inkdown/api/internal/config"
	"inkdown/api/internal/doc"
	"inkdown/api/internal/embed"
	"inkdown/api/internal/history"
	"inkdown/api/internal/storage"
)

func newTestService(t *testing.T) *Service {
	files, err := storage.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("disk store: %v", err)
	}
	cfg := config.Config{SessionTTL: time.Hour}
	return New(cfg, files, history.New(t.TempDir()), nil, nil, nil)
}

func openSession(t *testing.T, svc *Service, path string) *EditorSession {
	es, err := svc.Open(context.Background(), path, "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { svc.CloseSession(es.ID) })
	return es
}

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	svc := newTestService(t)
	es := openSession(t, svc, "new.md")
	if es.Markdown() != "" {
		t.Errorf("fresh document not empty: %q", es.Markdown())
	}
	if len(es.Comments(true)) != 0 {
		t.Errorf("fresh document has comments")
	}
}

func TestSetMarkdownRebuildsDocument(t *testing.T) {
	svc := newTestService(t)
	es := openSession(t, svc, "doc.md")

	es.SetMarkdown("# Hello\n\nworld\n")
	if len(es.document.Content) != 2 || es.document.Content[0].Type != doc.Heading {
		t.Fatalf("document not rebuilt: %+v", es.document.Content)
	}

	events := es.Events()
	if len(events) != 1 || events[0].Kind != EventDocumentChanged {
		t.Errorf("expected one document event, got %+v", events)
	}
	if extra := es.Events(); len(extra) != 0 {
		t.Errorf("events not drained: %+v", extra)
	}
}

func TestSyncGuardSuppressesEcho(t *testing.T) {
	svc := newTestService(t)
	es := openSession(t, svc, "doc.md")

	outer := es.withSync(func() {
		if es.withSync(func() { t.Error("nested step ran") }) {
			t.Error("nested step reported as run")
		}
	})
	if !outer {
		t.Fatal("outer step did not run")
	}
	// Guard must be released after the step completes.
	if !es.withSync(func() {}) {
		t.Error("guard still held after completed step")
	}
}

func TestSyncGuardReleasedOnPanic(t *testing.T) {
	svc := newTestService(t)
	es := openSession(t, svc, "doc.md")

	func() {
		defer func() { recover() }()
		es.withSync(func() { panic("conversion blew up") })
	}()
	if !es.withSync(func() {}) {
		t.Error("guard leaked after panic")
	}
}

func TestCreateCommentAnchorsAndQuotes(t *testing.T) {
	svc := newTestService(t)
	es := openSession(t, svc, "doc.md")
	es.SetMarkdown("hello world\n")
	es.Events()

	c, err := es.CreateComment(doc.Range{Path: []int{0}, Start: 6, End: 11}, "looks wrong", nil)
	if err != nil {
		t.Fatalf("CreateComment failed: %v", err)
	}
	if c.QuotedText != "world" {
		t.Errorf("quoted text: %q", c.QuotedText)
	}
	if got := es.document.AnchoredText(c.ID); got != "world" {
		t.Errorf("anchor text: %q", got)
	}
	if !strings.Contains(es.Markdown(), "<comment-start:"+c.ID+">world<comment-end:"+c.ID+">") {
		t.Errorf("markers missing from markdown: %q", es.Markdown())
	}

	kinds := map[EventKind]bool{}
	for _, e := range es.Events() {
		kinds[e.Kind] = true
	}
	if !kinds[EventMarkdownChanged] || !kinds[EventCommentsChanged] {
		t.Errorf("events after comment creation: %v", kinds)
	}
}

func TestCreateCommentBadRange(t *testing.T) {
	svc := newTestService(t)
	es := openSession(t, svc, "doc.md")
	es.SetMarkdown("short\n")

	_, err := es.CreateComment(doc.Range{Path: []int{0}, Start: 0, End: 99}, "x", nil)
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Code != "INVALID_RANGE" {
		t.Fatalf("expected INVALID_RANGE, got %v", err)
	}
	if len(es.Comments(true)) != 0 {
		t.Errorf("failed creation left a comment behind")
	}
	if ids := es.document.AnchorIDs(); len(ids) != 0 {
		t.Errorf("failed creation left anchors: %v", ids)
	}
}

func TestDeleteCommentStripsMarkers(t *testing.T) {
	svc := newTestService(t)
	es := openSession(t, svc, "doc.md")
	es.SetMarkdown("hello world\n")

	c, err := es.CreateComment(doc.Range{Path: []int{0}, Start: 0, End: 5}, "x", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := es.DeleteComment(c.ID); err != nil {
		t.Fatalf("DeleteComment failed: %v", err)
	}
	if strings.Contains(es.Markdown(), "comment-start") {
		t.Errorf("markers survived delete: %q", es.Markdown())
	}
	if got := es.Markdown(); got != "hello world\n" {
		t.Errorf("text changed: %q", got)
	}
}

func TestSaveAndReopenRoundTrip(t *testing.T) {
	svc := newTestService(t)
	es := openSession(t, svc, "doc.md")
	es.SetMarkdown("intro text here\n")

	c, err := es.CreateComment(doc.Range{Path: []int{0}, Start: 0, End: 5}, "opening comment", nil)
	if err != nil {
		t.Fatal(err)
	}
	snapshot, err := es.Save("first save")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if snapshot.Message != "first save" {
		t.Errorf("snapshot: %+v", snapshot)
	}

	// Reopen from disk: anchor and record must reattach by id.
	reopened := openSession(t, svc, "doc.md")
	restored := reopened.Comments(true)
	if len(restored) != 1 || restored[0].ID != c.ID || restored[0].Text != "opening comment" {
		t.Fatalf("comment not restored: %+v", restored)
	}
	if got := reopened.document.AnchoredText(c.ID); got != "intro" {
		t.Errorf("anchor not restored: %q", got)
	}
}

func TestResolveCommentUpdatesAnchorState(t *testing.T) {
	svc := newTestService(t)
	es := openSession(t, svc, "doc.md")
	es.SetMarkdown("resolve target\n")

	c, err := es.CreateComment(doc.Range{Path: []int{0}, Start: 0, End: 7}, "fix", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := es.ResolveComment(c.ID); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if visible := es.Comments(false); len(visible) != 0 {
		t.Errorf("resolved comment still listed: %+v", visible)
	}
	var mark doc.Mark
	es.document.Walk(func(n *doc.Node) bool {
		if m, ok := n.AnchorMark(c.ID); ok {
			mark = m
		}
		return true
	})
	if !mark.Resolved {
		t.Errorf("anchor mark not marked resolved")
	}

	// Resolution state survives save and reload.
	if _, err := es.Save(""); err != nil {
		t.Fatal(err)
	}
	reopened := openSession(t, svc, "doc.md")
	restored := reopened.Comments(true)
	if len(restored) != 1 || !restored[0].Resolved {
		t.Errorf("resolved flag lost on disk: %+v", restored)
	}
}

func TestOrphanedAnchorsStrippedOnOpen(t *testing.T) {
	svc := newTestService(t)
	if err := svc.files.Write("doc.md", "a <comment-start:ghost>b<comment-end:ghost> c\n"); err != nil {
		t.Fatal(err)
	}
	es := openSession(t, svc, "doc.md")
	if ids := es.document.AnchorIDs(); len(ids) != 0 {
		t.Errorf("orphan anchor survived: %v", ids)
	}
	// The text itself stays.
	if !strings.Contains(es.Markdown(), "a b c") {
		t.Errorf("text lost with orphan anchor: %q", es.Markdown())
	}
}

func TestDanglingCommentKept(t *testing.T) {
	svc := newTestService(t)
	full := embed.Embed("no markers here\n", []*comments.Comment{{
		ID:     "dangling-1",
		Text:   "text was deleted around me",
		Author: comments.Author{ID: "u1", Name: "Pat"},
	}})
	if err := svc.files.Write("doc.md", full); err != nil {
		t.Fatal(err)
	}

	es := openSession(t, svc, "doc.md")
	list := es.Comments(true)
	if len(list) != 1 || list[0].ID != "dangling-1" {
		t.Fatalf("dangling comment dropped: %+v", list)
	}
	if got := es.document.AnchoredText("dangling-1"); got != "" {
		t.Errorf("dangling comment grew an anchor: %q", got)
	}
}

func TestFormatUpdatesMarkdown(t *testing.T) {
	svc := newTestService(t)
	es := openSession(t, svc, "doc.md")
	es.SetMarkdown("make this bold\n")

	if err := es.Format(doc.Range{Path: []int{0}, Start: 5, End: 9}, "bold", "", true); err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	if got := es.Markdown(); got != "make **this** bold\n" {
		t.Errorf("markdown: %q", got)
	}

	if err := es.Format(doc.Range{Path: []int{0}, Start: 0, End: 4}, "link", "", true); err == nil {
		t.Error("link without href must fail")
	}
	if err := es.Format(doc.Range{Path: []int{0}, Start: 0, End: 4}, "sparkle", "", true); err == nil {
		t.Error("unknown mark must fail")
	}
}

func TestStatelessConversions(t *testing.T) {
	svc := newTestService(t)

	d := svc.ConvertToDocument("# Hi\n")
	if len(d.Content) != 1 || d.Content[0].Type != doc.Heading {
		t.Fatalf("ConvertToDocument: %+v", d.Content)
	}
	if got := svc.ConvertToMarkdown(d); got != "# Hi\n" {
		t.Errorf("ConvertToMarkdown: %q", got)
	}

	full := svc.EmbedComments("body", []*comments.Comment{{ID: "c1", Text: "t"}})
	body, list := svc.ExtractComments(full)
	if body != "body" || len(list) != 1 || list[0].ID != "c1" {
		t.Errorf("embed/extract: %q %v", body, list)
	}
}

func TestLoginRequiresIdentityStore(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Login(context.Background(), comments.Author{Name: "Pat"})
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Code != "IDENTITY_DISABLED" {
		t.Errorf("expected IDENTITY_DISABLED, got %v", err)
	}
}

func TestAuthorFallsBackToAnonymous(t *testing.T) {
	svc := newTestService(t)
	author := svc.AuthorFromToken(context.Background(), "whatever")
	if !author.IsAnonymous() {
		t.Errorf("expected anonymous, got %+v", author)
	}
}

func TestSessionLookup(t *testing.T) {
	svc := newTestService(t)
	es := openSession(t, svc, "doc.md")

	found, err := svc.Session(es.ID)
	if err != nil || found.ID != es.ID {
		t.Errorf("Session lookup: %v", err)
	}

	svc.CloseSession(es.ID)
	if _, err := svc.Session(es.ID); err == nil {
		t.Error("closed session still resolvable")
	}
}

func TestHistoryThroughSession(t *testing.T) {
	svc := newTestService(t)
	es := openSession(t, svc, "notes/doc.md")
	es.SetMarkdown("v1\n")
	if _, err := es.Save("first"); err != nil {
		t.Fatal(err)
	}
	es.SetMarkdown("v2\n")
	if _, err := es.Save("second"); err != nil {
		t.Fatal(err)
	}

	items, err := es.History(0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(items) != 2 || items[0].Message != "second" {
		t.Errorf("history: %+v", items)
	}
	content, err := es.HistoryContent(items[1].Hash)
	if err != nil {
		t.Fatalf("HistoryContent failed: %v", err)
	}
	if content != "v1\n" {
		t.Errorf("historic content: %q", content)
	}
}

func TestDiagramsDisabledWithoutEngine(t *testing.T) {
	svc := newTestService(t)
	es := openSession(t, svc, "doc.md")
	es.SetMarkdown("```mermaid\ngraph TD\n```\n")

	err := es.RenderDiagram("any")
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Code != "DIAGRAMS_DISABLED" {
		t.Errorf("expected DIAGRAMS_DISABLED, got %v", err)
	}
	if blocks := es.Diagrams(); blocks != nil {
		t.Errorf("diagrams without engine: %+v", blocks)
	}
}
