package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"inkdown/api/internal/comments"
	"inkdown/api/internal/diagram"
	"inkdown/api/internal/doc"
	"inkdown/api/internal/embed"
	"inkdown/api/internal/export"
	"inkdown/api/internal/history"
	"inkdown/api/internal/markdown"
	"inkdown/api/internal/mention"
	"inkdown/api/internal/util"
)

// EventKind labels a change notification emitted by the sync engine.
type EventKind string

const (
	EventMarkdownChanged EventKind = "markdown"
	EventDocumentChanged EventKind = "document"
	EventCommentsChanged EventKind = "comments"
)

type Event struct {
	Kind EventKind `json:"kind"`
}

const maxBufferedEvents = 128

// EditorSession holds one opened document: the markdown text, the
// rich-document view built from it, the comment store and the per-session
// diagram render queue. Edits on either side propagate to the other.
type EditorSession struct {
	ID   string
	Path string

	service *Service
	author  comments.Author

	mu       sync.Mutex
	document *doc.Document
	markdown string
	store    *comments.Store
	recency  *mention.RecencyCache
	mentions *mention.Service
	renderer *diagram.Renderer
	diagrams []diagramBinding
	syncing  bool
	events   []Event
}

// diagramBinding ties a renderer block id to the diagram block's position
// in the document. Positions are recomputed on every reparse.
type diagramBinding struct {
	id     string
	source string
}

func newEditorSession(path string, author comments.Author, content string, svc *Service) *EditorSession {
	es := &EditorSession{
		ID:      util.NewID("session"),
		Path:    path,
		service: svc,
		author:  author,
		recency: mention.NewRecencyCache(mention.DefaultRecencyLimit),
	}
	if svc.engine != nil {
		es.renderer = diagram.NewRenderer(svc.engine)
	}

	body, records := embed.Extract(content)
	es.document = markdown.ToDocument(body)
	es.store = comments.NewStore(author, es.document)
	es.restoreComments(records)
	es.markdown = markdown.ToMarkdown(es.document)
	es.mentions = mention.NewService(es.recency, es.store, svc.directory)
	es.syncDiagrams()
	return es
}

// restoreComments loads extracted records into the store and reconciles
// them against the anchors the parse produced. Anchors without a record
// are stripped; records without an anchor stay as dangling discussion.
func (es *EditorSession) restoreComments(records []*comments.Comment) {
	for _, c := range records {
		if err := es.store.Restore(c); err != nil {
			continue
		}
		es.document.SetAnchorResolved(c.ID, c.Resolved)
	}
	for _, id := range es.document.AnchorIDs() {
		if _, err := es.store.Get(id); err != nil {
			es.document.StripAnchor(id)
		}
	}
}

// withSync runs fn as a propagation step. A step triggered from inside a
// running step is an echo of the conversion itself and is suppressed; the
// guard is always released on the way out, panics included.
func (es *EditorSession) withSync(fn func()) bool {
	if es.syncing {
		return false
	}
	es.syncing = true
	defer func() { es.syncing = false }()
	fn()
	return true
}

func (es *EditorSession) emit(kind EventKind) {
	if len(es.events) >= maxBufferedEvents {
		es.events = es.events[1:]
	}
	es.events = append(es.events, Event{Kind: kind})
}

// Events drains the pending change notifications.
func (es *EditorSession) Events() []Event {
	es.mu.Lock()
	defer es.mu.Unlock()
	out := es.events
	es.events = nil
	return out
}

// Markdown returns the current raw text form.
func (es *EditorSession) Markdown() string {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.markdown
}

// DocumentJSON snapshots the rich-document view.
func (es *EditorSession) DocumentJSON() (json.RawMessage, error) {
	es.mu.Lock()
	defer es.mu.Unlock()
	return json.Marshal(es.document)
}

// SetMarkdown replaces the raw text, rebuilding the document view and
// reconciling comment anchors against the new parse.
func (es *EditorSession) SetMarkdown(text string) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.withSync(func() {
		es.markdown = text
		es.document = markdown.ToDocument(text)
		es.store.SetAnchorSink(es.document)
		es.reconcileAnchors()
		es.syncDiagrams()
		es.emit(EventDocumentChanged)
	})
}

// reconcileAnchors re-applies comment state after a reparse: resolved flags
// are restored and anchors whose comment no longer exists are stripped.
func (es *EditorSession) reconcileAnchors() {
	known := map[string]bool{}
	for _, c := range es.store.All() {
		known[c.ID] = true
		es.document.SetAnchorResolved(c.ID, c.Resolved)
	}
	for _, id := range es.document.AnchorIDs() {
		if !known[id] {
			es.document.StripAnchor(id)
		}
	}
}

// documentMutated reserializes after a rich-view edit so the raw text
// follows, unless the mutation was itself part of a propagation step.
func (es *EditorSession) documentMutated() {
	es.withSync(func() {
		es.markdown = markdown.ToMarkdown(es.document)
		es.syncDiagrams()
		es.emit(EventMarkdownChanged)
	})
}

// CreateComment anchors a new comment to the selected span. The text under
// the selection is snapshotted as the comment's quoted text.
func (es *EditorSession) CreateComment(r doc.Range, text string, mentions []comments.Author) (*comments.Comment, error) {
	es.mu.Lock()
	defer es.mu.Unlock()

	id := uuid.NewString()
	quoted, err := es.document.AddAnchor(id, r)
	if err != nil {
		return nil, rangeError(err)
	}
	c, err := es.store.Create(comments.CreateInput{
		ID:         id,
		Text:       text,
		QuotedText: quoted,
		Mentions:   mentions,
	})
	if err != nil {
		es.document.StripAnchor(id)
		return nil, err
	}
	es.documentMutated()
	es.emit(EventCommentsChanged)
	return c, nil
}

// UpdateComment edits the comment body and mention list.
func (es *EditorSession) UpdateComment(id string, text *string, mentions *[]comments.Author) (*comments.Comment, error) {
	es.mu.Lock()
	defer es.mu.Unlock()
	c, err := es.store.Update(id, comments.UpdateInput{Text: text, Mentions: mentions})
	if err != nil {
		return nil, err
	}
	es.emit(EventCommentsChanged)
	return c, nil
}

// DeleteComment removes the comment; the store signals the document to
// strip its anchor, so the raw text follows.
func (es *EditorSession) DeleteComment(id string) error {
	es.mu.Lock()
	defer es.mu.Unlock()
	if err := es.store.Delete(id); err != nil {
		return err
	}
	es.documentMutated()
	es.emit(EventCommentsChanged)
	return nil
}

func (es *EditorSession) ResolveComment(id string) (*comments.Comment, error) {
	return es.setCommentResolved(id, true)
}

func (es *EditorSession) UnresolveComment(id string) (*comments.Comment, error) {
	return es.setCommentResolved(id, false)
}

func (es *EditorSession) setCommentResolved(id string, resolved bool) (*comments.Comment, error) {
	es.mu.Lock()
	defer es.mu.Unlock()
	var (
		c   *comments.Comment
		err error
	)
	if resolved {
		c, err = es.store.Resolve(id)
	} else {
		c, err = es.store.Unresolve(id)
	}
	if err != nil {
		return nil, err
	}
	es.documentMutated()
	es.emit(EventCommentsChanged)
	return c, nil
}

func (es *EditorSession) AddReply(commentID, text string, mentions []comments.Author) (*comments.Comment, error) {
	es.mu.Lock()
	defer es.mu.Unlock()
	c, err := es.store.AddReply(commentID, text, mentions)
	if err != nil {
		return nil, err
	}
	es.emit(EventCommentsChanged)
	return c, nil
}

func (es *EditorSession) AssignTask(commentID string, assignee comments.Author, dueDate *time.Time) (*comments.Comment, error) {
	es.mu.Lock()
	defer es.mu.Unlock()
	c, err := es.store.AssignTask(commentID, assignee, dueDate)
	if err != nil {
		return nil, err
	}
	es.emit(EventCommentsChanged)
	return c, nil
}

func (es *EditorSession) SetTaskCompleted(commentID string, done bool) (*comments.Comment, error) {
	es.mu.Lock()
	defer es.mu.Unlock()
	var (
		c   *comments.Comment
		err error
	)
	if done {
		c, err = es.store.CompleteTask(commentID)
	} else {
		c, err = es.store.UncompleteTask(commentID)
	}
	if err != nil {
		return nil, err
	}
	es.emit(EventCommentsChanged)
	return c, nil
}

// Comments lists the thread, hiding resolved ones unless asked.
func (es *EditorSession) Comments(showResolved bool) []*comments.Comment {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.store.List(comments.ListOptions{ShowResolved: showResolved})
}

// Format toggles an inline mark over the selected span.
func (es *EditorSession) Format(r doc.Range, markName, href string, enable bool) error {
	m, err := formattingMark(markName, href)
	if err != nil {
		return err
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	if err := es.document.FormatRange(m, r, enable); err != nil {
		return rangeError(err)
	}
	es.documentMutated()
	return nil
}

func formattingMark(name, href string) (doc.Mark, error) {
	switch name {
	case "bold":
		return doc.Mark{Type: doc.Bold}, nil
	case "italic":
		return doc.Mark{Type: doc.Italic}, nil
	case "underline":
		return doc.Mark{Type: doc.Underline}, nil
	case "strike":
		return doc.Mark{Type: doc.Strike}, nil
	case "code":
		return doc.Mark{Type: doc.Code}, nil
	case "link":
		if strings.TrimSpace(href) == "" {
			return doc.Mark{}, domainError(http.StatusBadRequest, "INVALID_LINK", "Link target is required", nil)
		}
		return doc.Mark{Type: doc.Link, Href: href}, nil
	default:
		return doc.Mark{}, domainError(http.StatusBadRequest, "UNKNOWN_MARK", "Unknown formatting mark", map[string]any{"mark": name})
	}
}

func rangeError(err error) error {
	if errors.Is(err, doc.ErrBadPath) || errors.Is(err, doc.ErrBadRange) {
		return domainError(http.StatusBadRequest, "INVALID_RANGE", "Selection does not address document text", nil)
	}
	return err
}

// Save writes body plus embedded comments back to disk and records a
// history snapshot.
func (es *EditorSession) Save(message string) (history.Snapshot, error) {
	es.mu.Lock()
	body := markdown.ToMarkdown(es.document)
	full := embed.Embed(body, es.store.All())
	es.markdown = body
	author := es.author.Name
	path := es.Path
	es.mu.Unlock()

	if err := es.service.files.Write(path, full); err != nil {
		return history.Snapshot{}, fmt.Errorf("write document: %w", err)
	}
	return es.service.history.Record(documentID(path), full, author, message)
}

// History lists recorded snapshots, newest first.
func (es *EditorSession) History(limit int) ([]history.Snapshot, error) {
	return es.service.history.List(documentID(es.Path), limit)
}

// HistoryContent returns the full stored text of one snapshot.
func (es *EditorSession) HistoryContent(hash string) (string, error) {
	return es.service.history.Content(documentID(es.Path), hash)
}

// ResolveMentions returns candidates for the @mention popup.
func (es *EditorSession) ResolveMentions(query string) []mention.Candidate {
	return es.mentions.Resolve(query)
}

// SearchMentionsWider asks the people directory and blocks until results
// arrive or ctx is done. Stale results are already discarded downstream.
func (es *EditorSession) SearchMentionsWider(ctx context.Context, query string) []mention.Candidate {
	ch := make(chan []mention.Candidate, 1)
	es.mentions.SearchWider(ctx, query, func(found []mention.Candidate) {
		ch <- found
	})
	select {
	case found := <-ch:
		return found
	case <-ctx.Done():
		return nil
	}
}

// SelectMention records the pick in the recency cache.
func (es *EditorSession) SelectMention(c mention.Candidate) comments.Author {
	return es.mentions.Select(c)
}

// Diagrams snapshots the render state of every diagram block, in document
// order.
func (es *EditorSession) Diagrams() []diagram.Block {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.renderer == nil {
		return nil
	}
	out := make([]diagram.Block, 0, len(es.diagrams))
	for _, b := range es.diagrams {
		if snap, err := es.renderer.Snapshot(b.id); err == nil {
			out = append(out, snap)
		}
	}
	return out
}

func (es *EditorSession) RenderDiagram(blockID string) error {
	if es.renderer == nil {
		return diagramsDisabled()
	}
	return diagramErr(es.renderer.Request(blockID))
}

func (es *EditorSession) EditDiagram(blockID string) error {
	if es.renderer == nil {
		return diagramsDisabled()
	}
	return diagramErr(es.renderer.Edit(blockID))
}

// SetDiagramSource updates one diagram block's source in both the renderer
// and the document.
func (es *EditorSession) SetDiagramSource(blockID, source string) error {
	if es.renderer == nil {
		return diagramsDisabled()
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	idx := -1
	for i, b := range es.diagrams {
		if b.id == blockID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return diagramErr(diagram.ErrUnknownBlock)
	}
	if err := es.renderer.SetSource(blockID, source); err != nil {
		return diagramErr(err)
	}
	es.diagrams[idx].source = source

	n := 0
	es.document.Walk(func(node *doc.Node) bool {
		if node.Type == doc.DiagramBlock {
			if n == idx {
				node.Source = source
				return false
			}
			n++
		}
		return true
	})
	es.documentMutated()
	return nil
}

func diagramsDisabled() error {
	return domainError(http.StatusServiceUnavailable, "DIAGRAMS_DISABLED", "Diagram rendering is not configured", nil)
}

func diagramErr(err error) error {
	if errors.Is(err, diagram.ErrUnknownBlock) {
		return domainError(http.StatusNotFound, "DIAGRAM_NOT_FOUND", "Diagram block not found", nil)
	}
	return err
}

// syncDiagrams aligns the renderer's block table with the diagram blocks
// currently in the document, matching by position.
func (es *EditorSession) syncDiagrams() {
	if es.renderer == nil {
		return
	}
	var sources []string
	es.document.Walk(func(n *doc.Node) bool {
		if n.Type == doc.DiagramBlock {
			sources = append(sources, n.Source)
		}
		return true
	})

	for i, src := range sources {
		if i < len(es.diagrams) {
			if es.diagrams[i].source != src {
				_ = es.renderer.SetSource(es.diagrams[i].id, src)
				es.diagrams[i].source = src
			}
			continue
		}
		id := util.NewID("diagram")
		es.renderer.Register(id, src)
		es.diagrams = append(es.diagrams, diagramBinding{id: id, source: src})
	}
	for _, stale := range es.diagrams[len(sources):] {
		es.renderer.Remove(stale.id)
	}
	es.diagrams = es.diagrams[:len(sources)]
}

// Export renders the session to HTML or PDF, optionally with the comment
// appendix. Rendered diagrams are inlined as sanitized SVG.
func (es *EditorSession) Export(format export.Format, includeComments bool) (*export.Result, error) {
	es.mu.Lock()
	req := export.Request{
		Title:           documentTitle(es.Path),
		Document:        es.document,
		Comments:        es.store.All(),
		IncludeComments: includeComments,
		Format:          format,
		Diagrams:        es.diagramResolver(),
	}
	es.mu.Unlock()
	return export.Export(req)
}

func (es *EditorSession) diagramResolver() export.DiagramResolver {
	if es.renderer == nil {
		return nil
	}
	rendered := map[string]string{}
	for _, b := range es.diagrams {
		if snap, err := es.renderer.Snapshot(b.id); err == nil && snap.State == diagram.StateRendered {
			rendered[snap.Source] = snap.SVG
		}
	}
	return renderedDiagrams(rendered)
}

type renderedDiagrams map[string]string

func (r renderedDiagrams) SVGFor(source string) (string, bool) {
	svg, ok := r[source]
	return svg, ok
}

func (es *EditorSession) close() {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.renderer != nil {
		es.renderer.Close()
	}
	es.recency.Clear()
}

// documentID turns a storage path into a stable history repository key.
func documentID(path string) string {
	return strings.TrimSuffix(strings.Trim(filepath.ToSlash(path), "/"), ".md")
}

func documentTitle(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if base == "" || base == "." {
		return "Document"
	}
	return base
}
