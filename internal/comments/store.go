package comments

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// AnchorSink receives position-side effects of store mutations so the
// document's anchor marks stay consistent with the records. *doc.Document
// satisfies it directly.
type AnchorSink interface {
	StripAnchor(commentID string)
	SetAnchorResolved(commentID string, resolved bool)
}

// Store is the single in-process authority for a session's comments.
// The editing surface is single-user and single-session, so operations are
// synchronous, in-memory and last-write-wins; there is no contention to
// arbitrate.
type Store struct {
	author   Author
	comments map[string]*Comment
	order    []string
	sink     AnchorSink
	now      func() time.Time
}

// NewStore builds a store owned by the given session author. A zero-value
// author falls back to the anonymous sentinel. sink may be nil when no
// document is attached yet.
func NewStore(author Author, sink AnchorSink) *Store {
	if author.IsAnonymous() {
		author = Anonymous
	}
	return &Store{
		author:   author,
		comments: map[string]*Comment{},
		sink:     sink,
		now:      time.Now,
	}
}

// SetAnchorSink swaps the attached document, e.g. after a reload.
func (s *Store) SetAnchorSink(sink AnchorSink) {
	s.sink = sink
}

// CreateInput carries the caller-supplied parts of a new comment. Text may
// be empty: a comment is created the moment the user invokes "add comment"
// on a selection, before any text is typed.
type CreateInput struct {
	ID         string
	Text       string
	QuotedText string
	Mentions   []Author
}

// Create assigns id and timestamps and records the comment. The id is
// content-free; callers may supply one (e.g. during load) or let the store
// generate a fresh UUID.
func (s *Store) Create(in CreateInput) (*Comment, error) {
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := s.comments[id]; exists {
		return nil, ErrAlreadyExists
	}
	now := s.now()
	c := &Comment{
		ID:         id,
		Text:       in.Text,
		Author:     s.author,
		CreatedAt:  now,
		UpdatedAt:  now,
		QuotedText: in.QuotedText,
		Mentions:   append([]Author(nil), in.Mentions...),
	}
	s.comments[id] = c
	s.order = append(s.order, id)
	return c.Clone(), nil
}

// Restore inserts an already-populated comment record, preserving its
// timestamps and authorship. Used when re-loading a persisted file.
func (s *Store) Restore(c *Comment) error {
	if c == nil || c.ID == "" {
		return ErrNotFound
	}
	if _, exists := s.comments[c.ID]; exists {
		return ErrAlreadyExists
	}
	s.comments[c.ID] = c.Clone()
	s.order = append(s.order, c.ID)
	return nil
}

// UpdateInput lists the mutable fields; nil pointers leave a field alone.
type UpdateInput struct {
	Text     *string
	Mentions *[]Author
}

func (s *Store) Update(id string, in UpdateInput) (*Comment, error) {
	c, ok := s.comments[id]
	if !ok {
		return nil, ErrNotFound
	}
	if in.Text != nil {
		c.Text = *in.Text
	}
	if in.Mentions != nil {
		c.Mentions = append([]Author(nil), (*in.Mentions)...)
	}
	c.UpdatedAt = s.now()
	return c.Clone(), nil
}

// Delete removes the record and signals the document to strip every anchor
// mark carrying the id, so neither side is left orphaned.
func (s *Store) Delete(id string) error {
	if _, ok := s.comments[id]; !ok {
		return ErrNotFound
	}
	delete(s.comments, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.sink != nil {
		s.sink.StripAnchor(id)
	}
	return nil
}

func (s *Store) Resolve(id string) (*Comment, error) {
	return s.setResolved(id, true)
}

func (s *Store) Unresolve(id string) (*Comment, error) {
	return s.setResolved(id, false)
}

func (s *Store) setResolved(id string, resolved bool) (*Comment, error) {
	c, ok := s.comments[id]
	if !ok {
		return nil, ErrNotFound
	}
	c.Resolved = resolved
	if resolved {
		by := s.author
		at := s.now()
		c.ResolvedBy = &by
		c.ResolvedAt = &at
	} else {
		c.ResolvedBy = nil
		c.ResolvedAt = nil
	}
	c.UpdatedAt = s.now()
	if s.sink != nil {
		s.sink.SetAnchorResolved(id, resolved)
	}
	return c.Clone(), nil
}

func (s *Store) AddReply(commentID, text string, mentions []Author) (*Comment, error) {
	if text == "" {
		return nil, ErrReplyText
	}
	c, ok := s.comments[commentID]
	if !ok {
		return nil, ErrNotFound
	}
	c.Replies = append(c.Replies, Reply{
		ID:        uuid.NewString(),
		Text:      text,
		Author:    s.author,
		CreatedAt: s.now(),
		Mentions:  append([]Author(nil), mentions...),
	})
	c.UpdatedAt = s.now()
	return c.Clone(), nil
}

func (s *Store) AssignTask(id string, assignee Author, dueDate *time.Time) (*Comment, error) {
	if assignee.ID == "" && assignee.Name == "" {
		return nil, ErrNoAssignee
	}
	c, ok := s.comments[id]
	if !ok {
		return nil, ErrNotFound
	}
	c.AssignedTo = &assignee
	if dueDate != nil {
		d := *dueDate
		c.TaskDueDate = &d
	} else {
		c.TaskDueDate = nil
	}
	c.UpdatedAt = s.now()
	return c.Clone(), nil
}

func (s *Store) CompleteTask(id string) (*Comment, error) {
	return s.setTaskCompleted(id, true)
}

func (s *Store) UncompleteTask(id string) (*Comment, error) {
	return s.setTaskCompleted(id, false)
}

func (s *Store) setTaskCompleted(id string, done bool) (*Comment, error) {
	c, ok := s.comments[id]
	if !ok {
		return nil, ErrNotFound
	}
	c.TaskCompleted = done
	c.UpdatedAt = s.now()
	return c.Clone(), nil
}

func (s *Store) Get(id string) (*Comment, error) {
	c, ok := s.comments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// ListOptions filters listing. Resolved comments are hidden unless
// ShowResolved is set.
type ListOptions struct {
	ShowResolved bool
}

// List returns comments in creation order.
func (s *Store) List(opts ListOptions) []*Comment {
	out := make([]*Comment, 0, len(s.order))
	for _, id := range s.order {
		c := s.comments[id]
		if c.Resolved && !opts.ShowResolved {
			continue
		}
		out = append(out, c.Clone())
	}
	return out
}

// All returns every comment regardless of resolution, in creation order.
func (s *Store) All() []*Comment {
	return s.List(ListOptions{ShowResolved: true})
}

// Len reports the number of stored comments.
func (s *Store) Len() int {
	return len(s.comments)
}

// Participants returns the distinct non-anonymous authors reachable from
// the stored comments: comment authors, reply authors, mentions and
// assignees. Order is deterministic (by name, then id).
func (s *Store) Participants() []Author {
	seen := map[string]Author{}
	add := func(a Author) {
		if a.IsAnonymous() {
			return
		}
		if _, ok := seen[a.ID]; !ok {
			seen[a.ID] = a
		}
	}
	for _, id := range s.order {
		c := s.comments[id]
		add(c.Author)
		for _, m := range c.Mentions {
			add(m)
		}
		if c.AssignedTo != nil {
			add(*c.AssignedTo)
		}
		if c.ResolvedBy != nil {
			add(*c.ResolvedBy)
		}
		for _, r := range c.Replies {
			add(r.Author)
			for _, m := range r.Mentions {
				add(m)
			}
		}
	}
	out := make([]Author, 0, len(seen))
	for _, a := range seen {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}
