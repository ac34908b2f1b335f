// Package comments holds the comment collection for a single editing
// session. The store is the source of truth for comment metadata; the rich
// document's anchor marks are the source of truth for where each comment
// applies. Every mutating operation keeps the two consistent.
package comments

import "time"

// AnonymousID is the sentinel author id for unauthenticated usage. It is
// excluded from mention and identity merges.
const AnonymousID = "anonymous"

// Author identifies a person attached to comments, replies and mentions.
type Author struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar string `json:"avatar,omitempty"`
}

// Anonymous is the fallback identity when no session author is available.
var Anonymous = Author{ID: AnonymousID, Name: "Anonymous"}

// IsAnonymous reports whether the author is the unauthenticated sentinel.
func (a Author) IsAnonymous() bool {
	return a.ID == AnonymousID || a.ID == ""
}

// Reply is a threaded response owned and ordered by its parent comment.
type Reply struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Author    Author    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	Mentions  []Author  `json:"mentions,omitempty"`
}

// Comment is one anchored discussion. QuotedText is a display-only snapshot
// of the originally selected text; re-anchoring always goes through the
// stable id, never through text search.
type Comment struct {
	ID            string     `json:"id"`
	Text          string     `json:"text"`
	Author        Author     `json:"author"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	Resolved      bool       `json:"resolved"`
	ResolvedBy    *Author    `json:"resolvedBy,omitempty"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
	QuotedText    string     `json:"quotedText,omitempty"`
	Mentions      []Author   `json:"mentions,omitempty"`
	AssignedTo    *Author    `json:"assignedTo,omitempty"`
	TaskDueDate   *time.Time `json:"taskDueDate,omitempty"`
	TaskCompleted bool       `json:"taskCompleted,omitempty"`
	Replies       []Reply    `json:"replies,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate store state through
// returned pointers.
func (c *Comment) Clone() *Comment {
	if c == nil {
		return nil
	}
	out := *c
	out.Mentions = append([]Author(nil), c.Mentions...)
	out.Replies = make([]Reply, len(c.Replies))
	for i, r := range c.Replies {
		out.Replies[i] = r
		out.Replies[i].Mentions = append([]Author(nil), r.Mentions...)
	}
	if c.ResolvedBy != nil {
		rb := *c.ResolvedBy
		out.ResolvedBy = &rb
	}
	if c.ResolvedAt != nil {
		ra := *c.ResolvedAt
		out.ResolvedAt = &ra
	}
	if c.AssignedTo != nil {
		at := *c.AssignedTo
		out.AssignedTo = &at
	}
	if c.TaskDueDate != nil {
		dd := *c.TaskDueDate
		out.TaskDueDate = &dd
	}
	return &out
}
