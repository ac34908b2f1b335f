// Package doc defines the rich-document tree: ordered block nodes with
// inline text runs carrying formatting marks. It is the in-memory, editable
// form of a markdown file; the converter in internal/markdown moves between
// the two representations.
package doc

import "sort"

type NodeType string

const (
	Paragraph      NodeType = "paragraph"
	Heading        NodeType = "heading"
	BulletList     NodeType = "bulletList"
	OrderedList    NodeType = "orderedList"
	ListItem       NodeType = "listItem"
	TaskItem       NodeType = "taskItem"
	Blockquote     NodeType = "blockquote"
	CodeBlock      NodeType = "codeBlock"
	DiagramBlock   NodeType = "diagramBlock"
	Table          NodeType = "table"
	TableRow       NodeType = "tableRow"
	TableCell      NodeType = "tableCell"
	HorizontalRule NodeType = "horizontalRule"
	TextRun        NodeType = "text"
)

type MarkType string

const (
	Bold          MarkType = "bold"
	Italic        MarkType = "italic"
	Underline     MarkType = "underline"
	Strike        MarkType = "strike"
	Code          MarkType = "code"
	Link          MarkType = "link"
	CommentAnchor MarkType = "commentAnchor"
)

// Mark is a formatting annotation on a text run. Href is set for links,
// CommentID and Resolved for comment anchors.
type Mark struct {
	Type      MarkType `json:"type"`
	Href      string   `json:"href,omitempty"`
	CommentID string   `json:"commentId,omitempty"`
	Resolved  bool     `json:"resolved,omitempty"`
}

// Node is one node in the document tree. Which fields are meaningful
// depends on Type: Text/Marks for text runs, Level for headings, Checked
// for task items, Language for code blocks, Source for diagram blocks,
// Header for table cells, Start for ordered lists.
type Node struct {
	Type     NodeType `json:"type"`
	Text     string   `json:"text,omitempty"`
	Marks    []Mark   `json:"marks,omitempty"`
	Content  []*Node  `json:"content,omitempty"`
	Level    int      `json:"level,omitempty"`
	Checked  bool     `json:"checked,omitempty"`
	Language string   `json:"language,omitempty"`
	Source   string   `json:"source,omitempty"`
	Header   bool     `json:"header,omitempty"`
	Start    int      `json:"start,omitempty"`
}

// Document is the root of the rich-document tree.
type Document struct {
	Content []*Node `json:"content"`
}

// Walk visits every node depth-first. Returning false stops descent into
// that node's children but continues with siblings.
func (d *Document) Walk(fn func(n *Node) bool) {
	for _, n := range d.Content {
		walkNode(n, fn)
	}
}

func walkNode(n *Node, fn func(n *Node) bool) {
	if n == nil {
		return
	}
	if !fn(n) {
		return
	}
	for _, c := range n.Content {
		walkNode(c, fn)
	}
}

// AnchorIDs returns the distinct comment ids carried by anchor marks
// anywhere in the document, sorted for deterministic output.
func (d *Document) AnchorIDs() []string {
	seen := map[string]struct{}{}
	d.Walk(func(n *Node) bool {
		for _, m := range n.Marks {
			if m.Type == CommentAnchor && m.CommentID != "" {
				seen[m.CommentID] = struct{}{}
			}
		}
		return true
	})
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StripAnchor removes every comment-anchor mark carrying the given id.
// Text content is left untouched; only the annotation disappears.
func (d *Document) StripAnchor(commentID string) {
	d.Walk(func(n *Node) bool {
		if len(n.Marks) == 0 {
			return true
		}
		kept := n.Marks[:0]
		for _, m := range n.Marks {
			if m.Type == CommentAnchor && m.CommentID == commentID {
				continue
			}
			kept = append(kept, m)
		}
		n.Marks = kept
		return true
	})
}

// SetAnchorResolved updates the resolved flag on every anchor mark for the
// given comment id. The flag is display state derived from the comment
// record; it is never persisted per-span.
func (d *Document) SetAnchorResolved(commentID string, resolved bool) {
	d.Walk(func(n *Node) bool {
		for i := range n.Marks {
			if n.Marks[i].Type == CommentAnchor && n.Marks[i].CommentID == commentID {
				n.Marks[i].Resolved = resolved
			}
		}
		return true
	})
}

// AnchoredText returns the concatenated text of every run carrying the
// given comment id, in document order.
func (d *Document) AnchoredText(commentID string) string {
	var out string
	d.Walk(func(n *Node) bool {
		if n.Type != TextRun {
			return true
		}
		for _, m := range n.Marks {
			if m.Type == CommentAnchor && m.CommentID == commentID {
				out += n.Text
				break
			}
		}
		return true
	})
	return out
}

// PlainText flattens the document to its raw text content, block nodes
// separated by newlines. Used for participant scans and quoted-text
// snapshots, not for round-tripping.
func (d *Document) PlainText() string {
	var out string
	for i, n := range d.Content {
		if i > 0 {
			out += "\n"
		}
		out += nodePlainText(n)
	}
	return out
}

func nodePlainText(n *Node) string {
	if n == nil {
		return ""
	}
	if n.Type == TextRun {
		return n.Text
	}
	if n.Type == DiagramBlock {
		return n.Source
	}
	var out string
	for i, c := range n.Content {
		if i > 0 && c.Type != TextRun {
			out += "\n"
		}
		out += nodePlainText(c)
	}
	return out
}

// HasMark reports whether the node carries a mark of the given type.
func (n *Node) HasMark(t MarkType) bool {
	for _, m := range n.Marks {
		if m.Type == t {
			return true
		}
	}
	return false
}

// AnchorMark returns the comment-anchor mark for the given id, if present.
func (n *Node) AnchorMark(id string) (Mark, bool) {
	for _, m := range n.Marks {
		if m.Type == CommentAnchor && m.CommentID == id {
			return m, true
		}
	}
	return Mark{}, false
}

// MarksEqual reports whether two mark sets are identical, ignoring order.
func MarksEqual(a, b []Mark) bool {
	if len(a) != len(b) {
		return false
	}
	for _, ma := range a {
		found := false
		for _, mb := range b {
			if ma == mb {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
