// Package markdown converts between the plain-text markdown representation
// and the rich-document tree in internal/doc. Both directions are
// synchronous and pure: no I/O, no suspension, best-effort totality.
//
// The persisted format extends GitHub-flavored markdown with two constructs:
// mermaid diagram fences (stored verbatim, never re-parsed as markdown) and
// inline comment-span markers of the form
//
//	<comment-start:ID>spanned text<comment-end:ID>
//
// Marker and fence interiors of ordinary code blocks are protected by the
// grammar itself: markers are only honored where the parser produces them
// as inline autolinks, which can never happen inside code spans or fenced
// code interiors.
package markdown

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"inkdown/api/internal/doc"
)

// DiagramLanguage is the fence tag that marks a fenced block as a diagram.
const DiagramLanguage = "mermaid"

var engine = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		extension.TaskList,
	),
)

// ToDocument parses markdown text into a rich-document tree. The function
// is total: any input produces a document, unparsable constructs degrade to
// literal text runs.
func ToDocument(markdown string) *doc.Document {
	source := []byte(markdown)
	root := engine.Parser().Parse(text.NewReader(source))

	c := &converter{source: source}
	out := &doc.Document{}
	for child := root.FirstChild(); child != nil; child = child.NextSibling() {
		if n := c.block(child); n != nil {
			out.Content = append(out.Content, n)
		}
	}
	return out
}

// converter carries parse state across blocks so a comment span opened in
// one paragraph and closed in a later one still anchors every run between
// the markers.
type converter struct {
	source      []byte
	openAnchors []string
	underline   int
}

func (c *converter) block(n ast.Node) *doc.Node {
	switch b := n.(type) {
	case *ast.Heading:
		return &doc.Node{Type: doc.Heading, Level: b.Level, Content: c.inlines(b)}
	case *ast.Paragraph:
		return &doc.Node{Type: doc.Paragraph, Content: c.inlines(b)}
	case *ast.TextBlock:
		return &doc.Node{Type: doc.Paragraph, Content: c.inlines(b)}
	case *ast.Blockquote:
		return &doc.Node{Type: doc.Blockquote, Content: c.blocks(b)}
	case *ast.List:
		return c.list(b)
	case *ast.FencedCodeBlock:
		lang := string(b.Language(c.source))
		body := c.blockLines(b)
		if lang == DiagramLanguage {
			return &doc.Node{Type: doc.DiagramBlock, Source: strings.TrimSuffix(body, "\n")}
		}
		return codeBlock(lang, body)
	case *ast.CodeBlock:
		return codeBlock("", c.blockLines(b))
	case *ast.ThematicBreak:
		return &doc.Node{Type: doc.HorizontalRule}
	case *ast.HTMLBlock:
		// Raw HTML blocks are preserved as literal paragraph text.
		body := strings.TrimSuffix(c.blockLines(b), "\n")
		return &doc.Node{Type: doc.Paragraph, Content: []*doc.Node{{Type: doc.TextRun, Text: body}}}
	case *east.Table:
		return c.table(b)
	default:
		if n.HasChildren() {
			return &doc.Node{Type: doc.Paragraph, Content: c.inlines(n)}
		}
		return nil
	}
}

func (c *converter) blocks(parent ast.Node) []*doc.Node {
	var out []*doc.Node
	for child := parent.FirstChild(); child != nil; child = child.NextSibling() {
		if n := c.block(child); n != nil {
			out = append(out, n)
		}
	}
	return out
}

func (c *converter) blockLines(n ast.Node) string {
	var buf bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(c.source))
	}
	return buf.String()
}

func codeBlock(lang, body string) *doc.Node {
	n := &doc.Node{Type: doc.CodeBlock, Language: lang}
	if body != "" {
		n.Content = []*doc.Node{{Type: doc.TextRun, Text: strings.TrimSuffix(body, "\n")}}
	}
	return n
}

func (c *converter) list(l *ast.List) *doc.Node {
	n := &doc.Node{Type: doc.BulletList}
	if l.IsOrdered() {
		n.Type = doc.OrderedList
		n.Start = l.Start
	}
	for item := l.FirstChild(); item != nil; item = item.NextSibling() {
		n.Content = append(n.Content, c.listItem(item))
	}
	return n
}

func (c *converter) listItem(item ast.Node) *doc.Node {
	out := &doc.Node{Type: doc.ListItem}
	if checked, ok := taskCheckbox(item); ok {
		out.Type = doc.TaskItem
		out.Checked = checked
	}
	out.Content = c.blocks(item)
	if out.Type == doc.TaskItem {
		trimLeadingSpace(out)
	}
	return out
}

// taskCheckbox detects the GFM task-list checkbox the extension attaches as
// the first inline of the item's first block.
func taskCheckbox(item ast.Node) (bool, bool) {
	first := item.FirstChild()
	if first == nil {
		return false, false
	}
	if cb, ok := first.FirstChild().(*east.TaskCheckBox); ok {
		return cb.IsChecked, true
	}
	return false, false
}

// trimLeadingSpace drops the separator space the checkbox leaves behind at
// the start of a task item's first text run.
func trimLeadingSpace(n *doc.Node) {
	if len(n.Content) == 0 {
		return
	}
	first := n.Content[0]
	if first.Type != doc.Paragraph || len(first.Content) == 0 {
		return
	}
	run := first.Content[0]
	if run.Type == doc.TextRun {
		run.Text = strings.TrimPrefix(run.Text, " ")
	}
}

func (c *converter) table(t *east.Table) *doc.Node {
	out := &doc.Node{Type: doc.Table}
	for row := t.FirstChild(); row != nil; row = row.NextSibling() {
		_, header := row.(*east.TableHeader)
		r := &doc.Node{Type: doc.TableRow}
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			r.Content = append(r.Content, &doc.Node{
				Type:    doc.TableCell,
				Header:  header,
				Content: c.inlines(cell),
			})
		}
		out.Content = append(out.Content, r)
	}
	return out
}

// inlines converts the inline children of a block into merged text runs.
func (c *converter) inlines(parent ast.Node) []*doc.Node {
	var runs []*doc.Node
	c.inlineChildren(parent, nil, &runs)
	return runs
}

func (c *converter) inlineChildren(parent ast.Node, marks []doc.Mark, runs *[]*doc.Node) {
	for child := parent.FirstChild(); child != nil; child = child.NextSibling() {
		c.inline(child, marks, runs)
	}
}

func (c *converter) inline(n ast.Node, marks []doc.Mark, runs *[]*doc.Node) {
	switch i := n.(type) {
	case *ast.Text:
		c.appendRun(runs, string(i.Segment.Value(c.source)), marks)
		if i.HardLineBreak() {
			c.appendRun(runs, "\n", marks)
		} else if i.SoftLineBreak() {
			c.appendRun(runs, " ", marks)
		}
	case *ast.String:
		c.appendRun(runs, string(i.Value), marks)
	case *ast.CodeSpan:
		var buf bytes.Buffer
		for t := i.FirstChild(); t != nil; t = t.NextSibling() {
			if txt, ok := t.(*ast.Text); ok {
				buf.Write(txt.Segment.Value(c.source))
			}
		}
		c.appendRun(runs, buf.String(), append(cloneMarks(marks), doc.Mark{Type: doc.Code}))
	case *ast.Emphasis:
		mt := doc.Italic
		if i.Level >= 2 {
			mt = doc.Bold
		}
		c.inlineChildren(i, append(cloneMarks(marks), doc.Mark{Type: mt}), runs)
	case *east.Strikethrough:
		c.inlineChildren(i, append(cloneMarks(marks), doc.Mark{Type: doc.Strike}), runs)
	case *ast.Link:
		href := string(i.Destination)
		c.inlineChildren(i, append(cloneMarks(marks), doc.Mark{Type: doc.Link, Href: href}), runs)
	case *ast.AutoLink:
		url := string(i.URL(c.source))
		if c.marker(url) {
			return
		}
		c.appendRun(runs, string(i.Label(c.source)), append(cloneMarks(marks), doc.Mark{Type: doc.Link, Href: url}))
	case *ast.Image:
		// Images round-trip as their literal markdown form.
		var buf bytes.Buffer
		for t := i.FirstChild(); t != nil; t = t.NextSibling() {
			if txt, ok := t.(*ast.Text); ok {
				buf.Write(txt.Segment.Value(c.source))
			}
		}
		c.appendRun(runs, "!["+buf.String()+"]("+string(i.Destination)+")", marks)
	case *ast.RawHTML:
		raw := c.rawHTML(i)
		switch strings.ToLower(raw) {
		case "<u>":
			c.underline++
		case "</u>":
			if c.underline > 0 {
				c.underline--
			}
		default:
			c.appendRun(runs, raw, marks)
		}
	case *east.TaskCheckBox:
		// Consumed by listItem; nothing to emit inline.
	default:
		if n.HasChildren() {
			c.inlineChildren(n, marks, runs)
		}
	}
}

func (c *converter) rawHTML(n *ast.RawHTML) string {
	var buf bytes.Buffer
	for i := 0; i < n.Segments.Len(); i++ {
		seg := n.Segments.At(i)
		buf.Write(seg.Value(c.source))
	}
	return buf.String()
}

// marker consumes comment span markers, which the autolink grammar hands us
// as scheme-prefixed URLs. Returns true when the url was a marker.
func (c *converter) marker(url string) bool {
	if id, ok := strings.CutPrefix(url, "comment-start:"); ok {
		c.pushAnchor(UnescapeAnchorID(id))
		return true
	}
	if id, ok := strings.CutPrefix(url, "comment-end:"); ok {
		c.popAnchor(UnescapeAnchorID(id))
		return true
	}
	return false
}

func (c *converter) pushAnchor(id string) {
	for _, open := range c.openAnchors {
		if open == id {
			return
		}
	}
	c.openAnchors = append(c.openAnchors, id)
}

func (c *converter) popAnchor(id string) {
	for i, open := range c.openAnchors {
		if open == id {
			c.openAnchors = append(c.openAnchors[:i], c.openAnchors[i+1:]...)
			return
		}
	}
}

// appendRun emits a text run carrying the formatting marks plus every
// currently open comment anchor, merging with the previous run when the
// mark sets match.
func (c *converter) appendRun(runs *[]*doc.Node, txt string, marks []doc.Mark) {
	if txt == "" {
		return
	}
	full := cloneMarks(marks)
	if c.underline > 0 {
		full = append(full, doc.Mark{Type: doc.Underline})
	}
	for _, id := range c.openAnchors {
		full = append(full, doc.Mark{Type: doc.CommentAnchor, CommentID: id})
	}
	if len(*runs) > 0 {
		last := (*runs)[len(*runs)-1]
		if doc.MarksEqual(last.Marks, full) {
			last.Text += txt
			return
		}
	}
	*runs = append(*runs, &doc.Node{Type: doc.TextRun, Text: txt, Marks: full})
}

func cloneMarks(marks []doc.Mark) []doc.Mark {
	return append([]doc.Mark(nil), marks...)
}
