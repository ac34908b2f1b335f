// Package export renders a rich document to standalone HTML for preview
// and to PDF for sharing. Comment anchors become highlighted spans and an
// optional appendix lists the discussion itself.
package export

import (
	"fmt"
	"html"
	"strings"

	"inkdown/api/internal/doc"
)

// DiagramResolver supplies sanitized SVG for a diagram source, when one has
// been rendered. Unresolved diagrams fall back to their source text.
type DiagramResolver interface {
	SVGFor(source string) (string, bool)
}

// DocumentHTML converts the rich-document tree to an HTML fragment.
// diagrams may be nil.
func DocumentHTML(d *doc.Document, diagrams DiagramResolver) string {
	if d == nil {
		return ""
	}
	var b strings.Builder
	for _, n := range d.Content {
		b.WriteString(nodeHTML(n, diagrams))
	}
	return b.String()
}

func nodeHTML(n *doc.Node, diagrams DiagramResolver) string {
	switch n.Type {
	case doc.Paragraph:
		return "<p>" + childrenHTML(n, diagrams) + "</p>\n"
	case doc.Heading:
		level := n.Level
		if level < 1 || level > 6 {
			level = 1
		}
		return fmt.Sprintf("<h%d>%s</h%d>\n", level, childrenHTML(n, diagrams), level)
	case doc.BulletList:
		return "<ul>\n" + childrenHTML(n, diagrams) + "</ul>\n"
	case doc.OrderedList:
		return "<ol>\n" + childrenHTML(n, diagrams) + "</ol>\n"
	case doc.ListItem:
		return "<li>" + childrenHTML(n, diagrams) + "</li>\n"
	case doc.TaskItem:
		checked := ""
		if n.Checked {
			checked = " checked"
		}
		return "<li class=\"task\"><input type=\"checkbox\" disabled" + checked + "> " +
			childrenHTML(n, diagrams) + "</li>\n"
	case doc.Blockquote:
		return "<blockquote>\n" + childrenHTML(n, diagrams) + "</blockquote>\n"
	case doc.CodeBlock:
		var body strings.Builder
		for _, c := range n.Content {
			if c.Type == doc.TextRun {
				body.WriteString(c.Text)
			}
		}
		return "<pre><code>" + html.EscapeString(body.String()) + "</code></pre>\n"
	case doc.DiagramBlock:
		if diagrams != nil {
			if svg, ok := diagrams.SVGFor(n.Source); ok {
				return "<figure class=\"diagram\">" + svg + "</figure>\n"
			}
		}
		return "<pre class=\"diagram-source\">" + html.EscapeString(n.Source) + "</pre>\n"
	case doc.Table:
		return "<table>\n" + childrenHTML(n, diagrams) + "</table>\n"
	case doc.TableRow:
		return "<tr>\n" + childrenHTML(n, diagrams) + "</tr>\n"
	case doc.TableCell:
		if n.Header {
			return "<th>" + childrenHTML(n, diagrams) + "</th>\n"
		}
		return "<td>" + childrenHTML(n, diagrams) + "</td>\n"
	case doc.HorizontalRule:
		return "<hr>\n"
	case doc.TextRun:
		return textHTML(n)
	default:
		return childrenHTML(n, diagrams)
	}
}

func childrenHTML(n *doc.Node, diagrams DiagramResolver) string {
	var b strings.Builder
	for _, c := range n.Content {
		b.WriteString(nodeHTML(c, diagrams))
	}
	return b.String()
}

func textHTML(n *doc.Node) string {
	out := html.EscapeString(n.Text)
	out = strings.ReplaceAll(out, "\n", "<br>")

	// Marks apply innermost-first so anchors end up outermost.
	for i := len(n.Marks) - 1; i >= 0; i-- {
		m := n.Marks[i]
		switch m.Type {
		case doc.Bold:
			out = "<strong>" + out + "</strong>"
		case doc.Italic:
			out = "<em>" + out + "</em>"
		case doc.Underline:
			out = "<u>" + out + "</u>"
		case doc.Strike:
			out = "<s>" + out + "</s>"
		case doc.Code:
			out = "<code>" + out + "</code>"
		case doc.Link:
			out = "<a href=\"" + html.EscapeString(m.Href) + "\">" + out + "</a>"
		case doc.CommentAnchor:
			class := "comment-anchor"
			if m.Resolved {
				class += " resolved"
			}
			out = "<mark class=\"" + class + "\" data-comment-id=\"" +
				html.EscapeString(m.CommentID) + "\">" + out + "</mark>"
		}
	}
	return out
}
