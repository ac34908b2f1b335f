package markdown

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"inkdown/api/internal/doc"
)

// ToMarkdown serializes a rich-document tree back into markdown text.
// Default rules cover the GFM constructs; comment-anchor spans, diagram
// blocks and task items get custom encodings so that
// ToDocument(ToMarkdown(d)) reproduces d structurally.
func ToMarkdown(d *doc.Document) string {
	if d == nil || len(d.Content) == 0 {
		return ""
	}
	blocks := make([]string, 0, len(d.Content))
	for _, n := range d.Content {
		blocks = append(blocks, blockMarkdown(n))
	}
	return strings.Join(blocks, "\n\n") + "\n"
}

func blockMarkdown(n *doc.Node) string {
	switch n.Type {
	case doc.Heading:
		level := n.Level
		if level < 1 {
			level = 1
		}
		if level > 6 {
			level = 6
		}
		return strings.Repeat("#", level) + " " + inlineMarkdown(n.Content, false)
	case doc.Paragraph:
		return guardLineStarts(inlineMarkdown(n.Content, false))
	case doc.Blockquote:
		return prefixLines(joinBlocks(n.Content), "> ")
	case doc.BulletList, doc.OrderedList:
		return listMarkdown(n)
	case doc.CodeBlock:
		return fencedBlock(n.Language, blockText(n))
	case doc.DiagramBlock:
		return fencedBlock(DiagramLanguage, n.Source)
	case doc.Table:
		return tableMarkdown(n)
	case doc.HorizontalRule:
		return "---"
	case doc.ListItem, doc.TaskItem:
		// A bare item outside a list still serializes as a one-item list.
		return listMarkdown(&doc.Node{Type: doc.BulletList, Content: []*doc.Node{n}})
	case doc.TextRun:
		return guardLineStarts(inlineMarkdown([]*doc.Node{n}, false))
	default:
		return guardLineStarts(inlineMarkdown(n.Content, false))
	}
}

func joinBlocks(nodes []*doc.Node) string {
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		parts = append(parts, blockMarkdown(n))
	}
	return strings.Join(parts, "\n\n")
}

func blockText(n *doc.Node) string {
	var b strings.Builder
	for _, c := range n.Content {
		if c.Type == doc.TextRun {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// fencedBlock emits a fenced code block whose fence is longer than any
// backtick run in the body, so body content can never terminate the fence.
func fencedBlock(lang, body string) string {
	fenceLen := 3
	if runLen := longestBacktickRun(body); runLen >= fenceLen {
		fenceLen = runLen + 1
	}
	fence := strings.Repeat("`", fenceLen)
	var b strings.Builder
	b.WriteString(fence)
	b.WriteString(lang)
	b.WriteString("\n")
	if body != "" {
		b.WriteString(body)
		if !strings.HasSuffix(body, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString(fence)
	return b.String()
}

func longestBacktickRun(s string) int {
	longest, run := 0, 0
	for i := 0; i < len(s); i++ {
		if s[i] == '`' {
			run++
			if run > longest {
				longest = run
			}
		} else {
			run = 0
		}
	}
	return longest
}

func listMarkdown(list *doc.Node) string {
	var items []string
	num := list.Start
	if num < 1 {
		num = 1
	}
	for _, item := range list.Content {
		marker := "- "
		if list.Type == doc.OrderedList {
			marker = fmt.Sprintf("%d. ", num)
			num++
		}
		if item.Type == doc.TaskItem {
			if item.Checked {
				marker += "[x] "
			} else {
				marker += "[ ] "
			}
		}
		body := joinBlocks(item.Content)
		indent := strings.Repeat(" ", len(marker))
		lines := strings.Split(body, "\n")
		for i := 1; i < len(lines); i++ {
			if lines[i] != "" {
				lines[i] = indent + lines[i]
			}
		}
		items = append(items, marker+strings.Join(lines, "\n"))
	}
	return strings.Join(items, "\n")
}

func prefixLines(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if line == "" {
			lines[i] = strings.TrimRight(prefix, " ")
		} else {
			lines[i] = prefix + line
		}
	}
	return strings.Join(lines, "\n")
}

func tableMarkdown(t *doc.Node) string {
	var rows []string
	cols := 0
	for _, row := range t.Content {
		if len(row.Content) > cols {
			cols = len(row.Content)
		}
	}
	if cols == 0 {
		return ""
	}
	headerDone := false
	for _, row := range t.Content {
		cells := make([]string, cols)
		for i := range cells {
			if i < len(row.Content) {
				cells[i] = inlineMarkdown(row.Content[i].Content, true)
			}
		}
		rows = append(rows, "| "+strings.Join(cells, " | ")+" |")
		if !headerDone {
			seps := make([]string, cols)
			for i := range seps {
				seps[i] = "---"
			}
			rows = append(rows, "| "+strings.Join(seps, " | ")+" |")
			headerDone = true
		}
	}
	return strings.Join(rows, "\n")
}

// Inline serialization tracks open mark delimiters as a stack so shared
// marks stay open across adjacent runs and delimiters always nest.

var markRank = map[doc.MarkType]int{
	doc.CommentAnchor: 0,
	doc.Link:          1,
	doc.Underline:     2,
	doc.Strike:        3,
	doc.Bold:          4,
	doc.Italic:        5,
}

func inlineMarkdown(runs []*doc.Node, inTable bool) string {
	var b strings.Builder
	var stack []doc.Mark
	for _, run := range runs {
		if run == nil || run.Type != doc.TextRun || run.Text == "" {
			continue
		}
		want, hasCode := sortedMarks(run.Marks)

		// Bare autolink shorthand when the run is exactly a link to itself.
		if len(stack) == 0 && len(want) == 1 && !hasCode &&
			want[0].Type == doc.Link && want[0].Href == run.Text && hasURLScheme(run.Text) {
			b.WriteString("<" + run.Text + ">")
			continue
		}

		shared := 0
		for shared < len(stack) && shared < len(want) && stack[shared] == want[shared] {
			shared++
		}
		for i := len(stack) - 1; i >= shared; i-- {
			b.WriteString(closeMark(stack[i]))
		}
		stack = stack[:shared]
		for _, m := range want[shared:] {
			b.WriteString(openMark(m))
			stack = append(stack, m)
		}

		if hasCode {
			b.WriteString(codeSpan(run.Text))
		} else {
			b.WriteString(escapeInline(run.Text, inTable))
		}
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteString(closeMark(stack[i]))
	}
	return b.String()
}

// sortedMarks returns the run's marks in canonical nesting order (anchors
// outermost) with the code mark split out, since code spans are atomic.
func sortedMarks(marks []doc.Mark) ([]doc.Mark, bool) {
	out := make([]doc.Mark, 0, len(marks))
	hasCode := false
	for _, m := range marks {
		if m.Type == doc.Code {
			hasCode = true
			continue
		}
		m.Resolved = false // display state, never serialized
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := markRank[out[i].Type], markRank[out[j].Type]
		if ri != rj {
			return ri < rj
		}
		return out[i].CommentID < out[j].CommentID
	})
	return out, hasCode
}

func openMark(m doc.Mark) string {
	switch m.Type {
	case doc.Bold:
		return "**"
	case doc.Italic:
		return "*"
	case doc.Strike:
		return "~~"
	case doc.Underline:
		return "<u>"
	case doc.Link:
		return "["
	case doc.CommentAnchor:
		return commentStartMarker(m.CommentID)
	}
	return ""
}

func closeMark(m doc.Mark) string {
	switch m.Type {
	case doc.Bold:
		return "**"
	case doc.Italic:
		return "*"
	case doc.Strike:
		return "~~"
	case doc.Underline:
		return "</u>"
	case doc.Link:
		return "](" + escapeDestination(m.Href) + ")"
	case doc.CommentAnchor:
		return commentEndMarker(m.CommentID)
	}
	return ""
}

func codeSpan(text string) string {
	ticks := strings.Repeat("`", longestBacktickRun(text)+1)
	if strings.HasPrefix(text, "`") || strings.HasSuffix(text, "`") {
		return ticks + " " + text + " " + ticks
	}
	return ticks + text + ticks
}

// escapeInline backslash-escapes every character that could open markup or
// terminate a surrounding container, including the angle brackets that
// delimit comment span markers.
func escapeInline(s string, inTable bool) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\', '`', '*', '_', '~', '[', ']', '<', '>', '#':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '|':
			if inTable {
				b.WriteString("\\|")
			} else {
				b.WriteRune('|')
			}
		case '\n':
			if inTable {
				b.WriteRune(' ')
			} else {
				b.WriteString("\\\n")
			}
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func escapeDestination(href string) string {
	r := strings.NewReplacer(" ", "%20", "(", "%28", ")", "%29", "\n", "%0A", "<", "%3C", ">", "%3E")
	return r.Replace(href)
}

func hasURLScheme(s string) bool {
	i := strings.Index(s, "://")
	if i <= 0 {
		return false
	}
	for _, r := range s[:i] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return false
		}
	}
	return !strings.ContainsAny(s, " <>\n")
}

var lineStartHazard = regexp.MustCompile(`^(\d+)([.)])`)

// guardLineStarts escapes characters that would turn a paragraph line into
// a different block construct on reparse (lists, hr markers, setext
// underlines). Inline markup emitted by the serializer never begins with
// these characters, so a hazardous first character is always literal text.
func guardLineStarts(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if line == "" {
			continue
		}
		switch line[0] {
		case '-', '+', '=':
			lines[i] = "\\" + line
			continue
		}
		if m := lineStartHazard.FindStringSubmatch(line); m != nil {
			lines[i] = m[1] + "\\" + m[2] + line[len(m[0]):]
		}
	}
	return strings.Join(lines, "\n")
}
