package doc

import "errors"

var (
	ErrBadPath  = errors.New("doc: path does not address a block")
	ErrBadRange = errors.New("doc: range out of bounds")
)

// Range addresses a span of inline content: Path walks Content indexes
// down to the block owning the runs, Start and End are byte offsets into
// the concatenation of that block's run text.
type Range struct {
	Path  []int `json:"path"`
	Start int   `json:"start"`
	End   int   `json:"end"`
}

// AddAnchor attaches a comment-anchor mark for commentID to the selected
// span, splitting runs at the span edges. Returns the text now covered by
// the anchor, which callers snapshot as the comment's quoted text.
func (d *Document) AddAnchor(commentID string, r Range) (string, error) {
	return d.applyToRange(r, Mark{Type: CommentAnchor, CommentID: commentID}, true)
}

// FormatRange toggles a formatting mark over the selected span.
func (d *Document) FormatRange(m Mark, r Range, enable bool) error {
	_, err := d.applyToRange(r, m, enable)
	return err
}

func (d *Document) applyToRange(r Range, m Mark, enable bool) (string, error) {
	block, err := d.resolvePath(r.Path)
	if err != nil {
		return "", err
	}
	total := 0
	for _, run := range block.Content {
		if run.Type == TextRun {
			total += len(run.Text)
		}
	}
	if r.Start < 0 || r.End < r.Start || r.End > total {
		return "", ErrBadRange
	}

	var out []*Node
	var covered string
	offset := 0
	for _, run := range block.Content {
		if run.Type != TextRun {
			out = append(out, run)
			continue
		}
		runStart, runEnd := offset, offset+len(run.Text)
		offset = runEnd

		overlapStart := max(r.Start, runStart)
		overlapEnd := min(r.End, runEnd)
		if overlapStart >= overlapEnd {
			out = append(out, run)
			continue
		}

		before := run.Text[:overlapStart-runStart]
		inside := run.Text[overlapStart-runStart : overlapEnd-runStart]
		after := run.Text[overlapEnd-runStart:]

		if before != "" {
			out = append(out, &Node{Type: TextRun, Text: before, Marks: cloneMarkSet(run.Marks)})
		}
		covered += inside
		out = append(out, &Node{Type: TextRun, Text: inside, Marks: toggleMark(run.Marks, m, enable)})
		if after != "" {
			out = append(out, &Node{Type: TextRun, Text: after, Marks: cloneMarkSet(run.Marks)})
		}
	}
	block.Content = mergeRuns(out)
	return covered, nil
}

func (d *Document) resolvePath(path []int) (*Node, error) {
	if len(path) == 0 {
		return nil, ErrBadPath
	}
	nodes := d.Content
	var current *Node
	for _, idx := range path {
		if idx < 0 || idx >= len(nodes) {
			return nil, ErrBadPath
		}
		current = nodes[idx]
		nodes = current.Content
	}
	if current == nil {
		return nil, ErrBadPath
	}
	for _, c := range current.Content {
		if c.Type != TextRun {
			return nil, ErrBadPath
		}
	}
	return current, nil
}

func toggleMark(marks []Mark, m Mark, enable bool) []Mark {
	out := make([]Mark, 0, len(marks)+1)
	for _, existing := range marks {
		if sameMarkSlot(existing, m) {
			continue
		}
		out = append(out, existing)
	}
	if enable {
		out = append(out, m)
	}
	return out
}

// sameMarkSlot treats anchor marks for different comments as distinct
// slots: two comments may cover the same span and stay independently
// resolvable.
func sameMarkSlot(a, b Mark) bool {
	if a.Type != b.Type {
		return false
	}
	if a.Type == CommentAnchor {
		return a.CommentID == b.CommentID
	}
	return true
}

func cloneMarkSet(marks []Mark) []Mark {
	if len(marks) == 0 {
		return nil
	}
	return append([]Mark(nil), marks...)
}

func mergeRuns(runs []*Node) []*Node {
	var out []*Node
	for _, run := range runs {
		if run.Type == TextRun && run.Text == "" {
			continue
		}
		if len(out) > 0 {
			last := out[len(out)-1]
			if last.Type == TextRun && run.Type == TextRun && MarksEqual(last.Marks, run.Marks) {
				last.Text += run.Text
				continue
			}
		}
		out = append(out, run)
	}
	return out
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
