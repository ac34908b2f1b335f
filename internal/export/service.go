package export

import (
	"bytes"
	"errors"
	"html/template"
	"time"

	"inkdown/api/internal/comments"
	"inkdown/api/internal/doc"
)

// Format selects the export output.
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// Result is the produced artifact.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnsupportedFormat    = errors.New("export: unsupported format")
	ErrPDFDependencyMissing = errors.New("export: pdf dependency missing")
)

// Request describes one export.
type Request struct {
	Title           string
	Document        *doc.Document
	Comments        []*comments.Comment
	IncludeComments bool
	Format          Format
	Diagrams        DiagramResolver
}

// Export renders the document and produces the requested artifact.
func Export(req Request) (*Result, error) {
	data := pageData{
		Title:       req.Title,
		ContentHTML: template.HTML(DocumentHTML(req.Document, req.Diagrams)),
		Generated:   time.Now(),
	}
	if req.IncludeComments {
		for _, c := range req.Comments {
			data.Comments = append(data.Comments, pageComment(c))
		}
	}

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return nil, err
	}

	switch req.Format {
	case FormatHTML, "":
		return &Result{
			Data:     buf.Bytes(),
			Filename: safeFilename(req.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return exportPDF(buf.String(), req.Title)
	default:
		return nil, ErrUnsupportedFormat
	}
}

type pageData struct {
	Title       string
	ContentHTML template.HTML
	Generated   time.Time
	Comments    []commentData
}

type commentData struct {
	Author     string
	Text       string
	QuotedText string
	Resolved   bool
	Replies    []replyData
}

type replyData struct {
	Author string
	Text   string
}

func pageComment(c *comments.Comment) commentData {
	out := commentData{
		Author:     c.Author.Name,
		Text:       c.Text,
		QuotedText: c.QuotedText,
		Resolved:   c.Resolved,
	}
	for _, r := range c.Replies {
		out.Replies = append(out.Replies, replyData{Author: r.Author.Name, Text: r.Text})
	}
	return out
}

var pageTemplate = template.Must(template.New("document").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.6; max-width: 760px; margin: 2rem auto; color: #222; }
    h1.doc-title { border-bottom: 2px solid #222; padding-bottom: 0.5rem; }
    pre { background: #f6f6f6; padding: 0.75rem; overflow-x: auto; }
    mark.comment-anchor { background: #fff3bf; }
    mark.comment-anchor.resolved { background: #e6f4ea; }
    figure.diagram { margin: 1rem 0; }
    .comment { background: #f5f5f5; padding: 1rem; margin: 1rem 0; border-left: 3px solid #555; }
    .comment .quoted { color: #666; font-style: italic; }
    .comment .reply { margin-left: 1.5rem; margin-top: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
  </style>
</head>
<body>
  <h1 class="doc-title">{{.Title}}</h1>
  <div class="meta">Exported {{.Generated.Format "Jan 2, 2006 15:04"}}</div>
  <div class="content">{{.ContentHTML}}</div>
  {{if .Comments}}
  <h2>Comments</h2>
  {{range .Comments}}
  <div class="comment">
    {{if .QuotedText}}<div class="quoted">&ldquo;{{.QuotedText}}&rdquo;</div>{{end}}
    <div><strong>{{.Author}}</strong>{{if .Resolved}} (resolved){{end}}: {{.Text}}</div>
    {{range .Replies}}<div class="reply"><strong>{{.Author}}</strong>: {{.Text}}</div>{{end}}
  </div>
  {{end}}
  {{end}}
</body>
</html>`))

func safeFilename(title string) string {
	result := ""
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			result += string(r)
		case r == ' ':
			result += "-"
		case r == '-', r == '_':
			result += string(r)
		}
	}
	if len(result) > 50 {
		result = result[:50]
	}
	if result == "" {
		result = "document"
	}
	return result
}
