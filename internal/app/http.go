package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"inkdown/api/internal/comments"
	"inkdown/api/internal/doc"
	"inkdown/api/internal/export"
	"inkdown/api/internal/history"
	"inkdown/api/internal/mention"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.service.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/identity/login" {
		var body comments.Author
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		token, err := s.service.Login(r.Context(), body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"token": token})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/identity/logout" {
		if err := s.service.Logout(r.Context(), bearerToken(r)); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/identity" {
		author := s.service.AuthorFromToken(r.Context(), bearerToken(r))
		writeJSON(w, http.StatusOK, map[string]any{
			"author":    author,
			"anonymous": author.IsAnonymous(),
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/convert/document" {
		var body struct {
			Markdown string `json:"markdown"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"document": s.service.ConvertToDocument(body.Markdown),
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/convert/markdown" {
		var body struct {
			Document *doc.Document `json:"document"`
		}
		if err := decodeBody(r, &body); err != nil || body.Document == nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "Document is required", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"markdown": s.service.ConvertToMarkdown(body.Document),
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/comments/extract" {
		var body struct {
			Markdown string `json:"markdown"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		docBody, list := s.service.ExtractComments(body.Markdown)
		writeJSON(w, http.StatusOK, map[string]any{"body": docBody, "comments": list})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/comments/embed" {
		var body struct {
			Body     string              `json:"body"`
			Comments []*comments.Comment `json:"comments"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"markdown": s.service.EmbedComments(body.Body, body.Comments),
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/sessions" {
		var body struct {
			Path string `json:"path"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		es, err := s.service.Open(r.Context(), body.Path, bearerToken(r))
		if err != nil {
			s.fail(w, err)
			return
		}
		s.writeSessionSnapshot(w, http.StatusCreated, es)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "sessions" {
		s.handleSession(w, r, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

// handleSession routes /api/sessions/{id}/... ; parts starts at the id.
func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request, parts []string) {
	es, err := s.service.Session(parts[0])
	if err != nil {
		s.fail(w, err)
		return
	}
	rest := parts[1:]

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			s.writeSessionSnapshot(w, http.StatusOK, es)
		case http.MethodDelete:
			s.service.CloseSession(es.ID)
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	switch rest[0] {
	case "markdown":
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{"markdown": es.Markdown()})
		case http.MethodPut:
			var body struct {
				Markdown string `json:"markdown"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			es.SetMarkdown(body.Markdown)
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return

	case "document":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		payload, err := es.DocumentJSON()
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document": payload})
		return

	case "events":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		events := es.Events()
		if events == nil {
			events = []Event{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
		return

	case "save":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body struct {
			Message string `json:"message"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		snapshot, err := es.Save(body.Message)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"snapshot": snapshot})
		return

	case "history":
		s.handleHistory(w, r, es, rest[1:])
		return

	case "comments":
		s.handleComments(w, r, es, rest[1:])
		return

	case "format":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body struct {
			Range  doc.Range `json:"range"`
			Mark   string    `json:"mark"`
			Href   string    `json:"href"`
			Enable *bool     `json:"enable"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		enable := true
		if body.Enable != nil {
			enable = *body.Enable
		}
		if err := es.Format(body.Range, body.Mark, body.Href, enable); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"markdown": es.Markdown()})
		return

	case "mentions":
		s.handleMentions(w, r, es, rest[1:])
		return

	case "diagrams":
		s.handleDiagrams(w, r, es, rest[1:])
		return

	case "export":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		format := export.Format(r.URL.Query().Get("format"))
		includeComments := r.URL.Query().Get("comments") == "true"
		result, err := es.Export(format, includeComments)
		if err != nil {
			s.fail(w, err)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.Header().Set("Content-Type", result.MimeType)
		w.Write(result.Data)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, es *EditorSession, rest []string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	if len(rest) == 1 {
		content, err := es.HistoryContent(rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"content": content})
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	items, err := es.History(limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": items})
}

func (s *HTTPServer) handleComments(w http.ResponseWriter, r *http.Request, es *EditorSession, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			showResolved := r.URL.Query().Get("showResolved") == "true"
			writeJSON(w, http.StatusOK, map[string]any{"comments": es.Comments(showResolved)})
		case http.MethodPost:
			var body struct {
				Range    doc.Range         `json:"range"`
				Text     string            `json:"text"`
				Mentions []comments.Author `json:"mentions"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			c, err := es.CreateComment(body.Range, body.Text, body.Mentions)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"comment": c})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	commentID := rest[0]
	if len(rest) == 1 {
		switch r.Method {
		case http.MethodPut:
			var body struct {
				Text     *string            `json:"text"`
				Mentions *[]comments.Author `json:"mentions"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			c, err := es.UpdateComment(commentID, body.Text, body.Mentions)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"comment": c})
		case http.MethodDelete:
			if err := es.DeleteComment(commentID); err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(rest) == 2 && r.Method == http.MethodPost {
		var (
			c   *comments.Comment
			err error
		)
		switch rest[1] {
		case "resolve":
			c, err = es.ResolveComment(commentID)
		case "unresolve":
			c, err = es.UnresolveComment(commentID)
		case "replies":
			var body struct {
				Text     string            `json:"text"`
				Mentions []comments.Author `json:"mentions"`
			}
			if decodeErr := decodeBody(r, &body); decodeErr != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", decodeErr.Error(), nil)
				return
			}
			c, err = es.AddReply(commentID, body.Text, body.Mentions)
		case "assign":
			var body struct {
				Assignee comments.Author `json:"assignee"`
				DueDate  *time.Time      `json:"dueDate"`
			}
			if decodeErr := decodeBody(r, &body); decodeErr != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", decodeErr.Error(), nil)
				return
			}
			c, err = es.AssignTask(commentID, body.Assignee, body.DueDate)
		case "complete":
			c, err = es.SetTaskCompleted(commentID, true)
		case "uncomplete":
			c, err = es.SetTaskCompleted(commentID, false)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
			return
		}
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"comment": c})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleMentions(w http.ResponseWriter, r *http.Request, es *EditorSession, rest []string) {
	if len(rest) == 0 && r.Method == http.MethodGet {
		candidates := es.ResolveMentions(r.URL.Query().Get("q"))
		if candidates == nil {
			candidates = []mention.Candidate{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"candidates": candidates})
		return
	}

	if len(rest) == 1 && rest[0] == "search" && r.Method == http.MethodPost {
		var body struct {
			Query string `json:"query"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		candidates := es.SearchMentionsWider(ctx, body.Query)
		if candidates == nil {
			candidates = []mention.Candidate{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"candidates": candidates})
		return
	}

	if len(rest) == 1 && rest[0] == "select" && r.Method == http.MethodPost {
		var body struct {
			Candidate mention.Candidate `json:"candidate"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		author := es.SelectMention(body.Candidate)
		writeJSON(w, http.StatusOK, map[string]any{"author": author})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleDiagrams(w http.ResponseWriter, r *http.Request, es *EditorSession, rest []string) {
	if len(rest) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		blocks := es.Diagrams()
		out := make([]map[string]any, 0, len(blocks))
		for _, b := range blocks {
			out = append(out, map[string]any{
				"id":     b.ID,
				"source": b.Source,
				"state":  b.State,
				"svg":    b.SVG,
				"error":  b.Err,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"diagrams": out})
		return
	}

	blockID := rest[0]
	if len(rest) == 2 && r.Method == http.MethodPost {
		switch rest[1] {
		case "render":
			if err := es.RenderDiagram(blockID); err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
			return
		case "edit":
			if err := es.EditDiagram(blockID); err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		case "source":
			var body struct {
				Source string `json:"source"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := es.SetDiagramSource(blockID, body.Source); err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) writeSessionSnapshot(w http.ResponseWriter, status int, es *EditorSession) {
	payload, err := es.DocumentJSON()
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, status, map[string]any{
		"sessionId": es.ID,
		"path":      es.Path,
		"markdown":  es.Markdown(),
		"document":  payload,
		"comments":  es.Comments(true),
	})
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, comments.ErrNotFound):
		return http.StatusNotFound, "COMMENT_NOT_FOUND", "Comment not found", nil
	case errors.Is(err, comments.ErrAlreadyExists):
		return http.StatusConflict, "COMMENT_EXISTS", "Comment already exists", nil
	case errors.Is(err, comments.ErrReplyText), errors.Is(err, comments.ErrNoAssignee):
		return http.StatusBadRequest, "INVALID_COMMENT", err.Error(), nil
	case errors.Is(err, history.ErrNoHistory):
		return http.StatusNotFound, "NO_HISTORY", "Document has no snapshots", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", "Unsupported export format", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF rendering is not available", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
