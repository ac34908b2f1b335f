// Package app wires the document engine together: editor sessions own a
// markdown text, its rich-document view, the comment store and the diagram
// renderer, and keep the two document forms synchronized.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"inkdown/api/internal/comments"
	"inkdown/api/internal/config"
	"inkdown/api/internal/diagram"
	"inkdown/api/internal/doc"
	"inkdown/api/internal/embed"
	"inkdown/api/internal/history"
	"inkdown/api/internal/markdown"
	"inkdown/api/internal/mention"
	"inkdown/api/internal/storage"
	"inkdown/api/internal/util"
)

// IdentityResolver maps a bearer token to the author it belongs to. A nil
// author means the token is unknown and the caller works anonymously.
type IdentityResolver interface {
	SaveSession(ctx context.Context, token string, author comments.Author, ttl time.Duration) error
	CurrentAuthor(ctx context.Context, token string) (*comments.Author, error)
	ClearSession(ctx context.Context, token string) error
}

// Service is the application root. It opens editor sessions over stored
// documents and offers the stateless conversion operations directly.
type Service struct {
	cfg       config.Config
	files     storage.Store
	history   *history.Service
	identity  IdentityResolver
	directory mention.Directory
	engine    diagram.Engine

	mu       sync.Mutex
	sessions map[string]*EditorSession
}

func New(cfg config.Config, files storage.Store, hist *history.Service, identity IdentityResolver, directory mention.Directory, engine diagram.Engine) *Service {
	return &Service{
		cfg:       cfg,
		files:     files,
		history:   hist,
		identity:  identity,
		directory: directory,
		engine:    engine,
		sessions:  map[string]*EditorSession{},
	}
}

// ConvertToDocument parses markdown into the rich-document tree.
func (s *Service) ConvertToDocument(text string) *doc.Document {
	return markdown.ToDocument(text)
}

// ConvertToMarkdown serializes the rich-document tree back to markdown.
func (s *Service) ConvertToMarkdown(d *doc.Document) string {
	return markdown.ToMarkdown(d)
}

// ExtractComments splits a stored file into document body and comment
// records.
func (s *Service) ExtractComments(text string) (string, []*comments.Comment) {
	return embed.Extract(text)
}

// EmbedComments appends the comment block to the document body.
func (s *Service) EmbedComments(body string, list []*comments.Comment) string {
	return embed.Embed(body, list)
}

// Login stores the author identity and returns the bearer token for it.
func (s *Service) Login(ctx context.Context, author comments.Author) (string, error) {
	if s.identity == nil {
		return "", domainError(http.StatusServiceUnavailable, "IDENTITY_DISABLED", "Identity store is not configured", nil)
	}
	if strings.TrimSpace(author.Name) == "" {
		return "", domainError(http.StatusBadRequest, "INVALID_AUTHOR", "Author name is required", nil)
	}
	if author.ID == "" {
		author.ID = util.NewID("person")
	}
	token, err := randomToken()
	if err != nil {
		return "", err
	}
	if err := s.identity.SaveSession(ctx, token, author, s.cfg.SessionTTL); err != nil {
		return "", fmt.Errorf("save identity: %w", err)
	}
	if indexer, ok := s.directory.(*mention.MeiliDirectory); ok && indexer != nil {
		if err := indexer.IndexPerson(author); err != nil {
			log.Printf("index person %s: %v", author.ID, err)
		}
	}
	return token, nil
}

// Logout drops the identity behind the token.
func (s *Service) Logout(ctx context.Context, token string) error {
	if s.identity == nil || token == "" {
		return nil
	}
	return s.identity.ClearSession(ctx, token)
}

// AuthorFromToken resolves the caller identity, falling back to anonymous.
func (s *Service) AuthorFromToken(ctx context.Context, token string) comments.Author {
	if s.identity == nil || token == "" {
		return comments.Anonymous
	}
	author, err := s.identity.CurrentAuthor(ctx, token)
	if err != nil {
		log.Printf("resolve identity: %v", err)
		return comments.Anonymous
	}
	if author == nil {
		return comments.Anonymous
	}
	return *author
}

// Open loads the document at path and builds an editor session around it.
// A missing file opens as a new empty document.
func (s *Service) Open(ctx context.Context, path, token string) (*EditorSession, error) {
	author := s.AuthorFromToken(ctx, token)

	content, err := s.files.Read(path)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		content = ""
	case errors.Is(err, storage.ErrBinary):
		return nil, domainError(http.StatusUnprocessableEntity, "BINARY_FILE", "File is not valid UTF-8 text", nil)
	case errors.Is(err, storage.ErrEmptyPath):
		return nil, domainError(http.StatusBadRequest, "INVALID_PATH", "Document path is required", nil)
	case err != nil:
		return nil, fmt.Errorf("read document: %w", err)
	}

	es := newEditorSession(path, author, content, s)

	s.mu.Lock()
	s.sessions[es.ID] = es
	s.mu.Unlock()
	return es, nil
}

// Session returns an open editor session by id.
func (s *Service) Session(id string) (*EditorSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	es, ok := s.sessions[id]
	if !ok {
		return nil, domainError(http.StatusNotFound, "SESSION_NOT_FOUND", "Editor session not found", nil)
	}
	return es, nil
}

// CloseSession tears the session down and releases its render queue.
func (s *Service) CloseSession(id string) {
	s.mu.Lock()
	es, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		es.close()
	}
}

// Shutdown closes every open session.
func (s *Service) Shutdown() {
	s.mu.Lock()
	open := make([]*EditorSession, 0, len(s.sessions))
	for _, es := range s.sessions {
		open = append(open, es)
	}
	s.sessions = map[string]*EditorSession{}
	s.mu.Unlock()
	for _, es := range open {
		es.close()
	}
}

// Ping reports backend health for the readiness probe.
func (s *Service) Ping(ctx context.Context) error {
	type pinger interface {
		Ping(ctx context.Context) error
	}
	if p, ok := s.identity.(pinger); ok && p != nil {
		return p.Ping(ctx)
	}
	return nil
}

func randomToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
