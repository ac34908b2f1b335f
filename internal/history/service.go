// Package history keeps a per-document snapshot trail: every successful
// save commits the markdown file into a local git repository. Comments
// travel inside the file, so snapshots capture them without extra
// bookkeeping.
package history

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const documentFile = "document.md"

var ErrNoHistory = errors.New("history: document has no snapshots")

// Snapshot describes one recorded save.
type Snapshot struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	Author  string    `json:"author"`
	When    time.Time `json:"when"`
}

// Service owns the snapshot repositories, one per document id.
type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   map[string]*sync.Mutex{},
	}
}

// Record commits the current markdown as a new snapshot, initializing the
// repository on first save.
func (s *Service) Record(documentID, markdown, author, message string) (Snapshot, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(documentID)
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = s.initRepo(path)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("open snapshot repo: %w", err)
	}

	if err := os.WriteFile(filepath.Join(path, documentFile), []byte(markdown), 0o644); err != nil {
		return Snapshot{}, fmt.Errorf("write snapshot file: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Snapshot{}, fmt.Errorf("open worktree: %w", err)
	}
	if _, err := worktree.Add(documentFile); err != nil {
		return Snapshot{}, fmt.Errorf("stage snapshot: %w", err)
	}
	if message == "" {
		message = "Save document"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(author),
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("commit snapshot: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read commit object: %w", err)
	}
	return toSnapshot(commitObj), nil
}

// List returns snapshots newest first, up to limit (0 means all).
func (s *Service) List(documentID string, limit int) ([]Snapshot, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("open snapshot repo: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, ErrNoHistory
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	var items []Snapshot
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toSnapshot(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Content returns the markdown recorded in the given snapshot. An empty
// hash means the latest snapshot.
func (s *Service) Content(documentID, hash string) (string, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return "", ErrNoHistory
	}
	if err != nil {
		return "", fmt.Errorf("open snapshot repo: %w", err)
	}

	var target plumbing.Hash
	if hash == "" {
		head, err := repo.Head()
		if err != nil {
			return "", ErrNoHistory
		}
		target = head.Hash()
	} else {
		target = plumbing.NewHash(hash)
	}

	commitObj, err := repo.CommitObject(target)
	if err != nil {
		return "", fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := commitObj.File(documentFile)
	if err != nil {
		return "", fmt.Errorf("read snapshot file: %w", err)
	}
	return file.Contents()
}

func (s *Service) initRepo(path string) (*git.Repository, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, sanitizeID(documentID))
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[documentID] = lock
	}
	return lock
}

func signature(author string) *object.Signature {
	if author == "" {
		author = "anonymous"
	}
	return &object.Signature{
		Name:  author,
		Email: sanitizeID(author) + "@local.inkdown.dev",
		When:  time.Now(),
	}
}

func toSnapshot(c *object.Commit) Snapshot {
	return Snapshot{
		Hash:    c.Hash.String(),
		Message: strings.TrimSpace(c.Message),
		Author:  c.Author.Name,
		When:    c.Author.When,
	}
}

func sanitizeID(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "document"
	}
	return b.String()
}
