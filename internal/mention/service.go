package mention

import (
	"context"
	"log"
	"strings"
	"sync"

	"inkdown/api/internal/comments"
)

// ParticipantSource lists the distinct non-anonymous identities known to
// the open document. *comments.Store satisfies it.
type ParticipantSource interface {
	Participants() []comments.Author
}

// Directory is the external people-directory collaborator behind the
// trailing "search wider" action. Implementations must honor context
// cancellation; a lookup superseded by further typing is cancelled and its
// result discarded.
type Directory interface {
	Search(ctx context.Context, query string) ([]comments.Author, error)
}

// Candidate is one entry in the ranked mention list. AdHoc marks the
// free-text entry representing the literal typed query.
type Candidate struct {
	Author comments.Author `json:"author"`
	Recent bool            `json:"recent"`
	AdHoc  bool            `json:"adHoc"`
}

// Service merges the recency cache, document participants, and the ad-hoc
// entry into a ranked candidate list.
type Service struct {
	cache        *RecencyCache
	participants ParticipantSource
	directory    Directory

	mu  sync.Mutex
	gen uint64
}

// NewService wires the session cache and participant source. directory may
// be nil when no external lookup is configured.
func NewService(cache *RecencyCache, participants ParticipantSource, directory Directory) *Service {
	if cache == nil {
		cache = NewRecencyCache(0)
	}
	return &Service{cache: cache, participants: participants, directory: directory}
}

// Resolve produces the ranked candidate list for the text typed after the
// @ trigger. Recently mentioned identities come first, then document
// participants, then the ad-hoc free-text entry unless a known candidate's
// name matches the query exactly. Each call supersedes any in-flight
// directory lookup.
func (s *Service) Resolve(query string) []Candidate {
	s.mu.Lock()
	s.gen++
	s.mu.Unlock()

	var out []Candidate
	seen := map[string]struct{}{}
	exactName := false

	add := func(a comments.Author, recent bool) {
		if a.IsAnonymous() && a.ID != "" {
			return
		}
		key := identityKey(a)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		if strings.EqualFold(a.Name, query) {
			exactName = true
		}
		out = append(out, Candidate{Author: a, Recent: recent})
	}

	for _, a := range s.cache.Items() {
		if matches(a, query) {
			add(a, true)
		}
	}
	if s.participants != nil {
		for _, a := range s.participants.Participants() {
			if matches(a, query) {
				add(a, false)
			}
		}
	}
	if query != "" && !exactName {
		out = append(out, Candidate{Author: comments.Author{Name: query}, AdHoc: true})
	}
	return out
}

// SearchWider runs the directory lookup asynchronously and delivers extra
// candidates, unless the query has been superseded by a newer Resolve call
// by the time the lookup returns.
func (s *Service) SearchWider(ctx context.Context, query string, deliver func([]Candidate)) {
	if s.directory == nil {
		return
	}
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	go func() {
		found, err := s.directory.Search(ctx, query)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("mention: directory search %q: %v", query, err)
			}
			return
		}
		s.mu.Lock()
		stale := gen != s.gen
		s.mu.Unlock()
		if stale {
			return
		}
		out := make([]Candidate, 0, len(found))
		for _, a := range found {
			if a.IsAnonymous() && a.ID != "" {
				continue
			}
			out = append(out, Candidate{Author: a})
		}
		deliver(out)
	}()
}

// Select records the chosen identity in the recency cache and returns it.
func (s *Service) Select(c Candidate) comments.Author {
	s.cache.Push(c.Author)
	return c.Author
}

func matches(a comments.Author, query string) bool {
	if query == "" {
		return true
	}
	q := strings.ToLower(query)
	return strings.Contains(strings.ToLower(a.Name), q) ||
		strings.Contains(strings.ToLower(a.Email), q)
}

func identityKey(a comments.Author) string {
	if a.ID != "" {
		return "id:" + a.ID
	}
	return "name:" + strings.ToLower(a.Name)
}

// ExtractQuery scans backwards from the caret for an @ trigger with no
// intervening whitespace. Returns the query text and the trigger offset.
func ExtractQuery(buffer string, caret int) (string, int, bool) {
	if caret > len(buffer) {
		caret = len(buffer)
	}
	for i := caret - 1; i >= 0; i-- {
		switch buffer[i] {
		case '@':
			return buffer[i+1 : caret], i, true
		case ' ', '\t', '\n':
			return "", 0, false
		}
	}
	return "", 0, false
}

// ApplyMention replaces the @query span at the trigger offset with
// "@<name> " and returns the new buffer plus the caret position after the
// inserted text.
func ApplyMention(buffer string, at int, query string, a comments.Author) (string, int) {
	end := at + 1 + len(query)
	if at < 0 || at >= len(buffer) || end > len(buffer) {
		return buffer, len(buffer)
	}
	inserted := "@" + a.Name + " "
	return buffer[:at] + inserted + buffer[end:], at + len(inserted)
}

// Navigator wraps keyboard selection circularly across the candidate list
// plus one trailing "search wider" action.
type Navigator struct {
	Count int // candidates, excluding the trailing action
	Index int
}

func (n *Navigator) total() int {
	return n.Count + 1
}

// Next advances the selection, wrapping past the trailing action to the
// first candidate.
func (n *Navigator) Next() int {
	n.Index = (n.Index + 1) % n.total()
	return n.Index
}

// Prev moves the selection backwards with the same wrap.
func (n *Navigator) Prev() int {
	n.Index = (n.Index - 1 + n.total()) % n.total()
	return n.Index
}

// OnSearchAction reports whether the selection sits on the trailing
// "search wider" entry.
func (n *Navigator) OnSearchAction() bool {
	return n.Index == n.Count
}
