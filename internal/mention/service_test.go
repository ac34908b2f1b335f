package mention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"inkdown/api/internal/comments"
)

type staticParticipants []comments.Author

func (s staticParticipants) Participants() []comments.Author { return s }

type slowDirectory struct {
	mu      sync.Mutex
	delay   time.Duration
	results []comments.Author
	err     error
	queries []string
}

func (d *slowDirectory) Search(ctx context.Context, query string) ([]comments.Author, error) {
	d.mu.Lock()
	d.queries = append(d.queries, query)
	delay := d.delay
	d.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.results, nil
}

var (
	pat = comments.Author{ID: "u1", Name: "Pat", Email: "pat@example.com"}
	lee = comments.Author{ID: "u2", Name: "Lee", Email: "lee@example.com"}
	ana = comments.Author{ID: "u3", Name: "Ana", Email: "ana@example.com"}
)

func TestResolveMergesRecentAndParticipants(t *testing.T) {
	cache := NewRecencyCache(10)
	cache.Push(lee)
	svc := NewService(cache, staticParticipants{pat, lee, ana}, nil)

	got := svc.Resolve("")
	// lee from the cache first, then pat and ana as participants, then no
	// ad-hoc entry because the query is empty.
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %+v", got)
	}
	if got[0].Author.ID != lee.ID || !got[0].Recent {
		t.Errorf("recent candidate not first: %+v", got[0])
	}
	for _, c := range got[1:] {
		if c.Recent || c.AdHoc {
			t.Errorf("participant flagged wrong: %+v", c)
		}
	}
}

func TestResolveFiltersByNameAndEmail(t *testing.T) {
	svc := NewService(NewRecencyCache(10), staticParticipants{pat, lee}, nil)

	byName := svc.Resolve("pa")
	if len(byName) != 2 || byName[0].Author.ID != pat.ID || !byName[1].AdHoc {
		t.Errorf("name filter: %+v", byName)
	}
	byEmail := svc.Resolve("lee@")
	if len(byEmail) != 2 || byEmail[0].Author.ID != lee.ID {
		t.Errorf("email filter: %+v", byEmail)
	}
}

func TestResolveAdHocEntry(t *testing.T) {
	svc := NewService(NewRecencyCache(10), staticParticipants{pat}, nil)

	got := svc.Resolve("Somebody New")
	if len(got) != 1 || !got[0].AdHoc || got[0].Author.Name != "Somebody New" {
		t.Fatalf("ad-hoc entry: %+v", got)
	}

	// Exact name match suppresses the ad-hoc duplicate.
	got = svc.Resolve("pat")
	if len(got) != 1 || got[0].AdHoc {
		t.Errorf("exact match must suppress ad-hoc: %+v", got)
	}
}

func TestResolveDeduplicatesCacheAndParticipants(t *testing.T) {
	cache := NewRecencyCache(10)
	cache.Push(pat)
	svc := NewService(cache, staticParticipants{pat}, nil)

	got := svc.Resolve("pat")
	count := 0
	for _, c := range got {
		if c.Author.ID == pat.ID {
			count++
		}
	}
	if count != 1 {
		t.Errorf("pat appeared %d times: %+v", count, got)
	}
}

func TestSearchWiderDelivers(t *testing.T) {
	dir := &slowDirectory{results: []comments.Author{ana}}
	svc := NewService(NewRecencyCache(10), nil, dir)

	svc.Resolve("an")
	ch := make(chan []Candidate, 1)
	svc.SearchWider(context.Background(), "an", func(found []Candidate) { ch <- found })

	select {
	case found := <-ch:
		if len(found) != 1 || found[0].Author.ID != ana.ID {
			t.Errorf("wider results: %+v", found)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wider search never delivered")
	}
}

func TestSearchWiderStaleResultDiscarded(t *testing.T) {
	dir := &slowDirectory{results: []comments.Author{ana}, delay: 100 * time.Millisecond}
	svc := NewService(NewRecencyCache(10), nil, dir)

	svc.Resolve("an")
	delivered := make(chan struct{}, 1)
	svc.SearchWider(context.Background(), "an", func([]Candidate) { delivered <- struct{}{} })

	// Further typing supersedes the in-flight lookup.
	svc.Resolve("ana")

	select {
	case <-delivered:
		t.Fatal("stale lookup delivered")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSearchWiderErrorSilent(t *testing.T) {
	dir := &slowDirectory{err: errors.New("directory down")}
	svc := NewService(NewRecencyCache(10), nil, dir)

	svc.Resolve("x")
	called := make(chan struct{}, 1)
	svc.SearchWider(context.Background(), "x", func([]Candidate) { called <- struct{}{} })
	select {
	case <-called:
		t.Fatal("deliver called despite error")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSelectPushesRecency(t *testing.T) {
	cache := NewRecencyCache(10)
	svc := NewService(cache, nil, nil)

	got := svc.Select(Candidate{Author: pat})
	if got.ID != pat.ID {
		t.Errorf("selected author: %+v", got)
	}
	items := cache.Items()
	if len(items) != 1 || items[0].ID != pat.ID {
		t.Errorf("cache after select: %+v", items)
	}
}

func TestRecencyCacheBoundAndDedup(t *testing.T) {
	cache := NewRecencyCache(3)
	for _, a := range []comments.Author{pat, lee, ana, pat} {
		cache.Push(a)
	}
	items := cache.Items()
	if len(items) != 3 {
		t.Fatalf("cache size: %d", len(items))
	}
	// pat was re-pushed and must be at the front exactly once.
	if items[0].ID != pat.ID {
		t.Errorf("most recent not first: %+v", items)
	}
	for _, a := range items[1:] {
		if a.ID == pat.ID {
			t.Errorf("duplicate in cache: %+v", items)
		}
	}

	overflow := comments.Author{ID: "u4", Name: "Max"}
	cache.Push(overflow)
	items = cache.Items()
	if len(items) != 3 || items[0].ID != "u4" {
		t.Errorf("bound not enforced: %+v", items)
	}
}

func TestRecencyCacheExcludesAnonymous(t *testing.T) {
	cache := NewRecencyCache(3)
	cache.Push(comments.Author{})
	cache.Push(comments.Anonymous)
	if items := cache.Items(); len(items) != 0 {
		t.Errorf("anonymous cached: %+v", items)
	}
}

func TestExtractQuery(t *testing.T) {
	cases := []struct {
		buffer string
		caret  int
		query  string
		at     int
		ok     bool
	}{
		{"hello @pa", 9, "pa", 6, true},
		{"@x", 2, "x", 0, true},
		{"hello @", 7, "", 6, true},
		{"no trigger", 10, "", 0, false},
		{"space @after that", 17, "", 0, false},
	}
	for _, tc := range cases {
		query, at, ok := ExtractQuery(tc.buffer, tc.caret)
		if ok != tc.ok || query != tc.query || (ok && at != tc.at) {
			t.Errorf("%q@%d: got (%q,%d,%v), want (%q,%d,%v)",
				tc.buffer, tc.caret, query, at, ok, tc.query, tc.at, tc.ok)
		}
	}
}

func TestApplyMention(t *testing.T) {
	buffer, caret := ApplyMention("ping @pa now", 5, "pa", pat)
	if buffer != "ping @Pat  now" {
		t.Errorf("buffer: %q", buffer)
	}
	if caret != len("ping @Pat ") {
		t.Errorf("caret: %d", caret)
	}
}

func TestNavigatorWrapsThroughSearchAction(t *testing.T) {
	n := &Navigator{Count: 2}
	if n.OnSearchAction() {
		t.Fatal("fresh navigator on action")
	}
	n.Next() // 1
	n.Next() // 2 = search action
	if !n.OnSearchAction() {
		t.Errorf("expected search action at index %d", n.Index)
	}
	n.Next() // wraps to 0
	if n.Index != 0 || n.OnSearchAction() {
		t.Errorf("wrap forward failed: %d", n.Index)
	}
	n.Prev() // back to search action
	if !n.OnSearchAction() {
		t.Errorf("wrap backward failed: %d", n.Index)
	}
}
