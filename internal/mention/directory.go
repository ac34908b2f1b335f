package mention

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	meili "github.com/meilisearch/meilisearch-go"

	"inkdown/api/internal/comments"
)

const peopleIndex = "inkdown_people"

// MeiliDirectory implements Directory against a Meilisearch people index.
// Like the rest of the engine's collaborators it is optional: construction
// logs and proceeds when the server is unreachable, and searches simply
// fail until it recovers.
type MeiliDirectory struct {
	client meili.ServiceManager
}

// NewMeiliDirectory creates the client and ensures the people index exists.
func NewMeiliDirectory(url, apiKey string) *MeiliDirectory {
	client := meili.New(url, meili.WithAPIKey(apiKey))
	d := &MeiliDirectory{client: client}

	if _, err := client.Health(); err != nil {
		log.Printf("mention: meilisearch unavailable at %s: %v", url, err)
		return d
	}
	if _, err := client.CreateIndex(&meili.IndexConfig{
		Uid:        peopleIndex,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("mention: create people index (may already exist): %v", err)
	}
	searchable := []string{"name", "email"}
	if _, err := client.Index(peopleIndex).UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("mention: update searchable attrs: %v", err)
	}
	return d
}

// Search looks the query up in the people index.
func (d *MeiliDirectory) Search(ctx context.Context, query string) ([]comments.Author, error) {
	resp, err := d.client.Index(peopleIndex).SearchWithContext(ctx, query, &meili.SearchRequest{
		Limit: 8,
	})
	if err != nil {
		return nil, fmt.Errorf("people search: %w", err)
	}
	out := make([]comments.Author, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		a := comments.Author{
			ID:     decodeHitString(hit, "id"),
			Name:   decodeHitString(hit, "name"),
			Email:  decodeHitString(hit, "email"),
			Avatar: decodeHitString(hit, "avatar"),
		}
		if a.ID == "" && a.Name == "" {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// IndexPerson adds or updates a directory entry.
func (d *MeiliDirectory) IndexPerson(a comments.Author) error {
	if a.IsAnonymous() {
		return nil
	}
	_, err := d.client.Index(peopleIndex).AddDocuments([]comments.Author{a}, nil)
	return err
}

func decodeHitString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}
