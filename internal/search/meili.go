package search

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxItems   = "tether_items"
	idxReplies = "tether_replies"
)

// Meili indexes tracked items and replies in Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. An
// unreachable server is tolerated; the health loop reconfigures on
// recovery.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		searchable []string
	}{
		{uid: idxItems, searchable: []string{"title", "message", "eventType"}},
		{uid: idxReplies, searchable: []string{"body", "author"}},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "id",
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}
		if _, err := m.client.Index(idx.uid).UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// IndexItem adds or updates a tracked item in the search index.
func (m *Meili) IndexItem(record ItemRecord) error {
	_, err := m.client.Index(idxItems).AddDocuments([]ItemRecord{record}, nil)
	return err
}

// IndexReply adds an inbound reply to the search index.
func (m *Meili) IndexReply(record ReplyRecord) error {
	_, err := m.client.Index(idxReplies).AddDocuments([]ReplyRecord{record}, nil)
	return err
}

// Search queries both indexes and merges results.
func (m *Meili) Search(q Query) ([]Result, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{
			{IndexUID: idxItems, Query: q.Text, Limit: limit},
			{IndexUID: idxReplies, Query: q.Text, Limit: limit},
		},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	for _, sr := range resp.Results {
		for _, hit := range sr.Hits {
			switch sr.IndexUID {
			case idxItems:
				results = append(results, Result{
					Type:    ResultItem,
					ID:      decodeString(hit, "id"),
					Title:   decodeString(hit, "title"),
					Snippet: decodeString(hit, "message"),
					Status:  decodeString(hit, "status"),
				})
			case idxReplies:
				results = append(results, Result{
					Type:     ResultReply,
					ID:       decodeString(hit, "id"),
					EntityID: decodeString(hit, "entityId"),
					Title:    decodeString(hit, "author"),
					Snippet:  decodeString(hit, "body"),
				})
			}
		}
	}
	return results, nil
}

func decodeString(hit meili.Hit, key string) string {
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
