package search

import (
	"context"
	"log"
)

// Service fronts Meilisearch with the Postgres fallback. meili may be nil
// when unconfigured.
type Service struct {
	meili    *Meili
	fallback *PgFallback
}

func NewService(meili *Meili, fallback *PgFallback) *Service {
	return &Service{meili: meili, fallback: fallback}
}

func (s *Service) Search(ctx context.Context, q Query) ([]Result, error) {
	if s.meili != nil && s.meili.Healthy() {
		results, err := s.meili.Search(q)
		if err == nil {
			return results, nil
		}
		log.Printf("search: meilisearch failed, falling back to postgres: %v", err)
	}
	return s.fallback.Search(ctx, q)
}

// IndexItem mirrors a tracked item into the index. Best-effort.
func (s *Service) IndexItem(record ItemRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexItem(record); err != nil {
		log.Printf("search: index item %s: %v", record.ID, err)
	}
}

// IndexReply mirrors an inbound reply into the index. Best-effort.
func (s *Service) IndexReply(record ReplyRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexReply(record); err != nil {
		log.Printf("search: index reply %s: %v", record.ID, err)
	}
}
