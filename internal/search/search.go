// Package search provides operator lookup over tracked items and inbound
// replies. Meilisearch is preferred when configured and healthy; a
// Postgres fallback always works. Indexing is best-effort and never fails
// the business operation that triggered it.
package search

type ResultType string

const (
	ResultItem  ResultType = "item"
	ResultReply ResultType = "reply"
)

type Query struct {
	Text  string
	Limit int
}

type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	EntityID string     `json:"entityId,omitempty"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	Status   string     `json:"status,omitempty"`
}

// ItemRecord is the indexed shape of a tracked item.
type ItemRecord struct {
	ID        string `json:"id"`
	EventType string `json:"eventType"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Status    string `json:"status"`
}

// ReplyRecord is the indexed shape of one inbound thread reply.
type ReplyRecord struct {
	ID       string `json:"id"`
	EntityID string `json:"entityId"`
	Author   string `json:"author"`
	Body     string `json:"body"`
}
