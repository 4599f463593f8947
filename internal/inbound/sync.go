// Package inbound folds chat thread replies back into the originating
// entity's update history. Synchronization is one-directional per event:
// nothing here posts back to the thread, which is what keeps the
// mutate→notify→ingest loop from closing.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"tether/api/internal/chat"
	"tether/api/internal/store"
)

// Event is one inbound chat message event, as delivered by the events
// callback.
type Event struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype,omitempty"`
	Channel  string `json:"channel"`
	User     string `json:"user,omitempty"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts,omitempty"`
	BotID    string `json:"bot_id,omitempty"`
}

type replyStore interface {
	ResolveThreadByRoot(ctx context.Context, channel, rootMessageTS string) (*store.MessageThread, error)
	HasInboundReply(ctx context.Context, sourceMessageTS string) (bool, error)
	InsertUpdate(ctx context.Context, update store.ItemUpdate) error
}

// SeenStore is the optional Redis fast path in front of the Postgres
// unique constraint.
type SeenStore interface {
	MarkSeen(ctx context.Context, sourceMessageTS string, ttl time.Duration) (bool, error)
	Unsee(ctx context.Context, sourceMessageTS string) error
}

// Syncer consumes chat message events and appends genuine human thread
// replies to the owning entity's update history.
type Syncer struct {
	store     replyStore
	seen      SeenStore
	directory *chat.Directory
	seenTTL   time.Duration
}

func New(replies replyStore, seen SeenStore, directory *chat.Directory) *Syncer {
	return &Syncer{
		store:     replies,
		seen:      seen,
		directory: directory,
		seenTTL:   24 * time.Hour,
	}
}

// HandleMessage runs the short-circuiting filter chain for one event.
// Returns whether a reply was recorded; filtered events return (false,
// nil), only persistence failures surface as errors.
func (s *Syncer) HandleMessage(ctx context.Context, event Event) (bool, error) {
	// Not a thread reply: no parent reference, or the message is its own
	// root.
	if event.ThreadTS == "" || event.ThreadTS == event.TS {
		return false, nil
	}

	// Bot-authored messages are never ingested. This covers our own root
	// rewrites and replies; without it every system post would come back
	// around as a "human" update.
	if event.BotID != "" || event.Subtype == "bot_message" {
		return false, nil
	}

	if event.TS == "" || event.Channel == "" {
		return false, nil
	}

	if s.seen != nil {
		first, err := s.seen.MarkSeen(ctx, event.TS, s.seenTTL)
		if err != nil {
			log.Printf("inbound: seen-marker unavailable for %s: %v", event.TS, err)
		} else if !first {
			return false, nil
		}
	}

	handled, err := s.ingest(ctx, event)
	if err != nil && s.seen != nil {
		// Drop the marker so redelivery is not silently lost; the unique
		// constraint still prevents a double insert.
		if unseeErr := s.seen.Unsee(ctx, event.TS); unseeErr != nil {
			log.Printf("inbound: unsee %s: %v", event.TS, unseeErr)
		}
	}
	if handled {
		log.Printf("inbound: recorded reply %s in channel %s", event.TS, event.Channel)
	}
	return handled, err
}

func (s *Syncer) ingest(ctx context.Context, event Event) (bool, error) {
	duplicate, err := s.store.HasInboundReply(ctx, event.TS)
	if err != nil {
		return false, err
	}
	if duplicate {
		return false, nil
	}

	thread, err := s.store.ResolveThreadByRoot(ctx, event.Channel, event.ThreadTS)
	if err != nil {
		return false, err
	}
	if thread == nil {
		// Orphaned or foreign-owned thread; not an error.
		log.Printf("inbound: no thread for channel=%s root=%s, dropping %s", event.Channel, event.ThreadTS, event.TS)
		return false, nil
	}

	body := event.Text
	if s.directory != nil {
		body = chat.TranslateMentions(body, func(id string) (string, bool) {
			return s.directory.Resolve(ctx, id)
		})
	}

	author := event.User
	if s.directory != nil && event.User != "" {
		if name, ok := s.directory.Resolve(ctx, event.User); ok && name != "" {
			author = name
		}
	}
	if author == "" {
		author = "unknown"
	}

	err = s.store.InsertUpdate(ctx, store.ItemUpdate{
		EntityType:      thread.EntityType,
		EntityID:        thread.EntityID,
		Author:          fmt.Sprintf("%s (via Slack)", author),
		Body:            body,
		Provenance:      store.ProvenanceChat,
		SourceMessageTS: event.TS,
	})
	if errors.Is(err, store.ErrDuplicateReply) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
