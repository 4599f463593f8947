// Package ingest accepts external automation events, persists them as
// tracked items, and opens the initial chat thread.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"tether/api/internal/notify"
	"tether/api/internal/store"
	"tether/api/internal/util"
)

// EntityType under which webhook-originated items are tracked and threaded.
const EntityType = "webhook_event"

// Payload is the raw third-party webhook body.
type Payload struct {
	Event          string `json:"event"`
	Message        string `json:"message"`
	BotName        string `json:"bot_name,omitempty"`
	Title          string `json:"title,omitempty"`
	SlackChannel   string `json:"slack_channel,omitempty"`
	EmailSubject   string `json:"email_subject,omitempty"`
	EmailBodyHTML  string `json:"email_body_html,omitempty"`
	EmailBodyPlain string `json:"email_body_plain,omitempty"`
}

// Result is what ingestion reports back to the external source. The source
// always gets a 200 so it does not retry-storm us; Status carries the real
// outcome.
type Result struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	EventID string `json:"eventId,omitempty"`
}

type itemStore interface {
	InsertItem(ctx context.Context, item store.TrackedItem) error
	SetItemThreadRef(ctx context.Context, itemID, channel, messageTS string) error
	SetItemError(ctx context.Context, itemID, message string) error
}

type threadDispatcher interface {
	EnsureThread(ctx context.Context, entityType, entityID, channel, rootText string) (*store.MessageThread, bool, error)
	PostReply(ctx context.Context, entityType, entityID, text string) error
}

type Service struct {
	store          itemStore
	dispatcher     threadDispatcher
	defaultChannel string
	acceptedEvents map[string]struct{}
}

// New builds the ingestion service. An empty acceptedEvents list accepts
// every event type.
func New(items itemStore, dispatcher threadDispatcher, defaultChannel string, acceptedEvents []string) *Service {
	accepted := make(map[string]struct{}, len(acceptedEvents))
	for _, event := range acceptedEvents {
		accepted[event] = struct{}{}
	}
	return &Service{
		store:          items,
		dispatcher:     dispatcher,
		defaultChannel: defaultChannel,
		acceptedEvents: accepted,
	}
}

// Ingest captures one webhook payload. Persistence failure on the initial
// insert propagates (nothing to attach an error to); every later failure is
// recorded on the item's error_message and the receipt is still
// acknowledged.
func (s *Service) Ingest(ctx context.Context, payload Payload) (Result, error) {
	if payload.Event == "" {
		return Result{Status: "skipped", Message: "missing event type"}, nil
	}
	if len(s.acceptedEvents) > 0 {
		if _, ok := s.acceptedEvents[payload.Event]; !ok {
			return Result{Status: "skipped", Message: fmt.Sprintf("event %q not tracked", payload.Event)}, nil
		}
	}

	body := payload.Message
	detail := ""
	if payload.EmailBodyPlain != "" {
		body = SanitizeBody(payload.EmailBodyPlain)
		detail = body
	}
	title := payload.Title
	if title == "" {
		title = payload.EmailSubject
	}
	if title == "" {
		title = payload.Event
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Result{Status: "error", Message: "unserializable payload"}, fmt.Errorf("marshal webhook payload: %w", err)
	}

	item := store.TrackedItem{
		ID:              util.NewID("evt"),
		EventType:       payload.Event,
		Title:           title,
		Message:         body,
		RawPayload:      string(raw),
		Status:          store.StatusNew,
		RemindersActive: true,
		CreatedBy:       store.ActorWebhook,
	}
	if err := s.store.InsertItem(ctx, item); err != nil {
		return Result{Status: "error", Message: "persist failed"}, err
	}

	channel := payload.SlackChannel
	if channel == "" {
		channel = s.defaultChannel
	}

	thread, created, err := s.dispatcher.EnsureThread(ctx, EntityType, item.ID, channel, notify.RootMessage(item))
	if err != nil {
		s.captureError(ctx, item.ID, fmt.Sprintf("notify: %v", err))
		return Result{Status: "success", Message: "captured; notification pending", EventID: item.ID}, nil
	}

	if err := s.store.SetItemThreadRef(ctx, item.ID, thread.Channel, thread.RootMessageTS); err != nil {
		s.captureError(ctx, item.ID, fmt.Sprintf("thread ref: %v", err))
		return Result{Status: "success", Message: "captured", EventID: item.ID}, nil
	}

	// Long-form detail goes under the fresh root so the channel view stays
	// scannable.
	if created && len([]rune(detail)) > 300 {
		if err := s.dispatcher.PostReply(ctx, EntityType, item.ID, detail); err != nil {
			s.captureError(ctx, item.ID, fmt.Sprintf("detail reply: %v", err))
		}
	}

	return Result{Status: "success", Message: "captured", EventID: item.ID}, nil
}

func (s *Service) captureError(ctx context.Context, itemID, message string) {
	log.Printf("ingest: item %s: %s", itemID, message)
	if err := s.store.SetItemError(ctx, itemID, message); err != nil {
		log.Printf("ingest: record error on %s: %v", itemID, err)
	}
}
