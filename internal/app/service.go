package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"

	"tether/api/internal/config"
	"tether/api/internal/diff"
	"tether/api/internal/inbound"
	"tether/api/internal/ingest"
	"tether/api/internal/notify"
	"tether/api/internal/search"
	"tether/api/internal/store"
)

type UpdateItemInput struct {
	Title   *string `json:"title"`
	Message *string `json:"message"`
	Status  *string `json:"status"`
}

var allowedStatuses = map[string]struct{}{
	store.StatusNew:        {},
	store.StatusInProgress: {},
	store.StatusCompleted:  {},
	store.StatusNeedHelp:   {},
}

type dataStore interface {
	GetItem(ctx context.Context, itemID string) (store.TrackedItem, error)
	ListItems(ctx context.Context) ([]store.TrackedItem, error)
	UpdateItemContent(ctx context.Context, itemID, title, message, status, updatedBy string) error
	SetRemindersActive(ctx context.Context, itemID string, active bool) error
	SoftDeleteItem(ctx context.Context, itemID, deletedBy string) (bool, error)
	InsertUpdate(ctx context.Context, update store.ItemUpdate) error
	ListUpdates(ctx context.Context, entityType, entityID string) ([]store.ItemUpdate, error)
	ResolveThreadByRoot(ctx context.Context, channel, rootMessageTS string) (*store.MessageThread, error)
	Ping(ctx context.Context) error
}

type threadDispatcher interface {
	EnsureThread(ctx context.Context, entityType, entityID, channel, rootText string) (*store.MessageThread, bool, error)
	PostReply(ctx context.Context, entityType, entityID, text string) error
	RewriteRoot(ctx context.Context, entityType, entityID, text string) error
}

// Pinger is the optional Redis readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Service struct {
	cfg        config.Config
	store      dataStore
	dispatcher threadDispatcher
	ingest     *ingest.Service
	syncer     *inbound.Syncer
	search     *search.Service
	redis      Pinger
}

func New(cfg config.Config, dataStore dataStore, dispatcher threadDispatcher, ingestSvc *ingest.Service, syncer *inbound.Syncer, searchSvc *search.Service, redis Pinger) *Service {
	return &Service{
		cfg:        cfg,
		store:      dataStore,
		dispatcher: dispatcher,
		ingest:     ingestSvc,
		syncer:     syncer,
		search:     searchSvc,
		redis:      redis,
	}
}

func (s *Service) WebhookToken() string {
	return s.cfg.WebhookToken
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) RedisPing(ctx context.Context) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Ping(ctx)
}

func (s *Service) ListItems(ctx context.Context) ([]store.TrackedItem, error) {
	return s.store.ListItems(ctx)
}

func (s *Service) GetItem(ctx context.Context, itemID string) (store.TrackedItem, error) {
	item, err := s.store.GetItem(ctx, itemID)
	if errors.Is(err, store.ErrNotFound) {
		return store.TrackedItem{}, domainError(http.StatusNotFound, "NOT_FOUND", "Item not found")
	}
	return item, err
}

func (s *Service) ListItemUpdates(ctx context.Context, itemID string) ([]store.ItemUpdate, error) {
	if _, err := s.GetItem(ctx, itemID); err != nil {
		return nil, err
	}
	return s.store.ListUpdates(ctx, ingest.EntityType, itemID)
}

// UpdateItem applies an explicit-actor mutation, diffs the before/after
// snapshots, and mirrors the change into the item's chat thread. Chat
// delivery failures never roll the mutation back.
func (s *Service) UpdateItem(ctx context.Context, itemID string, input UpdateItemInput, actor string) (store.TrackedItem, error) {
	current, err := s.GetItem(ctx, itemID)
	if err != nil {
		return store.TrackedItem{}, err
	}
	if current.DeletedAt != nil {
		return store.TrackedItem{}, domainError(http.StatusNotFound, "NOT_FOUND", "Item not found")
	}

	next := current
	if input.Title != nil {
		next.Title = strings.TrimSpace(*input.Title)
	}
	if input.Message != nil {
		next.Message = *input.Message
	}
	if input.Status != nil {
		status := strings.TrimSpace(*input.Status)
		if _, ok := allowedStatuses[status]; !ok {
			return store.TrackedItem{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("unknown status %q", status))
		}
		next.Status = status
	}

	changes := diff.Changes(diff.Strip(snapshot(current)), diff.Strip(snapshot(next)))
	if len(changes) == 0 {
		return current, nil
	}

	if err := s.store.UpdateItemContent(ctx, itemID, next.Title, next.Message, next.Status, actor); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.TrackedItem{}, domainError(http.StatusNotFound, "NOT_FOUND", "Item not found")
		}
		return store.TrackedItem{}, err
	}

	// Terminal status stops the escalation sweeps from selecting the row.
	statusChanged := next.Status != current.Status
	if statusChanged && next.Status == store.StatusCompleted {
		if err := s.store.SetRemindersActive(ctx, itemID, false); err != nil {
			return store.TrackedItem{}, err
		}
		next.RemindersActive = false
	}

	if err := s.store.InsertUpdate(ctx, store.ItemUpdate{
		EntityType: ingest.EntityType,
		EntityID:   itemID,
		Author:     actor,
		Body:       summarizeChanges(changes),
		Provenance: store.ProvenanceApp,
	}); err != nil {
		return store.TrackedItem{}, err
	}

	s.notifyChange(ctx, next, changes, statusChanged, current.Status, actor)
	s.indexItem(next)
	return next, nil
}

// DeleteItem soft-deletes the item and annotates its thread. The thread
// registry row stays so the history remains resolvable.
func (s *Service) DeleteItem(ctx context.Context, itemID, actor string) error {
	deleted, err := s.store.SoftDeleteItem(ctx, itemID, actor)
	if err != nil {
		return err
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Item not found")
	}

	if err := s.store.InsertUpdate(ctx, store.ItemUpdate{
		EntityType: ingest.EntityType,
		EntityID:   itemID,
		Author:     actor,
		Body:       "removed this item",
		Provenance: store.ProvenanceApp,
	}); err != nil {
		return err
	}

	if err := s.dispatcher.PostReply(ctx, ingest.EntityType, itemID, notify.DeletionNotice(actor)); err != nil {
		log.Printf("app: deletion notice for %s: %v", itemID, err)
	}
	if item, err := s.store.GetItem(ctx, itemID); err == nil {
		if err := s.dispatcher.RewriteRoot(ctx, ingest.EntityType, itemID, notify.RootMessage(item)); err != nil {
			log.Printf("app: root rewrite for deleted %s: %v", itemID, err)
		}
	}
	return nil
}

// HandleWebhook runs ingestion and mirrors the new item into the search
// index.
func (s *Service) HandleWebhook(ctx context.Context, payload ingest.Payload) (ingest.Result, error) {
	result, err := s.ingest.Ingest(ctx, payload)
	if err != nil {
		return result, err
	}
	if result.Status == "success" && result.EventID != "" {
		if item, getErr := s.store.GetItem(ctx, result.EventID); getErr == nil {
			s.indexItem(item)
		}
	}
	return result, nil
}

// HandleChatEvent feeds one inbound chat message through the reply sync.
func (s *Service) HandleChatEvent(ctx context.Context, event inbound.Event) error {
	recorded, err := s.syncer.HandleMessage(ctx, event)
	if err != nil {
		return err
	}
	if recorded && s.search != nil {
		entityID := ""
		if thread, resolveErr := s.store.ResolveThreadByRoot(ctx, event.Channel, event.ThreadTS); resolveErr == nil && thread != nil {
			entityID = thread.EntityID
		}
		s.search.IndexReply(search.ReplyRecord{
			ID:       event.TS,
			EntityID: entityID,
			Author:   event.User,
			Body:     event.Text,
		})
	}
	return nil
}

func (s *Service) SearchItems(ctx context.Context, text string, limit int) ([]search.Result, error) {
	if s.search == nil {
		return nil, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search not configured")
	}
	return s.search.Search(ctx, search.Query{Text: text, Limit: limit})
}

// notifyChange is the diff→notify path: ensure the thread, post the
// changelog reply, and rewrite the root so it never shows stale state.
func (s *Service) notifyChange(ctx context.Context, item store.TrackedItem, changes diff.Record, statusChanged bool, oldStatus, actor string) {
	channel := item.SlackChannel
	if channel == "" {
		channel = s.cfg.DefaultChannel
	}

	_, created, err := s.dispatcher.EnsureThread(ctx, ingest.EntityType, item.ID, channel, notify.RootMessage(item))
	if err != nil {
		log.Printf("app: ensure thread for %s: %v", item.ID, err)
		return
	}
	if created {
		return
	}

	text := notify.ChangeSummary(changes, actor)
	if statusChanged {
		text = notify.StatusChange(oldStatus, item.Status, actor)
	}
	if err := s.dispatcher.PostReply(ctx, ingest.EntityType, item.ID, text); err != nil {
		log.Printf("app: change reply for %s: %v", item.ID, err)
	}
	if err := s.dispatcher.RewriteRoot(ctx, ingest.EntityType, item.ID, notify.RootMessage(item)); err != nil {
		log.Printf("app: root rewrite for %s: %v", item.ID, err)
	}
}

func (s *Service) indexItem(item store.TrackedItem) {
	if s.search == nil {
		return
	}
	s.search.IndexItem(search.ItemRecord{
		ID:        item.ID,
		EventType: item.EventType,
		Title:     item.Title,
		Message:   item.Message,
		Status:    item.Status,
	})
}

func snapshot(item store.TrackedItem) map[string]any {
	return map[string]any{
		"title":     item.Title,
		"message":   item.Message,
		"status":    item.Status,
		"updatedAt": item.UpdatedAt,
		"updatedBy": item.UpdatedBy,
	}
}

func summarizeChanges(changes diff.Record) string {
	fields := make([]string, 0, len(changes))
	for field := range changes {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		change := changes[field]
		parts = append(parts, fmt.Sprintf("%s: %v → %v", field, change.Old, change.New))
	}
	return strings.Join(parts, "; ")
}
