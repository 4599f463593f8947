// Package notify sends entity lifecycle notifications into chat threads and
// keeps the thread registry in step. Delivery is best-effort: callers log
// and continue on error, the triggering business mutation never rolls back.
package notify

import (
	"context"
	"errors"
	"fmt"

	"tether/api/internal/chat"
	"tether/api/internal/store"
)

type threadStore interface {
	GetActiveThread(ctx context.Context, entityType, entityID string) (*store.MessageThread, error)
	CreateThread(ctx context.Context, thread store.MessageThread) error
	RecordThreadMessage(ctx context.Context, entityType, entityID, messageTS, payload string) error
	UpdateRootPayload(ctx context.Context, entityType, entityID, payload string) error
}

// Dispatcher owns the one low-level post/update path all notifications go
// through: unfurling disabled, bot identity applied, registry updated.
type Dispatcher struct {
	client   chat.Client
	registry threadStore
	botName  string
	iconURL  string
}

func New(client chat.Client, registry threadStore, botName, iconURL string) *Dispatcher {
	return &Dispatcher{
		client:   client,
		registry: registry,
		botName:  botName,
		iconURL:  iconURL,
	}
}

func (d *Dispatcher) message(channel, text, threadTS string) chat.Message {
	return chat.Message{
		Channel:  channel,
		Text:     text,
		ThreadTS: threadTS,
		Username: d.botName,
		IconURL:  d.iconURL,
	}
}

// EnsureThread returns the entity's active thread, creating the root
// message when none exists. The registry insert is guarded: when a
// concurrent caller wins the race this caller adopts the winner's thread.
// A failed send leaves no registry row, so the next call retries creation.
func (d *Dispatcher) EnsureThread(ctx context.Context, entityType, entityID, channel, rootText string) (*store.MessageThread, bool, error) {
	thread, err := d.registry.GetActiveThread(ctx, entityType, entityID)
	if err != nil {
		return nil, false, err
	}
	if thread != nil {
		return thread, false, nil
	}

	receipt, err := d.client.PostMessage(ctx, d.message(channel, rootText, ""))
	if err != nil {
		return nil, false, fmt.Errorf("create root message for %s/%s: %w", entityType, entityID, err)
	}

	created := store.MessageThread{
		EntityType:    entityType,
		EntityID:      entityID,
		Channel:       receipt.Channel,
		RootMessageTS: receipt.Timestamp,
		LastMessageTS: receipt.Timestamp,
		LastPayload:   rootText,
	}
	if err := d.registry.CreateThread(ctx, created); err != nil {
		if errors.Is(err, store.ErrThreadExists) {
			existing, lookupErr := d.registry.GetActiveThread(ctx, entityType, entityID)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	return &created, true, nil
}

// PostReply sends a threaded reply under the entity's root message and
// records it in the registry. Requires the thread to exist already.
func (d *Dispatcher) PostReply(ctx context.Context, entityType, entityID, text string) error {
	thread, err := d.registry.GetActiveThread(ctx, entityType, entityID)
	if err != nil {
		return err
	}
	if thread == nil {
		return fmt.Errorf("post reply for %s/%s: %w", entityType, entityID, store.ErrNotFound)
	}

	receipt, err := d.client.PostMessage(ctx, d.message(thread.Channel, text, thread.RootMessageTS))
	if err != nil {
		return fmt.Errorf("post reply for %s/%s: %w", entityType, entityID, err)
	}
	return d.registry.RecordThreadMessage(ctx, entityType, entityID, receipt.Timestamp, text)
}

// RewriteRoot replaces the root message's content in place so a stale root
// never shows outdated state. Reply history under it is untouched.
func (d *Dispatcher) RewriteRoot(ctx context.Context, entityType, entityID, text string) error {
	thread, err := d.registry.GetActiveThread(ctx, entityType, entityID)
	if err != nil {
		return err
	}
	if thread == nil {
		return fmt.Errorf("rewrite root for %s/%s: %w", entityType, entityID, store.ErrNotFound)
	}

	if _, err := d.client.UpdateMessage(ctx, thread.Channel, thread.RootMessageTS, d.message(thread.Channel, text, "")); err != nil {
		return fmt.Errorf("rewrite root for %s/%s: %w", entityType, entityID, err)
	}
	return d.registry.UpdateRootPayload(ctx, entityType, entityID, text)
}
