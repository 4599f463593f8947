package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const itemColumns = `
	id, event_type, title, message, COALESCE(raw_payload::text, '{}'), status,
	COALESCE(slack_channel, ''), COALESCE(slack_ts, ''), COALESCE(error_message, ''),
	reminders_active, is_overdue, escalation_level, reminder_count,
	overdue_triggered_at, last_reminder_sent_at, daily_reminder_sent_at,
	created_by, updated_by, created_at, updated_at, deleted_at
`

func scanItem(row interface{ Scan(...any) error }) (TrackedItem, error) {
	var item TrackedItem
	err := row.Scan(
		&item.ID,
		&item.EventType,
		&item.Title,
		&item.Message,
		&item.RawPayload,
		&item.Status,
		&item.SlackChannel,
		&item.SlackTS,
		&item.ErrorMessage,
		&item.RemindersActive,
		&item.IsOverdue,
		&item.EscalationLevel,
		&item.ReminderCount,
		&item.OverdueTriggeredAt,
		&item.LastReminderSentAt,
		&item.DailyReminderSentAt,
		&item.CreatedBy,
		&item.UpdatedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.DeletedAt,
	)
	return item, err
}

func (s *PostgresStore) InsertItem(ctx context.Context, item TrackedItem) error {
	rawPayload := item.RawPayload
	if rawPayload == "" {
		rawPayload = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracked_items (id, event_type, title, message, raw_payload, status, reminders_active, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $8)
	`, item.ID, item.EventType, item.Title, item.Message, rawPayload, item.Status, item.RemindersActive, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert tracked item: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetItem(ctx context.Context, itemID string) (TrackedItem, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM tracked_items
		WHERE id=$1
	`, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return TrackedItem{}, ErrNotFound
	}
	if err != nil {
		return TrackedItem{}, fmt.Errorf("get tracked item: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListItems(ctx context.Context) ([]TrackedItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM tracked_items
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list tracked items: %w", err)
	}
	defer rows.Close()

	items := make([]TrackedItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tracked item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracked items: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateItemContent(ctx context.Context, itemID, title, message, status, updatedBy string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tracked_items
		SET title=$2, message=$3, status=$4, updated_by=$5, updated_at=NOW()
		WHERE id=$1 AND deleted_at IS NULL
	`, itemID, title, message, status, updatedBy)
	if err != nil {
		return fmt.Errorf("update tracked item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update tracked item rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRemindersActive flips the master reminder switch. The entity-mutation
// path clears it on terminal statuses so sweeps stop selecting the row.
func (s *PostgresStore) SetRemindersActive(ctx context.Context, itemID string, active bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tracked_items SET reminders_active=$2, updated_at=NOW() WHERE id=$1
	`, itemID, active)
	if err != nil {
		return fmt.Errorf("set reminders active: %w", err)
	}
	return nil
}

// SetItemThreadRef stores the denormalized thread pointer on the item row
// so display paths do not need a registry lookup.
func (s *PostgresStore) SetItemThreadRef(ctx context.Context, itemID, channel, messageTS string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tracked_items SET slack_channel=$2, slack_ts=$3, updated_at=NOW() WHERE id=$1
	`, itemID, channel, messageTS)
	if err != nil {
		return fmt.Errorf("set item thread ref: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetItemError(ctx context.Context, itemID, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tracked_items SET error_message=$2, updated_at=NOW() WHERE id=$1
	`, itemID, message)
	if err != nil {
		return fmt.Errorf("set item error: %w", err)
	}
	return nil
}

func (s *PostgresStore) SoftDeleteItem(ctx context.Context, itemID, deletedBy string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tracked_items
		SET deleted_at=NOW(), reminders_active=FALSE, updated_by=$2, updated_at=NOW()
		WHERE id=$1 AND deleted_at IS NULL
	`, itemID, deletedBy)
	if err != nil {
		return false, fmt.Errorf("soft delete tracked item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("soft delete tracked item rows: %w", err)
	}
	return affected > 0, nil
}

// ListOverdueInitial selects items that crossed the overdue threshold but
/// have never been alerted: status new, created before the cutoff, trigger
// timestamp unset, reminders still active.
func (s *PostgresStore) ListOverdueInitial(ctx context.Context, createdBefore time.Time) ([]TrackedItem, error) {
	return s.listForSweep(ctx, `
		SELECT `+itemColumns+`
		FROM tracked_items
		WHERE status=$1
		  AND reminders_active
		  AND deleted_at IS NULL
		  AND overdue_triggered_at IS NULL
		  AND created_at < $2
		ORDER BY created_at ASC
	`, StatusNew, createdBefore)
}

// ListOverdueRepeating selects already-alerted new items whose last
// reminder is older than the cutoff.
func (s *PostgresStore) ListOverdueRepeating(ctx context.Context, lastReminderBefore time.Time) ([]TrackedItem, error) {
	return s.listForSweep(ctx, `
		SELECT `+itemColumns+`
		FROM tracked_items
		WHERE status=$1
		  AND reminders_active
		  AND deleted_at IS NULL
		  AND overdue_triggered_at IS NOT NULL
		  AND last_reminder_sent_at < $2
		ORDER BY created_at ASC
	`, StatusNew, lastReminderBefore)
}

// ListInProgressDaily selects in-progress items that never had a daily
// check-in or whose last one is older than the cutoff.
func (s *PostgresStore) ListInProgressDaily(ctx context.Context, dailyBefore time.Time) ([]TrackedItem, error) {
	return s.listForSweep(ctx, `
		SELECT `+itemColumns+`
		FROM tracked_items
		WHERE status=$1
		  AND reminders_active
		  AND deleted_at IS NULL
		  AND (daily_reminder_sent_at IS NULL OR daily_reminder_sent_at < $2)
		ORDER BY created_at ASC
	`, StatusInProgress, dailyBefore)
}

func (s *PostgresStore) listForSweep(ctx context.Context, query string, args ...any) ([]TrackedItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items for sweep: %w", err)
	}
	defer rows.Close()

	items := make([]TrackedItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sweep item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sweep items: %w", err)
	}
	return items, nil
}

// MarkOverdueTriggered records the one-time overdue alert. The guard on
// overdue_triggered_at keeps the trigger set-at-most-once even if two
// sweeps race.
func (s *PostgresStore) MarkOverdueTriggered(ctx context.Context, itemID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tracked_items
		SET overdue_triggered_at=$2, last_reminder_sent_at=$2, is_overdue=TRUE,
		    escalation_level=escalation_level+1, reminder_count=reminder_count+1, updated_at=NOW()
		WHERE id=$1 AND overdue_triggered_at IS NULL
	`, itemID, now)
	if err != nil {
		return fmt.Errorf("mark overdue triggered: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkReminderSent(ctx context.Context, itemID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tracked_items
		SET last_reminder_sent_at=$2, reminder_count=reminder_count+1, updated_at=NOW()
		WHERE id=$1
	`, itemID, now)
	if err != nil {
		return fmt.Errorf("mark reminder sent: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkDailyReminderSent(ctx context.Context, itemID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tracked_items
		SET daily_reminder_sent_at=$2, reminder_count=reminder_count+1, updated_at=NOW()
		WHERE id=$1
	`, itemID, now)
	if err != nil {
		return fmt.Errorf("mark daily reminder sent: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActiveThread(ctx context.Context, entityType, entityID string) (*MessageThread, error) {
	var thread MessageThread
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, channel, root_message_ts, last_message_ts, COALESCE(last_payload, ''), created_at, updated_at
		FROM message_threads
		WHERE entity_type=$1 AND entity_id=$2
	`, entityType, entityID).Scan(
		&thread.EntityType,
		&thread.EntityID,
		&thread.Channel,
		&thread.RootMessageTS,
		&thread.LastMessageTS,
		&thread.LastPayload,
		&thread.CreatedAt,
		&thread.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active thread: %w", err)
	}
	return &thread, nil
}

// CreateThread is a guarded insert, not an upsert: concurrent first
// notifications for the same entity race here and exactly one wins. The
// loser receives ErrThreadExists and falls back to the reply path.
func (s *PostgresStore) CreateThread(ctx context.Context, thread MessageThread) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO message_threads (entity_type, entity_id, channel, root_message_ts, last_message_ts, last_payload)
		VALUES ($1, $2, $3, $4, $4, $5)
		ON CONFLICT (entity_type, entity_id) DO NOTHING
	`, thread.EntityType, thread.EntityID, thread.Channel, thread.RootMessageTS, thread.LastPayload)
	if err != nil {
		return fmt.Errorf("create thread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("create thread rows: %w", err)
	}
	if affected == 0 {
		return ErrThreadExists
	}
	return nil
}

// RecordThreadMessage updates the registry's last-sent bookkeeping.
// Idempotent: recording the same message twice leaves the row unchanged.
func (s *PostgresStore) RecordThreadMessage(ctx context.Context, entityType, entityID, messageTS, payload string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE message_threads
		SET last_message_ts=$3, last_payload=$4, updated_at=NOW()
		WHERE entity_type=$1 AND entity_id=$2 AND last_message_ts <> $3
	`, entityType, entityID, messageTS, payload)
	if err != nil {
		return fmt.Errorf("record thread message: %w", err)
	}
	return nil
}

// UpdateRootPayload records an in-place root rewrite. Only last_payload
// changes; the root and reply identifiers stay intact.
func (s *PostgresStore) UpdateRootPayload(ctx context.Context, entityType, entityID, payload string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE message_threads
		SET last_payload=$3, updated_at=NOW()
		WHERE entity_type=$1 AND entity_id=$2
	`, entityType, entityID, payload)
	if err != nil {
		return fmt.Errorf("update root payload: %w", err)
	}
	return nil
}

// ResolveThreadByRoot maps a chat-side thread back to its owning entity.
func (s *PostgresStore) ResolveThreadByRoot(ctx context.Context, channel, rootMessageTS string) (*MessageThread, error) {
	var thread MessageThread
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, channel, root_message_ts, last_message_ts, COALESCE(last_payload, ''), created_at, updated_at
		FROM message_threads
		WHERE channel=$1 AND root_message_ts=$2
	`, channel, rootMessageTS).Scan(
		&thread.EntityType,
		&thread.EntityID,
		&thread.Channel,
		&thread.RootMessageTS,
		&thread.LastMessageTS,
		&thread.LastPayload,
		&thread.CreatedAt,
		&thread.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve thread by root: %w", err)
	}
	return &thread, nil
}

// InsertUpdate appends to an entity's update history. For chat-origin
// entries the partial unique index on source_message_ts turns at-least-once
// delivery into exactly-one row; a conflict surfaces as ErrDuplicateReply.
func (s *PostgresStore) InsertUpdate(ctx context.Context, update ItemUpdate) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO item_updates (entity_type, entity_id, author, body, provenance, source_message_ts)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		ON CONFLICT (source_message_ts) WHERE source_message_ts IS NOT NULL DO NOTHING
	`, update.EntityType, update.EntityID, update.Author, update.Body, update.Provenance, update.SourceMessageTS)
	if err != nil {
		return fmt.Errorf("insert item update: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert item update rows: %w", err)
	}
	if affected == 0 {
		return ErrDuplicateReply
	}
	return nil
}

func (s *PostgresStore) HasInboundReply(ctx context.Context, sourceMessageTS string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM item_updates WHERE source_message_ts=$1)
	`, sourceMessageTS).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check inbound reply: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListUpdates(ctx context.Context, entityType, entityID string) ([]ItemUpdate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, author, body, provenance, COALESCE(source_message_ts, ''), created_at
		FROM item_updates
		WHERE entity_type=$1 AND entity_id=$2
		ORDER BY created_at ASC
	`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("list item updates: %w", err)
	}
	defer rows.Close()

	items := make([]ItemUpdate, 0)
	for rows.Next() {
		var item ItemUpdate
		if err := rows.Scan(
			&item.ID,
			&item.EntityType,
			&item.EntityID,
			&item.Author,
			&item.Body,
			&item.Provenance,
			&item.SourceMessageTS,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan item update: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item updates: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
