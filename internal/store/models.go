package store

import "time"

// Item statuses. Completed is terminal for reminder purposes.
const (
	StatusNew        = "new"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusNeedHelp   = "need_help"
)

// Update provenance values.
const (
	ProvenanceApp    = "app"
	ProvenanceChat   = "chat"
	ProvenanceSystem = "system"
)

// Synthetic actors recorded on rows not touched by a human.
const (
	ActorWebhook = "chat-webhook"
	ActorSystem  = "system"
)

// TrackedItem is one work item mirrored into a chat thread. Reminder
// bookkeeping columns live on the same row so one business item stays one
// row. Items are never hard-deleted; DeletedAt marks removal so the thread
// can still be annotated.
type TrackedItem struct {
	ID           string
	EventType    string
	Title        string
	Message      string
	RawPayload   string
	Status       string
	SlackChannel string
	SlackTS      string
	ErrorMessage string

	RemindersActive     bool
	IsOverdue           bool
	EscalationLevel     int
	ReminderCount       int
	OverdueTriggeredAt  *time.Time
	LastReminderSentAt  *time.Time
	DailyReminderSentAt *time.Time

	CreatedBy string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// MessageThread maps an entity to its one active chat thread. At most one
// row per (EntityType, EntityID); rows are kept forever for audit.
type MessageThread struct {
	EntityType    string
	EntityID      string
	Channel       string
	RootMessageTS string
	LastMessageTS string
	LastPayload   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ItemUpdate is one entry in an entity's append-only update history.
// SourceMessageTS is set only for provenance=chat entries and doubles as
// the dedup key for at-least-once inbound delivery.
type ItemUpdate struct {
	ID              int64
	EntityType      string
	EntityID        string
	Author          string
	Body            string
	Provenance      string
	SourceMessageTS string
	CreatedAt       time.Time
}
