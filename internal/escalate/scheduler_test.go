package escalate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"tether/api/internal/store"
)

// memorySweepStore mirrors the sweep selection queries over an in-memory
// item table so cadence can be driven with a fake clock.
type memorySweepStore struct {
	mu    sync.Mutex
	items map[string]*store.TrackedItem
}

func newMemorySweepStore(items ...*store.TrackedItem) *memorySweepStore {
	m := &memorySweepStore{items: make(map[string]*store.TrackedItem)}
	for _, item := range items {
		m.items[item.ID] = item
	}
	return m
}

func (m *memorySweepStore) ListOverdueInitial(_ context.Context, createdBefore time.Time) ([]store.TrackedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []store.TrackedItem
	for _, item := range m.items {
		if item.Status == store.StatusNew && item.RemindersActive && item.DeletedAt == nil &&
			item.OverdueTriggeredAt == nil && item.CreatedAt.Before(createdBefore) {
			due = append(due, *item)
		}
	}
	return due, nil
}

func (m *memorySweepStore) ListOverdueRepeating(_ context.Context, lastReminderBefore time.Time) ([]store.TrackedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []store.TrackedItem
	for _, item := range m.items {
		if item.Status == store.StatusNew && item.RemindersActive && item.DeletedAt == nil &&
			item.OverdueTriggeredAt != nil && item.LastReminderSentAt != nil &&
			item.LastReminderSentAt.Before(lastReminderBefore) {
			due = append(due, *item)
		}
	}
	return due, nil
}

func (m *memorySweepStore) ListInProgressDaily(_ context.Context, dailyBefore time.Time) ([]store.TrackedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []store.TrackedItem
	for _, item := range m.items {
		if item.Status == store.StatusInProgress && item.RemindersActive && item.DeletedAt == nil &&
			(item.DailyReminderSentAt == nil || item.DailyReminderSentAt.Before(dailyBefore)) {
			due = append(due, *item)
		}
	}
	return due, nil
}

func (m *memorySweepStore) MarkOverdueTriggered(_ context.Context, itemID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.items[itemID]
	if item.OverdueTriggeredAt != nil {
		return nil
	}
	ts := now
	item.OverdueTriggeredAt = &ts
	item.LastReminderSentAt = &ts
	item.IsOverdue = true
	item.EscalationLevel++
	item.ReminderCount++
	return nil
}

func (m *memorySweepStore) MarkReminderSent(_ context.Context, itemID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := now
	m.items[itemID].LastReminderSentAt = &ts
	m.items[itemID].ReminderCount++
	return nil
}

func (m *memorySweepStore) MarkDailyReminderSent(_ context.Context, itemID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := now
	m.items[itemID].DailyReminderSentAt = &ts
	m.items[itemID].ReminderCount++
	return nil
}

type recordingPoster struct {
	mu    sync.Mutex
	sent  []string
	errFn func(entityID string) error
}

func (r *recordingPoster) PostReply(_ context.Context, _, entityID, text string) error {
	if r.errFn != nil {
		if err := r.errFn(entityID); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, entityID+": "+text)
	return nil
}

func (r *recordingPoster) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func cadenceConfig() Config {
	return Config{
		OverdueAfter:  4 * time.Hour,
		ReminderEvery: time.Hour,
		DailyEvery:    24 * time.Hour,
		Concurrency:   2,
		Group:         "!here",
	}
}

func TestOverdueCadence(t *testing.T) {
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	item := &store.TrackedItem{
		ID:              "evt-1",
		EventType:       "ci_failure",
		Title:           "Build 412 failed",
		Message:         "pipeline red",
		Status:          store.StatusNew,
		RemindersActive: true,
		CreatedAt:       created,
	}
	sweeps := newMemorySweepStore(item)
	poster := &recordingPoster{}

	clock := created
	s := New(sweeps, poster, nil, cadenceConfig(), func() time.Time { return clock })
	ctx := context.Background()

	// Under the threshold: nothing fires.
	clock = created.Add(3*time.Hour + 59*time.Minute)
	if err := s.SweepOverdue(ctx); err != nil {
		t.Fatalf("SweepOverdue: %v", err)
	}
	if poster.count() != 0 {
		t.Fatalf("no alert expected before the threshold, got %v", poster.sent)
	}

	// Just past the threshold: the one-time alert with the group mention.
	clock = created.Add(4*time.Hour + 1*time.Minute)
	if err := s.SweepOverdue(ctx); err != nil {
		t.Fatalf("SweepOverdue: %v", err)
	}
	if poster.count() != 1 {
		t.Fatalf("expected the initial alert, got %v", poster.sent)
	}
	if !strings.Contains(poster.sent[0], "<!here>") {
		t.Fatalf("initial alert should mention the group: %q", poster.sent[0])
	}

	// Half an hour later: the repeat interval has not elapsed.
	clock = created.Add(4*time.Hour + 30*time.Minute)
	if err := s.SweepOverdue(ctx); err != nil {
		t.Fatalf("SweepOverdue: %v", err)
	}
	if poster.count() != 1 {
		t.Fatalf("no repeat inside the interval, got %v", poster.sent)
	}

	// Past the repeat interval: one hourly reminder, no second alert.
	clock = created.Add(5*time.Hour + 5*time.Minute)
	if err := s.SweepOverdue(ctx); err != nil {
		t.Fatalf("SweepOverdue: %v", err)
	}
	if poster.count() != 2 {
		t.Fatalf("expected one hourly reminder, got %v", poster.sent)
	}
	if strings.Contains(poster.sent[1], "<!here>") {
		t.Fatalf("repeats must not re-mention the group: %q", poster.sent[1])
	}
}

func TestOverdueStopsOnTerminalStatus(t *testing.T) {
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	item := &store.TrackedItem{
		ID:              "evt-1",
		Status:          store.StatusNew,
		RemindersActive: true,
		CreatedAt:       created,
	}
	sweeps := newMemorySweepStore(item)
	poster := &recordingPoster{}

	clock := created.Add(5 * time.Hour)
	s := New(sweeps, poster, nil, cadenceConfig(), func() time.Time { return clock })
	ctx := context.Background()

	if err := s.SweepOverdue(ctx); err != nil {
		t.Fatalf("SweepOverdue: %v", err)
	}
	if poster.count() != 1 {
		t.Fatalf("expected the initial alert, got %v", poster.sent)
	}

	// Resolution clears reminders_active; no further selection.
	item.Status = store.StatusCompleted
	item.RemindersActive = false
	clock = clock.Add(2 * time.Hour)
	if err := s.SweepOverdue(ctx); err != nil {
		t.Fatalf("SweepOverdue: %v", err)
	}
	if poster.count() != 1 {
		t.Fatalf("completed item must not be reminded, got %v", poster.sent)
	}
}

func TestOverdueSendFailureRetriesNextSweep(t *testing.T) {
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	item := &store.TrackedItem{
		ID:              "evt-1",
		Status:          store.StatusNew,
		RemindersActive: true,
		CreatedAt:       created,
	}
	sweeps := newMemorySweepStore(item)
	failing := true
	poster := &recordingPoster{
		errFn: func(string) error {
			if failing {
				return errors.New("slack 500")
			}
			return nil
		},
	}

	clock := created.Add(5 * time.Hour)
	s := New(sweeps, poster, nil, cadenceConfig(), func() time.Time { return clock })
	ctx := context.Background()

	if err := s.SweepOverdue(ctx); err != nil {
		t.Fatalf("SweepOverdue: %v", err)
	}
	if item.OverdueTriggeredAt != nil {
		t.Fatal("failed send must not persist the trigger timestamp")
	}

	failing = false
	if err := s.SweepOverdue(ctx); err != nil {
		t.Fatalf("SweepOverdue retry: %v", err)
	}
	if poster.count() != 1 {
		t.Fatalf("expected the alert on the next sweep, got %v", poster.sent)
	}
	if item.OverdueTriggeredAt == nil {
		t.Fatal("successful send should persist the trigger timestamp")
	}
}

func TestOverdueFailureIsolatedPerItem(t *testing.T) {
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	bad := &store.TrackedItem{ID: "evt-bad", Status: store.StatusNew, RemindersActive: true, CreatedAt: created}
	good := &store.TrackedItem{ID: "evt-good", Status: store.StatusNew, RemindersActive: true, CreatedAt: created}
	sweeps := newMemorySweepStore(bad, good)
	poster := &recordingPoster{
		errFn: func(entityID string) error {
			if entityID == "evt-bad" {
				return errors.New("channel archived")
			}
			return nil
		},
	}

	clock := created.Add(5 * time.Hour)
	s := New(sweeps, poster, nil, cadenceConfig(), func() time.Time { return clock })

	if err := s.SweepOverdue(context.Background()); err != nil {
		t.Fatalf("SweepOverdue: %v", err)
	}
	if poster.count() != 1 || !strings.HasPrefix(poster.sent[0], "evt-good") {
		t.Fatalf("good item should be alerted despite the bad one: %v", poster.sent)
	}
	if good.OverdueTriggeredAt == nil {
		t.Fatal("good item's trigger should persist")
	}
	if bad.OverdueTriggeredAt != nil {
		t.Fatal("bad item's trigger must stay unset for the next sweep")
	}
}

func TestDailyCheckInCadence(t *testing.T) {
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	item := &store.TrackedItem{
		ID:              "evt-1",
		Title:           "Build 412 failed",
		Status:          store.StatusInProgress,
		RemindersActive: true,
		CreatedAt:       created,
	}
	sweeps := newMemorySweepStore(item)
	poster := &recordingPoster{}

	clock := created.Add(25 * time.Hour)
	s := New(sweeps, poster, nil, cadenceConfig(), func() time.Time { return clock })
	ctx := context.Background()

	if err := s.SweepDaily(ctx); err != nil {
		t.Fatalf("SweepDaily: %v", err)
	}
	if poster.count() != 1 {
		t.Fatalf("expected the first daily check-in, got %v", poster.sent)
	}

	clock = clock.Add(2 * time.Hour)
	if err := s.SweepDaily(ctx); err != nil {
		t.Fatalf("SweepDaily: %v", err)
	}
	if poster.count() != 1 {
		t.Fatalf("no second check-in inside a day, got %v", poster.sent)
	}

	clock = clock.Add(23 * time.Hour)
	if err := s.SweepDaily(ctx); err != nil {
		t.Fatalf("SweepDaily: %v", err)
	}
	if poster.count() != 2 {
		t.Fatalf("expected the next day's check-in, got %v", poster.sent)
	}
}

type fakeLocker struct {
	acquireFn func(context.Context, string, time.Duration) (bool, error)
	released  []string
}

func (f *fakeLocker) AcquireSweepLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if f.acquireFn != nil {
		return f.acquireFn(ctx, name, ttl)
	}
	return true, nil
}
func (f *fakeLocker) ReleaseSweepLock(_ context.Context, name string) error {
	f.released = append(f.released, name)
	return nil
}

func TestSweepSkippedWhenLockHeldElsewhere(t *testing.T) {
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	item := &store.TrackedItem{ID: "evt-1", Status: store.StatusNew, RemindersActive: true, CreatedAt: created}
	sweeps := newMemorySweepStore(item)
	poster := &recordingPoster{}
	locker := &fakeLocker{
		acquireFn: func(context.Context, string, time.Duration) (bool, error) {
			return false, nil
		},
	}

	clock := created.Add(5 * time.Hour)
	s := New(sweeps, poster, locker, cadenceConfig(), func() time.Time { return clock })

	if err := s.SweepOverdue(context.Background()); err != nil {
		t.Fatalf("SweepOverdue: %v", err)
	}
	if poster.count() != 0 {
		t.Fatalf("held lock should skip the sweep, got %v", poster.sent)
	}
}

func TestSweepProceedsWhenLockerUnavailable(t *testing.T) {
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	item := &store.TrackedItem{ID: "evt-1", Status: store.StatusNew, RemindersActive: true, CreatedAt: created}
	sweeps := newMemorySweepStore(item)
	poster := &recordingPoster{}
	locker := &fakeLocker{
		acquireFn: func(context.Context, string, time.Duration) (bool, error) {
			return false, errors.New("redis down")
		},
	}

	clock := created.Add(5 * time.Hour)
	s := New(sweeps, poster, locker, cadenceConfig(), func() time.Time { return clock })

	if err := s.SweepOverdue(context.Background()); err != nil {
		t.Fatalf("SweepOverdue: %v", err)
	}
	if poster.count() != 1 {
		t.Fatalf("lock trouble must not stop reminders, got %v", poster.sent)
	}
}
