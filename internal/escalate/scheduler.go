// Package escalate runs the time-based reminder sweeps over tracked items.
// All cadence state lives in the store, so a restart resumes cleanly; a
// crash between send and persist can repeat a reminder, never lose one.
package escalate

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tether/api/internal/ingest"
	"tether/api/internal/notify"
	"tether/api/internal/store"
)

type sweepStore interface {
	ListOverdueInitial(ctx context.Context, createdBefore time.Time) ([]store.TrackedItem, error)
	ListOverdueRepeating(ctx context.Context, lastReminderBefore time.Time) ([]store.TrackedItem, error)
	ListInProgressDaily(ctx context.Context, dailyBefore time.Time) ([]store.TrackedItem, error)
	MarkOverdueTriggered(ctx context.Context, itemID string, now time.Time) error
	MarkReminderSent(ctx context.Context, itemID string, now time.Time) error
	MarkDailyReminderSent(ctx context.Context, itemID string, now time.Time) error
}

type replyPoster interface {
	PostReply(ctx context.Context, entityType, entityID, text string) error
}

// Locker arbitrates sweeps across instances. Optional; the in-process
// mutex alone covers single-instance deployments.
type Locker interface {
	AcquireSweepLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	ReleaseSweepLock(ctx context.Context, name string) error
}

// Config holds the cadence thresholds.
type Config struct {
	OverdueAfter  time.Duration // age at which a new item gets the initial alert
	ReminderEvery time.Duration // repeat interval after the initial alert
	DailyEvery    time.Duration // check-in interval for in-progress items
	Concurrency   int           // max in-flight items per sweep
	Group         string        // group mention for the initial alert, e.g. !here
}

// Scheduler drives reminder messages through the dispatcher. It never
// mutates item status; the mutation path clears reminders_active on
// terminal transitions, which is what stops selection.
type Scheduler struct {
	store      sweepStore
	dispatcher replyPoster
	locker     Locker
	cfg        Config
	now        func() time.Time

	overdueMu sync.Mutex
	dailyMu   sync.Mutex
}

func New(sweeps sweepStore, dispatcher replyPoster, locker Locker, cfg Config, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	return &Scheduler{
		store:      sweeps,
		dispatcher: dispatcher,
		locker:     locker,
		cfg:        cfg,
		now:        now,
	}
}

// Run drives the sweeps until the context ends. Ticks that fire while the
// previous sweep of the same kind is still running are skipped, never run
// concurrently with themselves.
func (s *Scheduler) Run(ctx context.Context, sweepInterval, dailyInterval time.Duration) {
	overdueTicker := time.NewTicker(sweepInterval)
	defer overdueTicker.Stop()
	dailyTicker := time.NewTicker(dailyInterval)
	defer dailyTicker.Stop()

	log.Printf("escalate: scheduler running (overdue every %s, daily check every %s)", sweepInterval, dailyInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-overdueTicker.C:
			if err := s.SweepOverdue(ctx); err != nil {
				log.Printf("escalate: overdue sweep: %v", err)
			}
		case <-dailyTicker.C:
			if err := s.SweepDaily(ctx); err != nil {
				log.Printf("escalate: daily sweep: %v", err)
			}
		}
	}
}

// SweepOverdue handles the two New-state stages: the one-time overdue
// alert and the hourly repeats. Failure on one item never aborts the rest.
func (s *Scheduler) SweepOverdue(ctx context.Context) error {
	if !s.overdueMu.TryLock() {
		log.Printf("escalate: overdue sweep still running, skipping tick")
		return nil
	}
	defer s.overdueMu.Unlock()

	release, ok := s.acquireLock(ctx, "overdue")
	if !ok {
		return nil
	}
	defer release()

	now := s.now()

	initial, err := s.store.ListOverdueInitial(ctx, now.Add(-s.cfg.OverdueAfter))
	if err != nil {
		return err
	}
	s.forEach(ctx, initial, func(ctx context.Context, item store.TrackedItem) {
		hours := int(now.Sub(item.CreatedAt).Hours())
		if err := s.dispatcher.PostReply(ctx, ingest.EntityType, item.ID, notify.OverdueAlert(item, s.cfg.Group, hours)); err != nil {
			log.Printf("escalate: overdue alert for %s: %v", item.ID, err)
			return
		}
		if err := s.store.MarkOverdueTriggered(ctx, item.ID, now); err != nil {
			log.Printf("escalate: mark overdue %s: %v", item.ID, err)
		}
	})

	repeating, err := s.store.ListOverdueRepeating(ctx, now.Add(-s.cfg.ReminderEvery))
	if err != nil {
		return err
	}
	s.forEach(ctx, repeating, func(ctx context.Context, item store.TrackedItem) {
		hours := int(now.Sub(item.CreatedAt).Hours())
		if err := s.dispatcher.PostReply(ctx, ingest.EntityType, item.ID, notify.HourlyReminder(item, hours)); err != nil {
			log.Printf("escalate: hourly reminder for %s: %v", item.ID, err)
			return
		}
		if err := s.store.MarkReminderSent(ctx, item.ID, now); err != nil {
			log.Printf("escalate: mark reminder %s: %v", item.ID, err)
		}
	})

	return nil
}

// SweepDaily handles the in-progress check-ins.
func (s *Scheduler) SweepDaily(ctx context.Context) error {
	if !s.dailyMu.TryLock() {
		log.Printf("escalate: daily sweep still running, skipping tick")
		return nil
	}
	defer s.dailyMu.Unlock()

	release, ok := s.acquireLock(ctx, "daily")
	if !ok {
		return nil
	}
	defer release()

	now := s.now()
	due, err := s.store.ListInProgressDaily(ctx, now.Add(-s.cfg.DailyEvery))
	if err != nil {
		return err
	}
	s.forEach(ctx, due, func(ctx context.Context, item store.TrackedItem) {
		days := int(now.Sub(item.CreatedAt).Hours() / 24)
		if err := s.dispatcher.PostReply(ctx, ingest.EntityType, item.ID, notify.DailyReminder(item, days)); err != nil {
			log.Printf("escalate: daily reminder for %s: %v", item.ID, err)
			return
		}
		if err := s.store.MarkDailyReminderSent(ctx, item.ID, now); err != nil {
			log.Printf("escalate: mark daily %s: %v", item.ID, err)
		}
	})
	return nil
}

// forEach processes items with bounded concurrency so a large backlog does
// not hammer the chat platform's rate limits.
func (s *Scheduler) forEach(ctx context.Context, items []store.TrackedItem, fn func(context.Context, store.TrackedItem)) {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.Concurrency)
	for _, item := range items {
		item := item
		group.Go(func() error {
			fn(ctx, item)
			return nil
		})
	}
	_ = group.Wait()
}

func (s *Scheduler) acquireLock(ctx context.Context, name string) (func(), bool) {
	if s.locker == nil {
		return func() {}, true
	}
	acquired, err := s.locker.AcquireSweepLock(ctx, name, s.cfg.ReminderEvery/2)
	if err != nil {
		// Redis trouble should not stop reminders; the in-process mutex
		// still guards this instance.
		log.Printf("escalate: sweep lock %s unavailable: %v", name, err)
		return func() {}, true
	}
	if !acquired {
		log.Printf("escalate: sweep %s held elsewhere, skipping", name)
		return func() {}, false
	}
	return func() {
		if err := s.locker.ReleaseSweepLock(ctx, name); err != nil {
			log.Printf("escalate: release sweep lock %s: %v", name, err)
		}
	}, true
}
