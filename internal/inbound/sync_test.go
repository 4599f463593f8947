package inbound

import (
	"context"
	"errors"
	"testing"
	"time"

	"tether/api/internal/chat"
	"tether/api/internal/store"
)

type fakeReplyStore struct {
	resolveThreadByRootFn func(context.Context, string, string) (*store.MessageThread, error)
	hasInboundReplyFn     func(context.Context, string) (bool, error)
	insertUpdateFn        func(context.Context, store.ItemUpdate) error
}

func (f *fakeReplyStore) ResolveThreadByRoot(ctx context.Context, channel, rootMessageTS string) (*store.MessageThread, error) {
	if f.resolveThreadByRootFn != nil {
		return f.resolveThreadByRootFn(ctx, channel, rootMessageTS)
	}
	return &store.MessageThread{EntityType: "webhook_event", EntityID: "evt-1", Channel: channel, RootMessageTS: rootMessageTS}, nil
}
func (f *fakeReplyStore) HasInboundReply(ctx context.Context, sourceMessageTS string) (bool, error) {
	if f.hasInboundReplyFn != nil {
		return f.hasInboundReplyFn(ctx, sourceMessageTS)
	}
	return false, nil
}
func (f *fakeReplyStore) InsertUpdate(ctx context.Context, update store.ItemUpdate) error {
	if f.insertUpdateFn != nil {
		return f.insertUpdateFn(ctx, update)
	}
	return nil
}

type fakeSeen struct {
	markSeenFn func(context.Context, string, time.Duration) (bool, error)
	unseeFn    func(context.Context, string) error
}

func (f *fakeSeen) MarkSeen(ctx context.Context, ts string, ttl time.Duration) (bool, error) {
	if f.markSeenFn != nil {
		return f.markSeenFn(ctx, ts, ttl)
	}
	return true, nil
}
func (f *fakeSeen) Unsee(ctx context.Context, ts string) error {
	if f.unseeFn != nil {
		return f.unseeFn(ctx, ts)
	}
	return nil
}

type fakeLister struct {
	members []chat.Member
}

func (f *fakeLister) ListMembers(context.Context) ([]chat.Member, error) {
	return f.members, nil
}

func reply(text string) Event {
	return Event{
		Type:     "message",
		Channel:  "C42",
		User:     "U123",
		Text:     text,
		TS:       "101.5",
		ThreadTS: "100.1",
	}
}

func TestHandleMessageIgnoresRootMessages(t *testing.T) {
	replies := &fakeReplyStore{
		insertUpdateFn: func(context.Context, store.ItemUpdate) error {
			t.Fatal("root message must not be ingested")
			return nil
		},
	}
	s := New(replies, nil, nil)

	ev := reply("root")
	ev.ThreadTS = ""
	if recorded, err := s.HandleMessage(context.Background(), ev); err != nil || recorded {
		t.Fatalf("unthreaded message: recorded=%v err=%v", recorded, err)
	}

	ev = reply("self-root")
	ev.ThreadTS = ev.TS
	if recorded, err := s.HandleMessage(context.Background(), ev); err != nil || recorded {
		t.Fatalf("self-rooted message: recorded=%v err=%v", recorded, err)
	}
}

func TestHandleMessageIgnoresBotAuthors(t *testing.T) {
	replies := &fakeReplyStore{
		insertUpdateFn: func(context.Context, store.ItemUpdate) error {
			t.Fatal("bot message must not be ingested")
			return nil
		},
	}
	s := New(replies, nil, nil)

	ev := reply("automated changelog")
	ev.BotID = "B99"
	if recorded, err := s.HandleMessage(context.Background(), ev); err != nil || recorded {
		t.Fatalf("bot_id message: recorded=%v err=%v", recorded, err)
	}

	ev = reply("automated changelog")
	ev.Subtype = "bot_message"
	if recorded, err := s.HandleMessage(context.Background(), ev); err != nil || recorded {
		t.Fatalf("bot_message subtype: recorded=%v err=%v", recorded, err)
	}
}

func TestHandleMessageRecordsHumanReply(t *testing.T) {
	var inserted store.ItemUpdate
	replies := &fakeReplyStore{
		insertUpdateFn: func(_ context.Context, update store.ItemUpdate) error {
			inserted = update
			return nil
		},
	}
	s := New(replies, nil, nil)

	recorded, err := s.HandleMessage(context.Background(), reply("on it"))
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if !recorded {
		t.Fatal("human thread reply should be recorded")
	}
	if inserted.EntityID != "evt-1" || inserted.Provenance != store.ProvenanceChat {
		t.Fatalf("unexpected update row: %+v", inserted)
	}
	if inserted.SourceMessageTS != "101.5" {
		t.Fatalf("source ts = %q", inserted.SourceMessageTS)
	}
	if inserted.Author != "U123 (via Slack)" {
		t.Fatalf("author = %q", inserted.Author)
	}
}

func TestHandleMessageDeduplicatesBySourceTS(t *testing.T) {
	seenTS := map[string]bool{}
	inserts := 0
	replies := &fakeReplyStore{
		hasInboundReplyFn: func(_ context.Context, ts string) (bool, error) {
			return seenTS[ts], nil
		},
		insertUpdateFn: func(_ context.Context, update store.ItemUpdate) error {
			seenTS[update.SourceMessageTS] = true
			inserts++
			return nil
		},
	}
	s := New(replies, nil, nil)

	if _, err := s.HandleMessage(context.Background(), reply("on it")); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	recorded, err := s.HandleMessage(context.Background(), reply("on it"))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if recorded {
		t.Fatal("redelivery must not record again")
	}
	if inserts != 1 {
		t.Fatalf("expected exactly one insert, got %d", inserts)
	}
}

func TestHandleMessageSeenMarkerFastPath(t *testing.T) {
	replies := &fakeReplyStore{
		insertUpdateFn: func(context.Context, store.ItemUpdate) error {
			t.Fatal("already-seen event must not reach the store")
			return nil
		},
	}
	seen := &fakeSeen{
		markSeenFn: func(context.Context, string, time.Duration) (bool, error) {
			return false, nil
		},
	}
	s := New(replies, seen, nil)

	if recorded, err := s.HandleMessage(context.Background(), reply("on it")); err != nil || recorded {
		t.Fatalf("seen event: recorded=%v err=%v", recorded, err)
	}
}

func TestHandleMessageUnseesOnIngestFailure(t *testing.T) {
	unseen := false
	replies := &fakeReplyStore{
		insertUpdateFn: func(context.Context, store.ItemUpdate) error {
			return errors.New("db down")
		},
	}
	seen := &fakeSeen{
		unseeFn: func(_ context.Context, ts string) error {
			unseen = true
			return nil
		},
	}
	s := New(replies, seen, nil)

	if _, err := s.HandleMessage(context.Background(), reply("on it")); err == nil {
		t.Fatal("persistence failure should surface")
	}
	if !unseen {
		t.Fatal("failed ingest must drop the seen-marker so redelivery works")
	}
}

func TestHandleMessageDropsOrphanThreads(t *testing.T) {
	replies := &fakeReplyStore{
		resolveThreadByRootFn: func(context.Context, string, string) (*store.MessageThread, error) {
			return nil, nil
		},
		insertUpdateFn: func(context.Context, store.ItemUpdate) error {
			t.Fatal("orphan thread reply must not be recorded")
			return nil
		},
	}
	s := New(replies, nil, nil)

	if recorded, err := s.HandleMessage(context.Background(), reply("random chatter")); err != nil || recorded {
		t.Fatalf("orphan reply: recorded=%v err=%v", recorded, err)
	}
}

func TestHandleMessageSwallowsDuplicateInsert(t *testing.T) {
	replies := &fakeReplyStore{
		insertUpdateFn: func(context.Context, store.ItemUpdate) error {
			return store.ErrDuplicateReply
		},
	}
	s := New(replies, nil, nil)

	recorded, err := s.HandleMessage(context.Background(), reply("on it"))
	if err != nil {
		t.Fatalf("constraint race must not surface: %v", err)
	}
	if recorded {
		t.Fatal("duplicate insert must not report a recorded reply")
	}
}

func TestHandleMessageTranslatesMentionsAndAuthor(t *testing.T) {
	var inserted store.ItemUpdate
	replies := &fakeReplyStore{
		insertUpdateFn: func(_ context.Context, update store.ItemUpdate) error {
			inserted = update
			return nil
		},
	}
	directory := chat.NewDirectory(&fakeLister{members: []chat.Member{
		{ID: "U123", DisplayName: "dana"},
		{ID: "U456", DisplayName: "ravi"},
	}}, time.Hour, nil)
	s := New(replies, nil, directory)

	ev := reply("handing to <@U456>")
	if _, err := s.HandleMessage(context.Background(), ev); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if inserted.Body != "handing to @ravi" {
		t.Fatalf("body = %q", inserted.Body)
	}
	if inserted.Author != "dana (via Slack)" {
		t.Fatalf("author = %q", inserted.Author)
	}
}
