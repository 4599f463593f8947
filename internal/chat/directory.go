package chat

import (
	"context"
	"log"
	"regexp"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Directory is a TTL'd cache of chat-platform members used for mention
// resolution. State is explicit ({members, fetchedAt, ttl}) and the clock
// is injected so expiry is testable.
type Directory struct {
	lister MemberLister
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	members   map[string]string
	fetchedAt time.Time
}

func NewDirectory(lister MemberLister, ttl time.Duration, now func() time.Time) *Directory {
	if now == nil {
		now = time.Now
	}
	return &Directory{
		lister:  lister,
		ttl:     ttl,
		now:     now,
		members: make(map[string]string),
	}
}

// Resolve returns the display name for a member id, refreshing the cache
// when it has expired. A failed refresh keeps serving the stale snapshot.
func (d *Directory) Resolve(ctx context.Context, memberID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fetchedAt.IsZero() || d.now().Sub(d.fetchedAt) > d.ttl {
		if err := d.refreshLocked(ctx); err != nil {
			log.Printf("chat: directory refresh failed, serving stale cache: %v", err)
		}
	}

	name, ok := d.members[memberID]
	return name, ok
}

func (d *Directory) refreshLocked(ctx context.Context) error {
	var members []Member
	fetch := func() error {
		listed, err := d.lister.ListMembers(ctx)
		if err != nil {
			return err
		}
		members = listed
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(fetch, policy); err != nil {
		return err
	}

	fresh := make(map[string]string, len(members))
	for _, member := range members {
		fresh[member.ID] = member.DisplayName
	}
	d.members = fresh
	d.fetchedAt = d.now()
	return nil
}

var (
	userMentionRe    = regexp.MustCompile(`<@([A-Z0-9]+)(?:\|[^>]*)?>`)
	channelMentionRe = regexp.MustCompile(`<#[A-Z0-9]+\|([^>]+)>`)
	linkRe           = regexp.MustCompile(`<(https?://[^|>]+)\|([^>]+)>`)
)

// TranslateMentions rewrites platform mention syntax to human-readable
// text. Unresolved user mentions are left as-is rather than dropped.
func TranslateMentions(text string, resolve func(string) (string, bool)) string {
	text = userMentionRe.ReplaceAllStringFunc(text, func(token string) string {
		id := userMentionRe.FindStringSubmatch(token)[1]
		if name, ok := resolve(id); ok && name != "" {
			return "@" + name
		}
		return token
	})
	text = channelMentionRe.ReplaceAllString(text, "#$1")
	text = linkRe.ReplaceAllString(text, "$2")
	return text
}
