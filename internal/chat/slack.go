// Package chat wraps the Slack Web API behind small interfaces so the
// dispatcher and reply sync can be tested against fakes. Every call is a
// fallible network boundary with a bounded timeout.
package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/slack-go/slack"
)

// Message is an outbound chat message. ThreadTS, when set, posts the
// message as a threaded reply under that root.
type Message struct {
	Channel  string
	Text     string
	ThreadTS string
	Username string
	IconURL  string
}

// Receipt identifies a delivered message. Channel is the resolved channel
// id, not the human-readable name the caller may have passed.
type Receipt struct {
	Channel   string
	Timestamp string
}

// Member is one chat-platform user, as needed for mention resolution.
type Member struct {
	ID          string
	DisplayName string
	IsBot       bool
}

// Client is the outbound surface the dispatcher depends on.
type Client interface {
	PostMessage(ctx context.Context, msg Message) (Receipt, error)
	UpdateMessage(ctx context.Context, channel, timestamp string, msg Message) (Receipt, error)
}

// MemberLister is the directory surface the mention cache depends on.
type MemberLister interface {
	ListMembers(ctx context.Context) ([]Member, error)
}

type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	GetUsersContext(ctx context.Context, options ...slack.GetUsersOption) ([]slack.User, error)
}

// Slack implements Client and MemberLister against the Slack Web API.
type Slack struct {
	api     slackAPI
	timeout time.Duration
}

func NewSlack(token string, timeout time.Duration) *Slack {
	return &Slack{api: slack.New(token), timeout: timeout}
}

func newSlackWithAPI(api slackAPI, timeout time.Duration) *Slack {
	return &Slack{api: api, timeout: timeout}
}

func (s *Slack) options(msg Message) []slack.MsgOption {
	opts := []slack.MsgOption{
		slack.MsgOptionText(msg.Text, false),
		slack.MsgOptionDisableLinkUnfurl(),
		slack.MsgOptionDisableMediaUnfurl(),
	}
	if msg.Username != "" {
		opts = append(opts, slack.MsgOptionUsername(msg.Username))
	}
	if msg.IconURL != "" {
		opts = append(opts, slack.MsgOptionIconURL(msg.IconURL))
	}
	if msg.ThreadTS != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ThreadTS))
	}
	return opts
}

func (s *Slack) PostMessage(ctx context.Context, msg Message) (Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	channel, timestamp, err := s.api.PostMessageContext(ctx, msg.Channel, s.options(msg)...)
	if err != nil {
		return Receipt{}, fmt.Errorf("post message to %s: %w", msg.Channel, err)
	}
	return Receipt{Channel: channel, Timestamp: timestamp}, nil
}

// UpdateMessage rewrites an existing message in place. channel must be the
// resolved channel id returned by a prior PostMessage.
func (s *Slack) UpdateMessage(ctx context.Context, channel, timestamp string, msg Message) (Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	opts := []slack.MsgOption{
		slack.MsgOptionText(msg.Text, false),
		slack.MsgOptionDisableLinkUnfurl(),
		slack.MsgOptionDisableMediaUnfurl(),
	}
	respChannel, respTimestamp, _, err := s.api.UpdateMessageContext(ctx, channel, timestamp, opts...)
	if err != nil {
		return Receipt{}, fmt.Errorf("update message %s in %s: %w", timestamp, channel, err)
	}
	return Receipt{Channel: respChannel, Timestamp: respTimestamp}, nil
}

func (s *Slack) ListMembers(ctx context.Context) ([]Member, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	users, err := s.api.GetUsersContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}

	members := make([]Member, 0, len(users))
	for _, user := range users {
		if user.Deleted {
			continue
		}
		name := user.Profile.DisplayName
		if name == "" {
			name = user.RealName
		}
		if name == "" {
			name = user.Name
		}
		members = append(members, Member{ID: user.ID, DisplayName: name, IsBot: user.IsBot})
	}
	return members, nil
}
