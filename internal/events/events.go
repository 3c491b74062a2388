// Package events implements the cross-node event bus using NATS pub/sub.
// Activity processors publish typed events to stream channels, and every node
// subscribes once to re-broadcast them into its local streaming hub so all
// WebSocket/SSE sessions on that node receive them without additional broker
// traffic. NATS JetStream additionally provides the durable work queues used
// by the inbox and delivery workers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Stream channels form a closed set. Publishing and subscribing goes through
// these names; the NATS subject mapping is an internal detail.
const (
	// ChannelNotes carries publicly visible notes for global timelines.
	ChannelNotes = "notes"
	// ChannelLocalNotes carries all local-origin notes regardless of
	// visibility, for local-timeline consumers.
	ChannelLocalNotes = "local_notes"
	// ChannelNotifications carries instance-wide broadcast events.
	ChannelNotifications = "notifications"
)

// UserChannel returns the per-user channel carrying private events for id.
func UserChannel(id string) string { return "user:" + id }

// NoteChannel returns the per-note channel carrying fine-grained updates
// (reactions, replies, edits) for subscribers of a single note.
func NoteChannel(id string) string { return "channel:" + id }

// Event kinds.
const (
	TypeNoteCreated     = "note_created"
	TypeNoteUpdated     = "note_updated"
	TypeNoteDeleted     = "note_deleted"
	TypeNotification    = "notification"
	TypeFollowed        = "followed"
	TypeUnfollowed      = "unfollowed"
	TypeReactionAdded   = "reaction_added"
	TypeReactionRemoved = "reaction_removed"
	TypeAnnouncement    = "announcement"
)

// Event is the tagged-variant envelope published on every channel.
type Event struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

const subjectPrefix = "driftwood.stream."

// subjectFor maps a channel name to its NATS subject. Channel ids contain no
// dots (sortable base36), so the mapping is reversible.
func subjectFor(channel string) string {
	return subjectPrefix + strings.ReplaceAll(channel, ":", ".")
}

// channelFor maps a NATS subject back to its channel name.
func channelFor(subject string) string {
	s := strings.TrimPrefix(subject, subjectPrefix)
	return strings.Replace(s, ".", ":", 1)
}

// Bus wraps a NATS connection and provides publish/subscribe for the stream
// channels plus access to JetStream for the job queues.
type Bus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger
}

// New connects to the NATS server at the given URL and returns an event Bus.
func New(natsURL string, logger *slog.Logger) (*Bus, error) {
	opts := []nats.Option{
		nats.Name("driftwood"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", slog.String("error", err.Error()))
		}),
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", natsURL, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("initializing JetStream: %w", err)
	}

	logger.Info("NATS connection established", slog.String("url", nc.ConnectedUrl()))

	return &Bus{conn: nc, js: js, logger: logger}, nil
}

// Publish sends an event to a stream channel. Delivery is at-most-once per
// connected node; nothing is persisted. The publisher never writes to its own
// node-local broadcast — the subscription loop does.
func (b *Bus) Publish(_ context.Context, channel string, eventType string, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling event body for %s: %w", channel, err)
	}
	data, err := json.Marshal(Event{Type: eventType, Body: raw})
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", channel, err)
	}

	if err := b.conn.Publish(subjectFor(channel), data); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}

	b.logger.Debug("event published",
		slog.String("channel", channel),
		slog.String("type", eventType),
	)
	return nil
}

// SubscribeAll subscribes to every stream channel. The handler receives the
// channel name and the decoded event. Called once per node at startup.
func (b *Bus) SubscribeAll(handler func(channel string, event Event)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subjectPrefix+">", func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to unmarshal event",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()),
			)
			return
		}
		handler(channelFor(msg.Subject), event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to stream channels: %w", err)
	}

	b.logger.Debug("subscribed to stream channels")
	return sub, nil
}

// JetStream returns the JetStream context for the job queues.
func (b *Bus) JetStream() nats.JetStreamContext {
	return b.js
}

// HealthCheck verifies the NATS connection is alive.
func (b *Bus) HealthCheck() error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS connection is not active (status: %s)", b.conn.Status())
	}
	return nil
}

// Close drains pending messages and closes the NATS connection.
func (b *Bus) Close() {
	b.logger.Info("closing NATS connection")
	b.conn.Drain()
}
