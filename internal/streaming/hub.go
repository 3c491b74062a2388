// Package streaming bridges the cross-node event bus to connected WebSocket
// and SSE clients. Each node runs one Hub: the bus subscription loop is the
// single producer feeding per-connection bounded buffers, so a slow client
// can never stall the loop — its oldest messages are dropped and it is told
// it lagged.
package streaming

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/driftwood-social/driftwood/internal/events"
	"github.com/driftwood-social/driftwood/internal/models"
	"github.com/driftwood-social/driftwood/internal/repo"
)

// Channel kinds a client can connect to.
const (
	KindHomeTimeline   = "homeTimeline"
	KindLocalTimeline  = "localTimeline"
	KindGlobalTimeline = "globalTimeline"
	KindMain           = "main"
	KindUser           = "user"
	KindChannel        = "channel"
)

// sendBuffer bounds the per-connection queue. Overflow drops the oldest
// message for that connection only.
const sendBuffer = 64

// ClientMessage is the control protocol from client to server.
type ClientMessage struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// ConnectBody is the body of a connect message.
type ConnectBody struct {
	Channel string          `json:"channel"`
	ID      string          `json:"id"`
	Params  json.RawMessage `json:"params"`
}

// IDBody is the body of disconnect/subNote/unsubNote/readNotification.
type IDBody struct {
	ID string `json:"id"`
}

// serverMessage is the envelope from server to client.
type serverMessage struct {
	Type string      `json:"type"`
	Body interface{} `json:"body,omitempty"`
}

// channelPayload is the body of a channel or noteUpdated message.
type channelPayload struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// subscription is one correlation-id subscription of a connection.
type subscription struct {
	id     string
	kind   string
	userID string // for KindUser
	chanID string // for KindChannel
}

// Conn is the hub-side state of one client connection. The subscription maps
// are owned by the connection's read loop plus the hub dispatch, guarded by mu;
// nothing here is shared across connections.
type Conn struct {
	hub  *Hub
	user *models.User // nil when unauthenticated

	send chan []byte

	mu        sync.Mutex
	channels  map[string]subscription // correlation id → subscription
	subNotes  map[string]bool         // note id → subscribed
	followees map[models.ID]bool      // loaded at first homeTimeline connect

	lagged  atomic.Bool
	dropped atomic.Int64
}

// Hub fans bus events out to the connections on this node.
type Hub struct {
	bus           *events.Bus
	users         repo.UserRepo
	followings    repo.FollowingRepo
	notifications repo.NotificationRepo
	logger        *slog.Logger

	mu    sync.RWMutex
	conns map[*Conn]struct{}
	sub   *nats.Subscription
}

// NewHub creates a hub over the event bus.
func NewHub(bus *events.Bus, users repo.UserRepo, followings repo.FollowingRepo, notifications repo.NotificationRepo, logger *slog.Logger) *Hub {
	return &Hub{
		bus:           bus,
		users:         users,
		followings:    followings,
		notifications: notifications,
		logger:        logger,
		conns:         make(map[*Conn]struct{}),
	}
}

// Run subscribes the hub to the bus. Call once at startup; the subscription
// ends when ctx is canceled.
func (h *Hub) Run(ctx context.Context) error {
	sub, err := h.bus.SubscribeAll(func(channel string, event events.Event) {
		h.dispatch(channel, event)
	})
	if err != nil {
		return err
	}
	h.sub = sub

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Warn("unsubscribing hub", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// NewConn registers a connection. user may be nil for unauthenticated
// clients, which can only join the public timelines.
func (h *Hub) NewConn(user *models.User) *Conn {
	c := &Conn{
		hub:      h,
		user:     user,
		send:     make(chan []byte, sendBuffer),
		channels: make(map[string]subscription),
		subNotes: make(map[string]bool),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// Remove drops a connection and all its subscriptions.
func (h *Hub) Remove(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	if n := c.dropped.Load(); n > 0 {
		h.logger.Debug("connection closed with dropped events", slog.Int64("dropped", n))
	}
}

// dispatch routes one bus event to every interested connection. Ordering per
// channel is arrival order at the hub; no reordering or deduplication.
func (h *Hub) dispatch(channel string, event events.Event) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.deliver(channel, event)
	}
}

// deliver evaluates one connection's subscriptions against an event.
func (c *Conn) deliver(channel string, event events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case channel == events.ChannelNotes:
		for _, sub := range c.channels {
			switch sub.kind {
			case KindGlobalTimeline:
				c.enqueueChannel(sub.id, event)
			case KindHomeTimeline:
				if c.noteFromFollowee(event) {
					c.enqueueChannel(sub.id, event)
				}
			}
		}

	case channel == events.ChannelLocalNotes:
		for _, sub := range c.channels {
			switch sub.kind {
			case KindLocalTimeline:
				c.enqueueChannel(sub.id, event)
			case KindHomeTimeline:
				if c.noteFromFollowee(event) {
					c.enqueueChannel(sub.id, event)
				}
			}
		}

	case channel == events.ChannelNotifications:
		for _, sub := range c.channels {
			if sub.kind == KindMain {
				c.enqueueChannel(sub.id, event)
			}
		}

	default:
		if userID, ok := strings.CutPrefix(channel, "user:"); ok {
			for _, sub := range c.channels {
				switch sub.kind {
				case KindMain:
					if c.user != nil && string(c.user.ID) == userID {
						c.enqueueChannel(sub.id, event)
					}
				case KindUser:
					if sub.userID == userID {
						c.enqueueChannel(sub.id, event)
					}
				}
			}
			return
		}
		if chanID, ok := strings.CutPrefix(channel, "channel:"); ok {
			if c.subNotes[chanID] {
				c.enqueueNoteUpdated(chanID, event)
			}
			for _, sub := range c.channels {
				if sub.kind == KindChannel && sub.chanID == chanID {
					c.enqueueChannel(sub.id, event)
				}
			}
		}
	}
}

// noteFromFollowee reports whether the event's note was authored by the
// connection's user or someone they follow.
func (c *Conn) noteFromFollowee(event events.Event) bool {
	if c.user == nil || c.followees == nil {
		return false
	}
	var note struct {
		UserID models.ID `json:"user_id"`
	}
	if err := json.Unmarshal(event.Body, &note); err != nil {
		return false
	}
	return note.UserID == c.user.ID || c.followees[note.UserID]
}

// enqueueChannel wraps an event as a channel message for a correlation id.
func (c *Conn) enqueueChannel(corrID string, event events.Event) {
	c.enqueueMessage(serverMessage{
		Type: "channel",
		Body: channelPayload{ID: corrID, Type: event.Type, Body: event.Body},
	})
}

// enqueueNoteUpdated wraps a note-scoped event for a subNote subscriber.
func (c *Conn) enqueueNoteUpdated(noteID string, event events.Event) {
	c.enqueueMessage(serverMessage{
		Type: "noteUpdated",
		Body: channelPayload{ID: noteID, Type: event.Type, Body: event.Body},
	})
}

func (c *Conn) enqueueMessage(msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// enqueue performs a non-blocking send. On overflow the oldest queued message
// is dropped for this consumer and the lag flag set; the write loop notifies
// the client once it drains.
func (c *Conn) enqueue(data []byte) {
	select {
	case c.send <- data:
		return
	default:
	}
	select {
	case <-c.send:
	default:
	}
	c.dropped.Add(1)
	c.lagged.Store(true)
	select {
	case c.send <- data:
	default:
	}
}

// Send exposes the outbound queue to the transport write loops.
func (c *Conn) Send() <-chan []byte { return c.send }

// TakeLagNotice returns a one-shot lag notification when messages were
// dropped since the last call. The client is expected to resubscribe and
// catch up over the REST API.
func (c *Conn) TakeLagNotice() ([]byte, bool) {
	if !c.lagged.Swap(false) {
		return nil, false
	}
	data, _ := json.Marshal(serverMessage{Type: "lagged"})
	return data, true
}

// Connect subscribes the connection to a channel under a correlation id and
// acknowledges with a connected message. Authenticated-only channels are
// refused for anonymous connections.
func (c *Conn) Connect(ctx context.Context, body ConnectBody) {
	sub := subscription{id: body.ID, kind: body.Channel}

	switch body.Channel {
	case KindGlobalTimeline, KindLocalTimeline:
	case KindHomeTimeline, KindMain:
		if c.user == nil {
			return
		}
		if body.Channel == KindHomeTimeline {
			c.ensureFollowees(ctx)
		}
	case KindUser:
		var params struct {
			UserID string `json:"userId"`
		}
		json.Unmarshal(body.Params, &params)
		if c.user == nil || params.UserID == "" || string(c.user.ID) != params.UserID {
			// Private per-user streams are only readable by their owner.
			return
		}
		sub.userID = params.UserID
	case KindChannel:
		var params struct {
			ChannelID string `json:"channelId"`
		}
		json.Unmarshal(body.Params, &params)
		if params.ChannelID == "" {
			return
		}
		sub.chanID = params.ChannelID
	default:
		return
	}

	c.mu.Lock()
	c.channels[body.ID] = sub
	c.mu.Unlock()

	c.enqueueMessage(serverMessage{Type: "connected", Body: map[string]string{"id": body.ID}})
}

// Disconnect removes a correlation-id subscription.
func (c *Conn) Disconnect(id string) {
	c.mu.Lock()
	delete(c.channels, id)
	c.mu.Unlock()
}

// SubNote subscribes to fine-grained updates of one note.
func (c *Conn) SubNote(noteID string) {
	c.mu.Lock()
	c.subNotes[noteID] = true
	c.mu.Unlock()
}

// UnsubNote drops a note subscription.
func (c *Conn) UnsubNote(noteID string) {
	c.mu.Lock()
	delete(c.subNotes, noteID)
	c.mu.Unlock()
}

// ReadNotification marks a notification as read for the connection's user.
func (c *Conn) ReadNotification(ctx context.Context, notificationID string) {
	if c.user == nil || notificationID == "" {
		return
	}
	if err := c.hub.notifications.MarkRead(ctx, c.user.ID, notificationID); err != nil && err != repo.ErrNotFound {
		c.hub.logger.Warn("failed to mark notification read",
			slog.String("notification_id", notificationID),
			slog.String("error", err.Error()))
	}
}

// HandleMessage dispatches one decoded control message.
func (c *Conn) HandleMessage(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case "connect":
		var body ConnectBody
		if err := json.Unmarshal(msg.Body, &body); err == nil && body.ID != "" {
			c.Connect(ctx, body)
		}
	case "disconnect":
		var body IDBody
		if err := json.Unmarshal(msg.Body, &body); err == nil {
			c.Disconnect(body.ID)
		}
	case "subNote", "sn":
		var body IDBody
		if err := json.Unmarshal(msg.Body, &body); err == nil && body.ID != "" {
			c.SubNote(body.ID)
		}
	case "unsubNote", "un":
		var body IDBody
		if err := json.Unmarshal(msg.Body, &body); err == nil {
			c.UnsubNote(body.ID)
		}
	case "readNotification":
		var body IDBody
		if err := json.Unmarshal(msg.Body, &body); err == nil {
			c.ReadNotification(ctx, body.ID)
		}
	}
}

// ensureFollowees loads the follow list once per connection for home-timeline
// filtering.
func (c *Conn) ensureFollowees(ctx context.Context) {
	c.mu.Lock()
	loaded := c.followees != nil
	c.mu.Unlock()
	if loaded {
		return
	}

	ids, err := c.hub.followings.ListFolloweeIDs(ctx, c.user.ID)
	if err != nil {
		c.hub.logger.Warn("failed to load followees for home timeline",
			slog.String("user_id", string(c.user.ID)),
			slog.String("error", err.Error()))
		ids = nil
	}
	set := make(map[models.ID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	c.mu.Lock()
	c.followees = set
	c.mu.Unlock()
}
