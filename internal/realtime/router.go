package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// envelope is the broker wire frame. Origin lets a router skip frames it
// published itself, since it already delivered them locally.
type envelope struct {
	Origin  string          `json:"origin"`
	Channel string          `json:"channel"`
	Event   json.RawMessage `json:"event"`
}

// Router maps channels to local websocket clients and bridges them to the
// rest of the cluster through the broker. Publishing delivers locally
// first, then broadcasts; remote routers deliver to their own clients.
type Router struct {
	processID string
	broker    Broker
	log       *slog.Logger
	clock     func() time.Time

	mu       sync.RWMutex
	channels map[string]map[*Client]struct{}
	byClient map[*Client]map[string]struct{}
}

func NewRouter(processID string, broker Broker, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		processID: processID,
		broker:    broker,
		log:       log,
		clock:     time.Now,
		channels:  make(map[string]map[*Client]struct{}),
		byClient:  make(map[*Client]map[string]struct{}),
	}
}

// Run pumps broker frames into local delivery until ctx is cancelled.
// Launch it in its own goroutine before accepting connections.
func (r *Router) Run(ctx context.Context) {
	r.broker.Run(ctx, func(payload []byte) {
		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			r.log.Warn("malformed broker frame dropped", "err", err)
			return
		}
		if env.Origin == r.processID {
			return
		}
		r.deliverLocal(env.Channel, env.Event, nil)
	})
}

// Register attaches a client and subscribes it to its personal channel.
func (r *Router) Register(c *Client) {
	r.Subscribe(c, UserChannel(c.UserID))
}

func (r *Router) Subscribe(c *Client, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[channel] == nil {
		r.channels[channel] = make(map[*Client]struct{})
	}
	r.channels[channel][c] = struct{}{}
	if r.byClient[c] == nil {
		r.byClient[c] = make(map[string]struct{})
	}
	r.byClient[c][channel] = struct{}{}
}

func (r *Router) Unsubscribe(c *Client, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detach(c, channel)
}

// Drop removes a client from every channel it joined.
func (r *Router) Drop(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for channel := range r.byClient[c] {
		r.detach(c, channel)
	}
	delete(r.byClient, c)
}

// detach must be called with mu held.
func (r *Router) detach(c *Client, channel string) {
	if set := r.channels[channel]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(r.channels, channel)
		}
	}
	if set := r.byClient[c]; set != nil {
		delete(set, channel)
	}
}

// ChannelsOf snapshots the channels a client has joined.
func (r *Router) ChannelsOf(c *Client) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byClient[c]))
	for channel := range r.byClient[c] {
		out = append(out, channel)
	}
	return out
}

// Subscribed reports whether the client joined the channel.
func (r *Router) Subscribed(c *Client, channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byClient[c][channel]
	return ok
}

// Publish stamps and fans an event out to a channel, cluster-wide.
// Broker unavailability degrades to local-only delivery.
func (r *Router) Publish(ctx context.Context, channel string, ev Event) {
	ev.Channel = channel
	if ev.SentAt.IsZero() {
		ev.SentAt = r.clock().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		r.log.Error("event marshal failed", "type", ev.Type, "err", err)
		return
	}

	r.deliverLocal(channel, data, nil)

	frame, err := json.Marshal(envelope{Origin: r.processID, Channel: channel, Event: data})
	if err != nil {
		r.log.Error("broker frame marshal failed", "err", err)
		return
	}
	if err := r.broker.Publish(ctx, frame); err != nil {
		r.log.Warn("broker publish failed, event delivered locally only",
			"channel", channel, "type", ev.Type, "err", err)
	}
}

// PublishExcept is Publish minus one local client, for relays where the
// sender should not hear its own event. The exclusion is local-only; the
// sender has no connection on other processes.
func (r *Router) PublishExcept(ctx context.Context, channel string, ev Event, except *Client) {
	ev.Channel = channel
	if ev.SentAt.IsZero() {
		ev.SentAt = r.clock().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		r.log.Error("event marshal failed", "type", ev.Type, "err", err)
		return
	}
	r.deliverLocal(channel, data, except)

	frame, err := json.Marshal(envelope{Origin: r.processID, Channel: channel, Event: data})
	if err != nil {
		return
	}
	if err := r.broker.Publish(ctx, frame); err != nil {
		r.log.Warn("broker publish failed, event delivered locally only",
			"channel", channel, "type", ev.Type, "err", err)
	}
}

func (r *Router) deliverLocal(channel string, data []byte, except *Client) {
	r.mu.RLock()
	targets := make([]*Client, 0, len(r.channels[channel]))
	for c := range r.channels[channel] {
		if c != except {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(data) {
			r.log.Warn("client send buffer full, connection dropped",
				"user_id", c.UserID, "connection_id", c.ID)
			c.Close()
		}
	}
}

// NotifyUser satisfies the call subsystem's notifier contract: events land
// on the user's personal channel wherever they are connected.
func (r *Router) NotifyUser(ctx context.Context, userID, event string, payload any) {
	r.Publish(ctx, UserChannel(userID), Event{Type: event, Payload: payload})
}
