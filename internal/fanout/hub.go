// Package fanout bridges the store's pub/sub channels to WebSocket
// clients. The hub keeps exactly one store subscription per channel with
// at least one local subscriber; the subscription is torn down when the
// last local subscriber detaches.
package fanout

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/loopstacks/control-plane/internal/store"
)

// channelSub is one live store subscription shared by every local client
// subscribed to the same channel.
type channelSub struct {
	clients map[*Client]struct{}
	stop    func()
}

// Hub tracks connected clients and their channel subscriptions.
type Hub struct {
	store store.Store

	mu       sync.Mutex
	clients  map[*Client]struct{}
	channels map[string]*channelSub
	closed   bool
}

// NewHub creates a hub over the given store.
func NewHub(s store.Store) *Hub {
	return &Hub{
		store:    s,
		clients:  make(map[*Client]struct{}),
		channels: make(map[string]*channelSub),
	}
}

// Subscribe attaches the client to a channel, opening the backing store
// subscription if this is the channel's first local subscriber.
func (h *Hub) Subscribe(ctx context.Context, c *Client, channel string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}

	sub, ok := h.channels[channel]
	if !ok {
		msgs, stop, err := h.store.Subscribe(ctx, channel)
		if err != nil {
			return err
		}
		sub = &channelSub{clients: make(map[*Client]struct{}), stop: stop}
		h.channels[channel] = sub
		go h.forward(channel, msgs)
		log.Debug().Str("channel", channel).Msg("store subscription opened")
	}
	sub.clients[c] = struct{}{}
	c.channels[channel] = struct{}{}
	return nil
}

// Unsubscribe detaches the client from a channel. The store subscription
// is closed once no local subscriber remains.
func (h *Hub) Unsubscribe(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(c, channel)
}

func (h *Hub) unsubscribeLocked(c *Client, channel string) {
	delete(c.channels, channel)
	sub, ok := h.channels[channel]
	if !ok {
		return
	}
	delete(sub.clients, c)
	if len(sub.clients) == 0 {
		delete(h.channels, channel)
		sub.stop()
		log.Debug().Str("channel", channel).Msg("store subscription closed")
	}
}

// forward pumps store messages for one channel to its local subscribers.
// Runs until the store subscription's channel is closed.
func (h *Hub) forward(channel string, msgs <-chan store.Message) {
	for msg := range msgs {
		envelope, err := json.Marshal(map[string]any{
			"type":    "message",
			"channel": msg.Channel,
			"data":    json.RawMessage(msg.Payload),
		})
		if err != nil {
			log.Warn().Err(err).Str("channel", channel).Msg("failed to encode fan-out message")
			continue
		}
		h.broadcast(channel, envelope)
	}
}

// broadcast delivers to every subscriber of the channel. A client whose
// send buffer is full is dropped rather than allowed to stall the rest.
func (h *Hub) broadcast(channel string, data []byte) {
	h.mu.Lock()
	sub, ok := h.channels[channel]
	if !ok {
		h.mu.Unlock()
		return
	}
	var stalled []*Client
	for c := range sub.clients {
		if !c.trySend(data) {
			stalled = append(stalled, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stalled {
		log.Warn().Str("client", c.id).Msg("client send buffer full, dropping")
		h.detach(c)
		c.closeConn()
	}
}

// attach registers a new client.
func (h *Hub) attach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

// detach removes a client and every subscription it holds.
func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for channel := range c.channels {
		h.unsubscribeLocked(c, channel)
	}
	c.closeSend()
}

// BroadcastSystemEvent pushes an operational event to every connected
// client regardless of subscriptions. Stalled clients just miss it.
func (h *Hub) BroadcastSystemEvent(event string, data any) {
	envelope, err := json.Marshal(map[string]any{
		"type":  "system_event",
		"event": event,
		"data":  data,
	})
	if err != nil {
		log.Warn().Err(err).Str("event", event).Msg("failed to encode system event")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.trySend(envelope)
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ChannelCount reports the number of live store subscriptions.
func (h *Hub) ChannelCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

// Close detaches every client and tears down all store subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	for channel, sub := range h.channels {
		sub.stop()
		delete(h.channels, channel)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.closeSend()
		c.closeConn()
	}
}
