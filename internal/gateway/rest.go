package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// restFeedLimit bounds the alert feed kept for HTTP polling.
const restFeedLimit = 100

// RESTChannel exposes the relay over HTTP: relayed alerts are kept in a
// feed for polling, and operators can post chat commands.
type RESTChannel struct {
	handler MessageHandler
	pending map[string]chan *OutboundMessage // channelID -> command reply
	feed    []*OutboundMessage
	mu      sync.RWMutex
	logger  *zap.Logger
}

func NewRESTChannel(logger *zap.Logger) *RESTChannel {
	return &RESTChannel{
		pending: make(map[string]chan *OutboundMessage),
		logger:  logger,
	}
}

func (c *RESTChannel) Platform() string { return "rest" }

func (c *RESTChannel) Connect(_ context.Context) error { return nil }

func (c *RESTChannel) OnMessage(h MessageHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *RESTChannel) Close() error { return nil }

// Send answers a waiting command request, or appends to the alert feed
// when the message is not a reply.
func (c *RESTChannel) Send(_ context.Context, msg *OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.ChannelID == "" {
		c.feed = append(c.feed, msg)
		if len(c.feed) > restFeedLimit {
			c.feed = append([]*OutboundMessage(nil), c.feed[len(c.feed)-restFeedLimit:]...)
		}
		return nil
	}
	ch, ok := c.pending[msg.ChannelID]
	if !ok {
		return fmt.Errorf("no active request: %s", msg.ChannelID)
	}
	select {
	case ch <- msg:
		return nil
	default:
		return fmt.Errorf("request %s already answered", msg.ChannelID)
	}
}

// Feed returns relayed alert messages, oldest first.
func (c *RESTChannel) Feed() []*OutboundMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*OutboundMessage(nil), c.feed...)
}

// Routes returns a chi router with the feed and command endpoints.
func (c *RESTChannel) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/feed", c.handleFeed)
	r.Post("/command", c.handleCommand)
	return r
}

func (c *RESTChannel) handleFeed(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(c.Feed())
}

// handleCommand dispatches an inbound command and waits for the reply.
func (c *RESTChannel) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"user_id"`
		UserName string `json:"user_name"`
		Content  string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		http.Error(w, `{"error":"content is required"}`, http.StatusBadRequest)
		return
	}

	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h == nil {
		http.Error(w, `{"error":"commands are not enabled"}`, http.StatusServiceUnavailable)
		return
	}

	channelID := uuid.New().String()
	ch := make(chan *OutboundMessage, 1)
	c.mu.Lock()
	c.pending[channelID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, channelID)
		c.mu.Unlock()
	}()

	go h(&InboundMessage{
		Platform:  "rest",
		ChannelID: channelID,
		UserID:    req.UserID,
		UserName:  req.UserName,
		Content:   req.Content,
		Timestamp: time.Now(),
	})

	select {
	case msg := <-ch:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(msg)
	case <-time.After(commandTimeout + time.Second):
		http.Error(w, `{"error":"no reply; the command may be unknown"}`, http.StatusGatewayTimeout)
	case <-r.Context().Done():
	}
}
