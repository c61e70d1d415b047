package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"
)

// SlackChannel posts alerts with the Web API and, when an app-level token
// is configured, listens for operator commands over Socket Mode.
type SlackChannel struct {
	alertRoom   string
	client      *slack.Client
	socket      *socketmode.Client
	handler     MessageHandler
	connected   bool
	connectedAt time.Time
	mu          sync.RWMutex
	logger      *zap.Logger
}

// NewSlackChannel creates a Slack channel. botToken is the Bot User OAuth
// Token (xoxb-...); appToken (xapp-...) may be empty to disable commands.
func NewSlackChannel(botToken, appToken, alertRoom string, logger *zap.Logger) *SlackChannel {
	opts := []slack.Option{}
	if appToken != "" {
		opts = append(opts, slack.OptionAppLevelToken(appToken))
	}
	client := slack.New(botToken, opts...)

	c := &SlackChannel{
		alertRoom: alertRoom,
		client:    client,
		logger:    logger,
	}
	if appToken != "" {
		c.socket = socketmode.New(client, socketmode.OptionLog(zap.NewStdLog(logger)))
	}
	return c
}

func (c *SlackChannel) Platform() string { return "slack" }

func (c *SlackChannel) OnMessage(h MessageHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Connect starts the Socket Mode event loop in a background goroutine.
func (c *SlackChannel) Connect(ctx context.Context) error {
	if c.socket != nil {
		go c.handleEvents(ctx)
		go func() {
			if err := c.socket.RunContext(ctx); err != nil {
				c.logger.Error("slack socket mode error", zap.Error(err))
			}
		}()
	}
	c.mu.Lock()
	c.connected = true
	c.connectedAt = time.Now()
	c.mu.Unlock()
	c.logger.Info("slack channel connected", zap.Bool("commands", c.socket != nil))
	return nil
}

func (c *SlackChannel) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socket.Events:
			if !ok {
				return
			}
			c.processEvent(evt)
		}
	}
}

func (c *SlackChannel) processEvent(evt socketmode.Event) {
	if evt.Type != socketmode.EventTypeEventsAPI {
		return
	}
	eventsAPI, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	c.socket.Ack(*evt.Request)

	if eventsAPI.Type != slackevents.CallbackEvent {
		return
	}
	msg, ok := eventsAPI.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok || msg.BotID != "" {
		return
	}

	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h == nil {
		return
	}

	threadTS := msg.ThreadTimeStamp
	if threadTS == "" {
		threadTS = msg.TimeStamp
	}
	h(&InboundMessage{
		Platform:  "slack",
		ChannelID: msg.Channel,
		UserID:    msg.User,
		UserName:  msg.User,
		Content:   msg.Text,
		Timestamp: time.Now(),
		ReplyTo:   threadTS,
	})
}

// Send posts a message, threading it when ReplyTo is set.
func (c *SlackChannel) Send(ctx context.Context, msg *OutboundMessage) error {
	room := msg.ChannelID
	if room == "" {
		room = c.alertRoom
	}
	opts := []slack.MsgOption{slack.MsgOptionText(msg.Content, false)}
	if msg.ReplyTo != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ReplyTo))
	}

	if _, _, err := c.client.PostMessageContext(ctx, room, opts...); err != nil {
		c.logger.Error("slack send failed", zap.String("channel", room), zap.Error(err))
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

// Close is a no-op; the socket context cancellation handles shutdown.
func (c *SlackChannel) Close() error {
	return nil
}

func (c *SlackChannel) Status() ChannelStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := ChannelStatus{Platform: "slack", Connected: c.connected, Details: "room=" + c.alertRoom}
	if c.connected {
		t := c.connectedAt
		s.ConnectedAt = &t
	}
	return s
}
