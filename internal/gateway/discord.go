package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordChannel posts alerts through the Discord bot gateway and accepts
// operator commands from the channels the bot can read.
type DiscordChannel struct {
	token       string
	alertRoom   string
	session     *discordgo.Session
	handler     MessageHandler
	connected   bool
	connectedAt time.Time
	lastError   string
	mu          sync.RWMutex
	logger      *zap.Logger
}

func NewDiscordChannel(token, alertRoom string, logger *zap.Logger) *DiscordChannel {
	return &DiscordChannel{
		token:     token,
		alertRoom: alertRoom,
		logger:    logger,
	}
}

func (c *DiscordChannel) Platform() string { return "discord" }

func (c *DiscordChannel) OnMessage(h MessageHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Connect opens the Discord gateway websocket.
func (c *DiscordChannel) Connect(_ context.Context) error {
	session, err := discordgo.New("Bot " + c.token)
	if err != nil {
		c.setError(fmt.Sprintf("session create: %v", err))
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages
	session.AddHandler(c.onMessageCreate)

	if err := session.Open(); err != nil {
		c.setError(fmt.Sprintf("open failed: %v", err))
		return fmt.Errorf("discord open: %w", err)
	}

	c.mu.Lock()
	c.session = session
	c.connected = true
	c.connectedAt = time.Now()
	c.lastError = ""
	c.mu.Unlock()

	if len(session.State.Guilds) == 0 {
		c.logger.Warn("discord bot not added to any server, invite it first")
	}
	c.logger.Info("discord channel connected",
		zap.String("user", session.State.User.Username),
		zap.Int("guilds", len(session.State.Guilds)))
	return nil
}

func (c *DiscordChannel) setError(msg string) {
	c.mu.Lock()
	c.lastError = msg
	c.connected = false
	c.mu.Unlock()
}

func (c *DiscordChannel) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID {
		return
	}
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h == nil {
		return
	}

	h(&InboundMessage{
		Platform:  "discord",
		ChannelID: m.ChannelID,
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		ReplyTo:   m.ID,
	})
}

// Send posts a message, as a reply when ReplyTo names a message id.
func (c *DiscordChannel) Send(_ context.Context, msg *OutboundMessage) error {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()
	if session == nil {
		return fmt.Errorf("discord send: not connected")
	}

	room := msg.ChannelID
	if room == "" {
		room = c.alertRoom
	}
	var err error
	if msg.ReplyTo != "" {
		_, err = session.ChannelMessageSendReply(room, msg.Content, &discordgo.MessageReference{
			MessageID: msg.ReplyTo,
			ChannelID: room,
		})
	} else {
		_, err = session.ChannelMessageSend(room, msg.Content)
	}
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// Close shuts down the Discord session.
func (c *DiscordChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	c.connected = false
	return c.session.Close()
}

func (c *DiscordChannel) Status() ChannelStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := ChannelStatus{
		Platform:  "discord",
		Connected: c.connected,
		Error:     c.lastError,
	}
	if c.connected {
		t := c.connectedAt
		s.ConnectedAt = &t
		guilds := 0
		if c.session != nil && c.session.State != nil {
			guilds = len(c.session.State.Guilds)
		}
		s.Details = fmt.Sprintf("room=%s, guilds=%d", c.alertRoom, guilds)
	}
	return s
}
