// Package discord implements the bridge Adapter for Discord using the Gateway WebSocket.
package discord

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/chorus/internal/bridge"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
)

// adminPermissions are the channel permissions that count as admin for
// group settings commands.
const adminPermissions = discordgo.PermissionAdministrator | discordgo.PermissionManageChannels

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	Channel(channelID string) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelPermissions(userID, channelID string) (int64, error)
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) Channel(channelID string) (*discordgo.Channel, error) {
	return r.s.State.Channel(channelID)
}
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) UserChannelPermissions(userID, channelID string) (int64, error) {
	return r.s.UserChannelPermissions(userID, channelID)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Adapter implements bridge.Adapter for Discord via the Gateway WebSocket.
// It also implements engine.AdminChecker from channel permissions.
type Adapter struct {
	sess          session
	botToken      string
	botUserID     string
	mu            sync.Mutex
	connected     bool
	closed        bool
	inbound       chan bridge.InboundMessage
	removeHandler func()
	baseBackoff   time.Duration
	maxBackoff    time.Duration
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken string // Discord bot token
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	return &Adapter{
		sess:        opts.Session,
		botToken:    opts.BotToken,
		inbound:     make(chan bridge.InboundMessage, 100),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	// Ready carries the bot user ID, on connect and on every reconnect.
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
	})
	a.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
	})
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Resumed) {
		log.Printf("discord: gateway session resumed")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.connected = true
	return nil
}

// Listen returns a channel of inbound messages from Discord. Registers a
// message handler on the Gateway session. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan bridge.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}
	a.removeHandler = a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(m)
	})
	return a.inbound, nil
}

// Send delivers a message to Discord.
func (a *Adapter) Send(ctx context.Context, msg bridge.OutboundMessage) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return fmt.Errorf("discord: not connected")
	}
	a.mu.Unlock()

	// In Discord, threads are channels. If ThreadID is set, send there directly.
	channelID := msg.ThreadID
	if channelID == "" {
		channelID = msg.ChannelID
	}
	if channelID == "" {
		return fmt.Errorf("discord: no channel specified")
	}

	data := &discordgo.MessageSend{Content: msg.Text}
	err := a.retryOnRateLimit(ctx, func() error {
		_, sendErr := a.sess.ChannelMessageSendComplex(channelID, data)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// Close gracefully shuts down the adapter connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.removeHandler != nil {
		a.removeHandler()
	}
	close(a.inbound)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user ID (available after Ready).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

// IsChannelAdmin reports whether the user holds Administrator or Manage
// Channels in the channel.
func (a *Adapter) IsChannelAdmin(ctx context.Context, channelID, userID string) (bool, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return false, fmt.Errorf("discord: not connected")
	}
	a.mu.Unlock()

	var perms int64
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		perms, apiErr = a.sess.UserChannelPermissions(userID, channelID)
		return apiErr
	})
	if err != nil {
		return false, fmt.Errorf("discord: channel permissions: %w", err)
	}
	return perms&adminPermissions != 0, nil
}

// handleMessage converts a Discord message event to an InboundMessage.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	a.mu.Lock()
	botID := a.botUserID
	closed := a.closed
	a.mu.Unlock()
	if closed || m.Author.ID == botID {
		return
	}

	// A message sent inside a thread has the thread as its channel. The
	// conversation is the parent channel; replies go back to the thread.
	channelID := m.ChannelID
	threadID := ""
	if ch, err := a.sess.Channel(m.ChannelID); err == nil && ch.IsThread() {
		channelID = ch.ParentID
		threadID = m.ChannelID
	}

	ts, _ := discordgo.SnowflakeTimestamp(m.ID)

	a.inbound <- bridge.InboundMessage{
		Platform:    "discord",
		ChannelID:   channelID,
		ThreadID:    threadID,
		UserID:      m.Author.ID,
		UserName:    m.Author.Username,
		Text:        m.Content,
		IsGroup:     m.GuildID != "",
		MentionsBot: mentions(m.Mentions, botID),
		ReplyToBot:  botID != "" && m.ReferencedMessage != nil && m.ReferencedMessage.Author != nil && m.ReferencedMessage.Author.ID == botID,
		Timestamp:   ts,
	}
}

func mentions(users []*discordgo.User, id string) bool {
	if id == "" {
		return false
	}
	for _, u := range users {
		if u != nil && u.ID == id {
			return true
		}
	}
	return false
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err
		}

		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}

		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v",
			attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
