// Package bridge connects chat platforms (Discord, Slack) to the turn engine.
package bridge

import (
	"context"
	"time"
)

// Adapter is the interface that platform-specific implementations must satisfy.
// Each adapter handles connection management and message sending/receiving
// for a single chat platform.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages from the platform.
	// The channel is closed when the adapter is closed. Listen must only be
	// called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg OutboundMessage) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// InboundMessage represents a message received from the chat platform.
// IsGroup, MentionsBot and ReplyToBot are resolved by the adapter, which
// knows the platform's channel types and reply model.
type InboundMessage struct {
	Platform    string    // e.g. "slack", "discord"
	ChannelID   string    // platform-specific channel identifier
	ThreadID    string    // thread identifier (empty if top-level)
	UserID      string    // platform-specific user identifier
	UserName    string    // human-readable username
	Text        string    // raw message text
	IsGroup     bool      // false for direct messages
	MentionsBot bool      // the bot was @mentioned
	ReplyToBot  bool      // the message replies to one of the bot's messages
	Timestamp   time.Time // when the message was sent
}

// OutboundMessage represents a message to be sent to the chat platform.
type OutboundMessage struct {
	ChannelID string // target channel
	ThreadID  string // thread to reply in (empty for top-level)
	Text      string // message text (platform-native formatting)
}

// BotUserIDer is an optional interface that adapters can implement to
// expose the bot's own user ID. This enables self-message filtering and
// mention stripping.
type BotUserIDer interface {
	BotUserID() string
}
