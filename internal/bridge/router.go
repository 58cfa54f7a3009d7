package bridge

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/zulandar/chorus/internal/engine"
)

// maxChunkLen is the Discord message limit; Slack accepts more but shares it.
const maxChunkLen = 2000

// Handler processes one normalized message. *engine.Engine implements it.
type Handler interface {
	HandleMessage(ctx context.Context, in engine.Inbound) (string, bool)
}

// Router normalizes inbound chat messages, hands them to the engine and
// relays the reply back through the adapter.
type Router struct {
	handler Handler
	adapter Adapter
	out     io.Writer
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Handler Handler
	Adapter Adapter
	Out     io.Writer // defaults to os.Stdout
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Handler == nil {
		return nil, fmt.Errorf("bridge: router: handler is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("bridge: router: adapter is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Router{handler: opts.Handler, adapter: opts.Adapter, out: out}, nil
}

// Handle routes a single inbound message:
//  1. Bot self-message: ignore
//  2. Strip the bot mention from the text
//  3. Engine: commands, wizard, then the chat turn
//  4. Send the reply in chunks, in the thread the message came from
func (r *Router) Handle(ctx context.Context, msg InboundMessage) {
	botID := r.botUserID()
	if botID != "" && msg.UserID == botID {
		return
	}

	text := stripMention(msg.Text, botID)
	addressed := msg.MentionsBot || msg.ReplyToBot
	fmt.Fprintf(r.out, "bridge: router: recv [ch=%s thread=%s user=%s group=%v addressed=%v] %q\n",
		msg.ChannelID, msg.ThreadID, msg.UserName, msg.IsGroup, addressed, truncate(text, 80))

	reply, ok := r.handler.HandleMessage(ctx, engine.Inbound{
		Platform:       msg.Platform,
		ConversationID: msg.ChannelID,
		ParticipantID:  msg.UserID,
		AuthorName:     msg.UserName,
		IsGroup:        msg.IsGroup,
		Text:           text,
		Addressed:      addressed,
	})
	if !ok || reply == "" {
		return
	}

	for _, chunk := range chunkMessage(reply, maxChunkLen) {
		if err := r.adapter.Send(ctx, OutboundMessage{
			ChannelID: msg.ChannelID,
			ThreadID:  msg.ThreadID,
			Text:      chunk,
		}); err != nil {
			log.Printf("bridge: router: send reply [ch=%s]: %v", msg.ChannelID, err)
			return
		}
	}
}

// botUserID asks the adapter each time; Discord only learns it on Ready.
func (r *Router) botUserID() string {
	if b, ok := r.adapter.(BotUserIDer); ok {
		return b.BotUserID()
	}
	return ""
}

// mentionRe matches Discord (<@ID>, <@!ID>) and Slack (<@ID>) user mentions.
var mentionRe = regexp.MustCompile(`<@!?([A-Za-z0-9]+)>`)

// stripMention removes mentions of botID and trims the result. Mentions of
// other users are kept.
func stripMention(text, botID string) string {
	if botID == "" {
		return strings.TrimSpace(text)
	}
	stripped := mentionRe.ReplaceAllStringFunc(text, func(m string) string {
		if mentionRe.FindStringSubmatch(m)[1] == botID {
			return ""
		}
		return m
	})
	return strings.TrimSpace(stripped)
}

// truncate returns s truncated to maxLen bytes with "..." appended if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// chunkMessage splits text into chunks of at most maxLen bytes. It prefers
// breaking at newlines in the second half of a chunk and never splits a
// UTF-8 sequence.
func chunkMessage(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = maxChunkLen
	}
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		breakAt := -1
		for i := maxLen - 1; i >= maxLen/2; i-- {
			if text[i] == '\n' {
				breakAt = i
				break
			}
		}
		if breakAt >= 0 {
			chunks = append(chunks, text[:breakAt])
			text = text[breakAt+1:]
			continue
		}

		cut := maxLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return chunks
}
