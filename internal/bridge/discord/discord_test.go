package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/chorus/internal/bridge"
)

// --- Mock Discord session ---

type mockSession struct {
	mu           sync.Mutex
	opened       bool
	closeCalled  bool
	openErr      error
	sentMessages []sentMessage
	sendErr      error
	sendFails    int // leading sends that return 429
	sendCalls    int
	perms        map[string]int64 // key: "user/channel"
	permsErr     error
	handlers     []interface{}
	removeCount  int
	channels     map[string]*discordgo.Channel
}

type sentMessage struct {
	channelID string
	data      *discordgo.MessageSend
}

func newMockSession() *mockSession {
	return &mockSession{
		perms:    make(map[string]int64),
		channels: make(map[string]*discordgo.Channel),
	}
}

func (m *mockSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}

func (m *mockSession) Channel(channelID string) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[channelID]; ok {
		return ch, nil
	}
	return nil, fmt.Errorf("channel not found: %s", channelID)
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendCalls++
	if m.sendCalls <= m.sendFails {
		return nil, &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
	}
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sentMessages = append(m.sentMessages, sentMessage{channelID: channelID, data: data})
	return &discordgo.Message{ID: "msg-123"}, nil
}

func (m *mockSession) UserChannelPermissions(userID, channelID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.permsErr != nil {
		return 0, m.permsErr
	}
	return m.perms[userID+"/"+channelID], nil
}

func (m *mockSession) AddHandler(handler interface{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.removeCount++
	}
}

func (m *mockSession) lastSent() sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sentMessages[len(m.sentMessages)-1]
}

func newTestAdapter(t *testing.T) (*Adapter, *mockSession) {
	t.Helper()
	sess := newMockSession()
	a, err := New(AdapterOpts{Session: sess})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	a.SetBotUserID("BOT_USER_ID")
	a.baseBackoff = time.Millisecond
	a.maxBackoff = 10 * time.Millisecond
	return a, sess
}

func receive(t *testing.T, ch <-chan bridge.InboundMessage) bridge.InboundMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound message")
	}
	return bridge.InboundMessage{}
}

func expectNone(t *testing.T, ch <-chan bridge.InboundMessage) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Errorf("unexpected message: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNew_RequiresBotToken(t *testing.T) {
	_, err := New(AdapterOpts{})
	if err == nil || !strings.Contains(err.Error(), "bot token") {
		t.Errorf("err = %v, want to mention bot token", err)
	}
}

func TestAdapter_Interfaces(t *testing.T) {
	var _ bridge.Adapter = (*Adapter)(nil)
	var _ bridge.BotUserIDer = (*Adapter)(nil)
}

func TestConnect_OpenError(t *testing.T) {
	sess := newMockSession()
	sess.openErr = errors.New("gateway down")
	a, _ := New(AdapterOpts{Session: sess})
	err := a.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "open gateway") {
		t.Errorf("err = %v, want open gateway error", err)
	}
}

func TestConnect_RegistersReadyHandler(t *testing.T) {
	a, sess := newTestAdapter(t)
	a.SetBotUserID("")

	sess.mu.Lock()
	handlers := append([]interface{}(nil), sess.handlers...)
	sess.mu.Unlock()
	for _, h := range handlers {
		if ready, ok := h.(func(*discordgo.Session, *discordgo.Ready)); ok {
			ready(nil, &discordgo.Ready{User: &discordgo.User{ID: "B42", Username: "chorus"}})
		}
	}
	if got := a.BotUserID(); got != "B42" {
		t.Errorf("BotUserID = %q, want B42", got)
	}
}

func TestConnect_AlreadyClosed(t *testing.T) {
	a, _ := newTestAdapter(t)
	a.Close()
	if err := a.Connect(context.Background()); err == nil {
		t.Error("Connect after Close succeeded")
	}
}

func TestListen_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Session: newMockSession()})
	if _, err := a.Listen(context.Background()); err == nil {
		t.Error("Listen before Connect succeeded")
	}
}

func TestHandleMessage_DirectMessage(t *testing.T) {
	a, _ := newTestAdapter(t)
	ch, _ := a.Listen(context.Background())

	a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "123456789012345678",
		ChannelID: "DM1",
		Content:   "hello",
		Author:    &discordgo.User{ID: "U_ALICE", Username: "Alice"},
	}})

	msg := receive(t, ch)
	if msg.Platform != "discord" || msg.ChannelID != "DM1" || msg.UserID != "U_ALICE" || msg.UserName != "Alice" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.IsGroup {
		t.Error("direct message marked as group")
	}
	if msg.MentionsBot || msg.ReplyToBot {
		t.Errorf("msg = %+v, want not addressed", msg)
	}
}

func TestHandleMessage_GuildMention(t *testing.T) {
	a, _ := newTestAdapter(t)
	ch, _ := a.Listen(context.Background())

	a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "1",
		ChannelID: "C1",
		GuildID:   "G1",
		Content:   "<@BOT_USER_ID> hi",
		Author:    &discordgo.User{ID: "U1", Username: "ana"},
		Mentions:  []*discordgo.User{{ID: "U9"}, {ID: "BOT_USER_ID"}},
	}})

	msg := receive(t, ch)
	if !msg.IsGroup || !msg.MentionsBot || msg.ReplyToBot {
		t.Errorf("msg = %+v, want group mention", msg)
	}
}

func TestHandleMessage_ReplyToBot(t *testing.T) {
	a, _ := newTestAdapter(t)
	ch, _ := a.Listen(context.Background())

	a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID:                "1",
		ChannelID:         "C1",
		GuildID:           "G1",
		Content:           "and then?",
		Author:            &discordgo.User{ID: "U1"},
		ReferencedMessage: &discordgo.Message{Author: &discordgo.User{ID: "BOT_USER_ID"}},
	}})
	if msg := receive(t, ch); !msg.ReplyToBot || msg.MentionsBot {
		t.Errorf("msg = %+v, want reply to bot", msg)
	}

	a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID:                "2",
		ChannelID:         "C1",
		GuildID:           "G1",
		Content:           "replying to a human",
		Author:            &discordgo.User{ID: "U1"},
		ReferencedMessage: &discordgo.Message{Author: &discordgo.User{ID: "U2"}},
	}})
	if msg := receive(t, ch); msg.ReplyToBot {
		t.Errorf("msg = %+v, want not addressed", msg)
	}
}

func TestHandleMessage_Filters(t *testing.T) {
	a, _ := newTestAdapter(t)
	ch, _ := a.Listen(context.Background())

	a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{ID: "1", ChannelID: "C1"}})
	a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "2", ChannelID: "C1", Author: &discordgo.User{ID: "BOT_USER_ID"},
	}})
	a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "3", ChannelID: "C1", Author: &discordgo.User{ID: "OTHER_BOT", Bot: true},
	}})
	expectNone(t, ch)
}

func TestHandleMessage_ThreadChannel(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.channels["T1"] = &discordgo.Channel{ID: "T1", ParentID: "C1", Type: discordgo.ChannelTypeGuildPublicThread}
	ch, _ := a.Listen(context.Background())

	a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "1", ChannelID: "T1", GuildID: "G1", Author: &discordgo.User{ID: "U1"}, Content: "in thread",
	}})
	msg := receive(t, ch)
	if msg.ChannelID != "C1" || msg.ThreadID != "T1" {
		t.Errorf("channel/thread = %q/%q, want C1/T1", msg.ChannelID, msg.ThreadID)
	}
}

func TestSend_ThreadTakesPrecedence(t *testing.T) {
	a, sess := newTestAdapter(t)
	if err := a.Send(context.Background(), bridge.OutboundMessage{ChannelID: "C1", ThreadID: "T1", Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := sess.lastSent()
	if got.channelID != "T1" || got.data.Content != "hi" {
		t.Errorf("sent = %s %q, want T1 hi", got.channelID, got.data.Content)
	}
}

func TestSend_NoChannel(t *testing.T) {
	a, _ := newTestAdapter(t)
	if err := a.Send(context.Background(), bridge.OutboundMessage{Text: "hi"}); err == nil {
		t.Error("Send without channel succeeded")
	}
}

func TestSend_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Session: newMockSession()})
	if err := a.Send(context.Background(), bridge.OutboundMessage{ChannelID: "C1"}); err == nil {
		t.Error("Send before Connect succeeded")
	}
}

func TestSend_RetriesRateLimit(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.sendFails = 2
	if err := a.Send(context.Background(), bridge.OutboundMessage{ChannelID: "C1", Text: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sess.sendCalls != 3 {
		t.Errorf("send calls = %d, want 3", sess.sendCalls)
	}
}

func TestSend_ExhaustsRetries(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.sendFails = 10
	if err := a.Send(context.Background(), bridge.OutboundMessage{ChannelID: "C1", Text: "x"}); err == nil {
		t.Error("Send succeeded after exhausting retries")
	}
	if sess.sendCalls != maxRetries+1 {
		t.Errorf("send calls = %d, want %d", sess.sendCalls, maxRetries+1)
	}
}

func TestIsChannelAdmin(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.perms["ADMIN/C1"] = discordgo.PermissionAdministrator
	sess.perms["MOD/C1"] = discordgo.PermissionManageChannels
	sess.perms["USER/C1"] = discordgo.PermissionSendMessages

	for user, want := range map[string]bool{"ADMIN": true, "MOD": true, "USER": false, "NOBODY": false} {
		got, err := a.IsChannelAdmin(context.Background(), "C1", user)
		if err != nil {
			t.Fatalf("IsChannelAdmin(%s): %v", user, err)
		}
		if got != want {
			t.Errorf("IsChannelAdmin(%s) = %v, want %v", user, got, want)
		}
	}

	sess.permsErr = errors.New("unknown member")
	if _, err := a.IsChannelAdmin(context.Background(), "C1", "ADMIN"); err == nil {
		t.Error("IsChannelAdmin swallowed the permissions error")
	}
}

func TestClose_RemovesHandlerAndClosesSession(t *testing.T) {
	a, sess := newTestAdapter(t)
	a.Listen(context.Background())
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.removeCount != 1 || !sess.closeCalled {
		t.Errorf("removeCount = %d closeCalled = %v", sess.removeCount, sess.closeCalled)
	}
}

func TestMentions(t *testing.T) {
	users := []*discordgo.User{nil, {ID: "A"}, {ID: "B"}}
	if !mentions(users, "B") {
		t.Error("mentions(B) = false, want true")
	}
	if mentions(users, "C") || mentions(users, "") {
		t.Error("mentions matched a missing id")
	}
}
