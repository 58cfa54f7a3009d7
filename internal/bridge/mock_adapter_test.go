package bridge

import (
	"context"
	"errors"
	"testing"
)

func TestMockAdapter_ImplementsAdapter(t *testing.T) {
	var _ Adapter = NewMockAdapter()
	var _ BotUserIDer = NewMockAdapter()
}

func TestMockAdapter_ListenBeforeConnect(t *testing.T) {
	m := NewMockAdapter()
	if _, err := m.Listen(context.Background()); err == nil {
		t.Error("Listen before Connect succeeded")
	}
}

func TestMockAdapter_SendRecords(t *testing.T) {
	ctx := context.Background()
	m := NewMockAdapter()
	if err := m.Send(ctx, OutboundMessage{Text: "early"}); err == nil {
		t.Error("Send before Connect succeeded")
	}
	m.Connect(ctx)
	m.Send(ctx, OutboundMessage{ChannelID: "C1", Text: "one"})
	m.Send(ctx, OutboundMessage{ChannelID: "C1", Text: "two"})

	if m.SentCount() != 2 {
		t.Errorf("SentCount = %d, want 2", m.SentCount())
	}
	last, ok := m.LastSent()
	if !ok || last.Text != "two" {
		t.Errorf("LastSent = %+v, want two", last)
	}
	all := m.AllSent()
	all[0].Text = "mutated"
	if m.AllSent()[0].Text != "one" {
		t.Error("AllSent returned internal slice")
	}

	m.SetSendError(errors.New("boom"))
	if err := m.Send(ctx, OutboundMessage{Text: "three"}); err == nil {
		t.Error("Send with error set succeeded")
	}
}

func TestMockAdapter_CloseIdempotent(t *testing.T) {
	m := NewMockAdapter()
	m.Connect(context.Background())
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := m.Connect(context.Background()); err == nil {
		t.Error("Connect after Close succeeded")
	}
}

func TestMockAdapter_SimulateInbound(t *testing.T) {
	ctx := context.Background()
	m := NewMockAdapter()
	m.Connect(ctx)
	ch, _ := m.Listen(ctx)
	m.SimulateInbound(InboundMessage{Text: "hi"})
	msg := <-ch
	if msg.Text != "hi" || msg.Timestamp.IsZero() {
		t.Errorf("msg = %+v, want text and timestamp", msg)
	}
}
