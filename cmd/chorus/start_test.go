package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/chorus/internal/bridge/discord"
	"github.com/zulandar/chorus/internal/bridge/slack"
	"github.com/zulandar/chorus/internal/cachesync"
	"github.com/zulandar/chorus/internal/config"
	"github.com/zulandar/chorus/internal/engine"
	"github.com/zulandar/chorus/internal/session"

	"github.com/redis/go-redis/v9"
)

func TestCreateAdapter(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Config
		wantErr string
	}{
		{"discord", config.Config{Platform: "discord", Discord: config.DiscordConfig{BotToken: "tok"}}, ""},
		{"discord without token", config.Config{Platform: "discord"}, "bot token is required"},
		{"slack", config.Config{Platform: "slack", Slack: config.SlackConfig{BotToken: "xoxb", AppToken: "xapp"}}, ""},
		{"slack without app token", config.Config{Platform: "slack", Slack: config.SlackConfig{BotToken: "xoxb"}}, "app token is required"},
		{"unknown", config.Config{Platform: "irc"}, "unsupported platform"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := createAdapter(&tt.cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("err = %v, want %q", err, tt.wantErr)
				}
				if a != nil {
					t.Errorf("adapter = %v, want nil", a)
				}
				return
			}
			if err != nil {
				t.Fatalf("createAdapter: %v", err)
			}
			switch tt.cfg.Platform {
			case "discord":
				if _, ok := a.(*discord.Adapter); !ok {
					t.Errorf("adapter = %T, want *discord.Adapter", a)
				}
			case "slack":
				if _, ok := a.(*slack.Adapter); !ok {
					t.Errorf("adapter = %T, want *slack.Adapter", a)
				}
			}
		})
	}
}

func TestNewCoordination(t *testing.T) {
	l, bus, err := newCoordination(&config.Config{})
	if err != nil {
		t.Fatalf("newCoordination: %v", err)
	}
	if _, ok := l.(*session.MemoryLocker); !ok {
		t.Errorf("locker = %T, want *session.MemoryLocker", l)
	}
	if bus != nil {
		t.Errorf("bus = %v, want nil without redis", bus)
	}

	l, bus, err = newCoordination(&config.Config{Redis: config.RedisConfig{Addr: "127.0.0.1:6379", LockTTL: 30}})
	if err != nil {
		t.Fatalf("newCoordination: %v", err)
	}
	if _, ok := l.(*session.RedisLocker); !ok {
		t.Errorf("locker = %T, want *session.RedisLocker", l)
	}
	if bus == nil {
		t.Error("bus = nil, want a redis bus")
	}
}

func TestBuildStack_AnswersCommands(t *testing.T) {
	cfg, err := config.Parse([]byte("database:\n  driver: sqlite\n  path: \"" + filepath.Join(t.TempDir(), "chorus.db") + "\"\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	st, err := buildStack(cfg, session.NewMemoryLocker(), nil, nil, new(bytes.Buffer))
	if err != nil {
		t.Fatalf("buildStack: %v", err)
	}

	reply, ok := st.engine.HandleMessage(context.Background(), engine.Inbound{
		Platform:       "discord",
		ConversationID: "dm-1",
		ParticipantID:  "u1",
		Text:           "!help",
	})
	if !ok || !strings.Contains(reply, "Commands") {
		t.Errorf("reply = %q, ok = %v, want help text", reply, ok)
	}

	reply, _ = st.engine.HandleMessage(context.Background(), engine.Inbound{
		Platform:       "discord",
		ConversationID: "dm-1",
		ParticipantID:  "u1",
		Text:           "!personas",
	})
	if !strings.Contains(reply, "none_prompt") {
		t.Errorf("reply = %q, want built-in none_prompt listed", reply)
	}
}

func TestBuildStack_RunsInvalidationBus(t *testing.T) {
	cfg, err := config.Parse([]byte("database:\n  driver: sqlite\n  path: \"" + filepath.Join(t.TempDir(), "chorus.db") + "\"\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	bus, err := cachesync.NewRedisBus(cachesync.RedisBusOpts{Client: redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})})
	if err != nil {
		t.Fatalf("NewRedisBus: %v", err)
	}

	st, err := buildStack(cfg, session.NewMemoryLocker(), bus, nil, new(bytes.Buffer))
	if err != nil {
		t.Fatalf("buildStack: %v", err)
	}
	if st.bus != bus {
		t.Error("stack does not hold the bus")
	}
	if got := len(st.background()); got != 2 {
		t.Errorf("background runners = %d, want 2", got)
	}

	st, err = buildStack(cfg, session.NewMemoryLocker(), nil, nil, new(bytes.Buffer))
	if err != nil {
		t.Fatalf("buildStack: %v", err)
	}
	if got := len(st.background()); got != 1 {
		t.Errorf("background runners = %d, want 1 without redis", got)
	}
}

func TestStartCmd_MissingConfig(t *testing.T) {
	_, err := run(t, "", "start", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Errorf("err = %v, want load config error", err)
	}
}

func TestStartCmd_AdapterError(t *testing.T) {
	t.Setenv("CHORUS_DISCORD_TOKEN", "")
	path := writeConfig(t, "platform: discord\n")
	_, err := run(t, "", "start", "-c", path)
	if err == nil || !strings.Contains(err.Error(), "bot token is required") {
		t.Errorf("err = %v, want bot token error", err)
	}
}
