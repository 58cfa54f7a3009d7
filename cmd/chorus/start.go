package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/zulandar/chorus/internal/adminapi"
	"github.com/zulandar/chorus/internal/bridge"
	"github.com/zulandar/chorus/internal/cachesync"
	discordadapter "github.com/zulandar/chorus/internal/bridge/discord"
	slackadapter "github.com/zulandar/chorus/internal/bridge/slack"
	"github.com/zulandar/chorus/internal/config"
	"github.com/zulandar/chorus/internal/db"
	"github.com/zulandar/chorus/internal/engine"
	"github.com/zulandar/chorus/internal/generate"
	"github.com/zulandar/chorus/internal/group"
	"github.com/zulandar/chorus/internal/msgcache"
	"github.com/zulandar/chorus/internal/persona"
	"github.com/zulandar/chorus/internal/prompt"
	"github.com/zulandar/chorus/internal/session"
	"gorm.io/gorm"
)

func newStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the chat bridge",
		Long:  "Connects to the configured chat platform and answers messages until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to chorus config file")
	return cmd
}

// platformAdapter is a chat transport that can also answer channel-admin
// questions for the authorizer.
type platformAdapter interface {
	bridge.Adapter
	engine.AdminChecker
}

// stack is the wired set of components behind one running bridge.
type stack struct {
	db       *gorm.DB
	personas *persona.Store
	sessions *session.Manager
	policy   *group.Policy
	engine   *engine.Engine
	trimmer  *msgcache.Trimmer
	bus      *cachesync.RedisBus // nil without redis
}

// background returns the runners the daemon starts next to the listener.
func (st *stack) background() []bridge.Runner {
	runners := []bridge.Runner{st.trimmer}
	if st.bus != nil {
		runners = append(runners, st.bus)
	}
	return runners
}

func runStart(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	adapter, err := createAdapter(cfg)
	if err != nil {
		return err
	}

	locker, bus, err := newCoordination(cfg)
	if err != nil {
		return err
	}

	st, err := buildStack(cfg, locker, bus, adapter, out)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	if cfg.API.Enabled {
		go func() {
			err := adminapi.Start(ctx, adminapi.StartOpts{
				Personas:  st.personas,
				Sessions:  st.sessions,
				Groups:    st.policy,
				JWTSecret: cfg.API.JWTSecret,
				Port:      cfg.API.Port,
				Out:       out,
			})
			if err != nil {
				log.Printf("chorus: admin api: %v", err)
			}
		}()
	}

	daemon, err := bridge.NewDaemon(bridge.DaemonOpts{
		Adapter:    adapter,
		Handler:    st.engine,
		Background: st.background(),
		Out:        out,
	})
	if err != nil {
		return err
	}
	return daemon.Run(ctx)
}

// buildStack opens the database, seeds the built-in catalog and wires every
// component the engine needs. bus and checker may be nil.
func buildStack(cfg *config.Config, locker session.KeyLocker, bus *cachesync.RedisBus, checker engine.AdminChecker, out io.Writer) (*stack, error) {
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}
	if err := db.SeedBuiltinPersonas(gormDB, cfg.Personas.Builtin); err != nil {
		return nil, err
	}

	var pub cachesync.Publisher
	if bus != nil {
		pub = bus
	}

	st := &stack{db: gormDB, bus: bus}
	if st.personas, err = persona.NewStore(persona.StoreOpts{DB: gormDB, Invalidations: pub}); err != nil {
		return nil, err
	}
	st.sessions, err = session.NewManager(session.ManagerOpts{
		DB:       gormDB,
		Personas: st.personas,
		Locker:   locker,
		Timeout:  cfg.SessionTimeout(),
	})
	if err != nil {
		return nil, err
	}

	cache, err := msgcache.NewCache(msgcache.CacheOpts{DB: gormDB})
	if err != nil {
		return nil, err
	}
	st.trimmer, err = msgcache.NewTrimmer(msgcache.TrimmerOpts{
		Cache:     cache,
		Schedule:  cfg.Cache.TrimCron,
		Retention: time.Duration(cfg.Cache.RetentionHours) * time.Hour,
		Keep:      cfg.Cache.KeepPerConversation,
		Out:       out,
	})
	if err != nil {
		return nil, err
	}

	settings, err := group.NewSettings(group.SettingsOpts{
		DB:               gormDB,
		DefaultMode:      cfg.Group.DefaultMode,
		AmbientByDefault: cfg.Group.Ambient.EnabledByDefault,
		Invalidations:    pub,
	})
	if err != nil {
		return nil, err
	}
	if bus != nil {
		bus.Register(cachesync.KindPersona, st.personas)
		bus.Register(cachesync.KindGroupSetting, settings)
	}
	st.policy, err = group.NewPolicy(group.PolicyOpts{
		Settings:    settings,
		Cache:       cache,
		Personas:    st.personas,
		Sessions:    st.sessions,
		DefaultRole: cfg.Personas.DefaultGroupRole,
		AmbientN:    cfg.Group.Ambient.N,
		AmbientK:    cfg.Group.Ambient.K,
	})
	if err != nil {
		return nil, err
	}

	gen, err := generate.FromConfig(cfg.Generation)
	if err != nil {
		return nil, err
	}

	st.engine, err = engine.NewEngine(engine.EngineOpts{
		Personas:  st.personas,
		Sessions:  st.sessions,
		Policy:    st.policy,
		Resolver:  prompt.NewResolverFromConfig(cfg),
		Generator: gen,
		Authorizer: engine.NewConfigAuthorizer(engine.ConfigAuthorizerOpts{
			AdminIDs:         cfg.Admin.UserIDs,
			RestrictPersonas: cfg.Admin.RestrictPersonas,
			Checker:          checker,
		}),
		DefaultPrivate:     cfg.Personas.DefaultPrivate,
		AvailableModels:    cfg.Generation.AvailableModels,
		AmbientPlaceholder: cfg.Group.Ambient.Placeholder,
		CommandPrefix:      cfg.Commands.Prefix,
		Out:                out,
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// newCoordination returns a Redis-backed locker and invalidation bus when
// redis.addr is set, so several chorus processes can share one database.
// Otherwise locks stay in-process and the bus is nil.
func newCoordination(cfg *config.Config) (session.KeyLocker, *cachesync.RedisBus, error) {
	if cfg.Redis.Addr == "" {
		return session.NewMemoryLocker(), nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	locker, err := session.NewRedisLocker(session.RedisLockerOpts{
		Client: client,
		TTL:    time.Duration(cfg.Redis.LockTTL) * time.Second,
	})
	if err != nil {
		return nil, nil, err
	}
	bus, err := cachesync.NewRedisBus(cachesync.RedisBusOpts{
		Client:  client,
		Channel: cfg.Redis.InvalidateChannel,
	})
	if err != nil {
		return nil, nil, err
	}
	return locker, bus, nil
}

// createAdapter builds a platform adapter from the config.
func createAdapter(cfg *config.Config) (platformAdapter, error) {
	switch cfg.Platform {
	case "discord":
		a, err := discordadapter.New(discordadapter.AdapterOpts{
			BotToken: cfg.Discord.BotToken,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	case "slack":
		a, err := slackadapter.New(slackadapter.AdapterOpts{
			AppToken: cfg.Slack.AppToken,
			BotToken: cfg.Slack.BotToken,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("chorus: unsupported platform %q", cfg.Platform)
	}
}
