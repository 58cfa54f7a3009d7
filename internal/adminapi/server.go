// Package adminapi serves the operator HTTP API over personas, sessions and
// group settings.
package adminapi

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/chorus/internal/models"
)

// PersonaLister lists built-in personas.
type PersonaLister interface {
	ListBuiltins(ctx context.Context, scope string) ([]models.Persona, error)
}

// SessionStore reads and archives conversation sessions.
type SessionStore interface {
	ListForConversation(ctx context.Context, conversationID string, activeOnly bool) ([]models.Session, error)
	ArchiveConversation(ctx context.Context, conversationID string) (int64, error)
}

// GroupAdmin reads and changes group settings. Mode switches go through the
// same path as the chat command so the archive behavior matches.
type GroupAdmin interface {
	Setting(ctx context.Context, conversationID string) (*models.GroupSetting, error)
	SwitchMode(ctx context.Context, conversationID, mode string) error
	SetAmbient(ctx context.Context, conversationID string, enabled bool) error
}

// StartOpts holds configuration for the admin API server.
type StartOpts struct {
	Personas  PersonaLister
	Sessions  SessionStore
	Groups    GroupAdmin
	JWTSecret string
	Port      int
	Out       io.Writer
}

func (o StartOpts) validate() error {
	if o.Personas == nil {
		return fmt.Errorf("adminapi: personas is required")
	}
	if o.Sessions == nil {
		return fmt.Errorf("adminapi: sessions is required")
	}
	if o.Groups == nil {
		return fmt.Errorf("adminapi: groups is required")
	}
	if o.JWTSecret == "" {
		return fmt.Errorf("adminapi: jwt secret is required")
	}
	return nil
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router, nil
}

// Start launches the admin API server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8089
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Admin API listening on :%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("adminapi: %w", err)
	}
	return nil
}
