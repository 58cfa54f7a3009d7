package group

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"

	"github.com/zulandar/chorus/internal/models"
	"github.com/zulandar/chorus/internal/msgcache"
	"github.com/zulandar/chorus/internal/persona"
	"github.com/zulandar/chorus/internal/session"
)

// ErrNoRole is returned when neither the shared persona nor the default
// group role can be resolved.
var ErrNoRole = errors.New("group: no role configured")

// Action is what the assistant should do with a group message.
type Action int

const (
	// Ignore means the message is only cached.
	Ignore Action = iota
	// Respond means the message was addressed to the assistant.
	Respond
	// Ambient means the assistant chimes in unprompted.
	Ambient
)

func (a Action) String() string {
	switch a {
	case Respond:
		return "respond"
	case Ambient:
		return "ambient"
	default:
		return "ignore"
	}
}

// Message is a normalized inbound group message.
type Message struct {
	ConversationID string
	ParticipantID  string
	AuthorName     string
	Text           string
	Addressed      bool // mention or reply to the assistant
}

// Decision is the outcome of Policy.Decide.
type Decision struct {
	Action  Action
	Key     session.Key   // set for Respond
	Scope   string        // persona scope for the session at Key
	Context []models.Turn // set for Ambient, oldest first
}

// PersonaSource is the subset of the persona store the policy needs.
type PersonaSource interface {
	Get(ctx context.Context, id uint) (*models.Persona, error)
	DefaultFor(ctx context.Context, scope, preferredName string) (*models.Persona, error)
	Resolve(ctx context.Context, ownerID, key, scope string) (*models.Persona, error)
}

// SessionArchiver archives sessions affected by a policy change.
type SessionArchiver interface {
	ArchiveAll(ctx context.Context, key session.Key) (bool, error)
	ArchiveConversation(ctx context.Context, conversationID string) (int64, error)
}

// Policy implements the per-message group decision table and the
// administrative changes that go with it.
type Policy struct {
	settings    *Settings
	cache       *msgcache.Cache
	personas    PersonaSource
	sessions    SessionArchiver
	defaultRole string
	ambientN    int
	ambientK    int
	intn        func(n int) int
}

// PolicyOpts holds parameters for creating a Policy.
type PolicyOpts struct {
	Settings    *Settings
	Cache       *msgcache.Cache
	Personas    PersonaSource
	Sessions    SessionArchiver
	DefaultRole string          // preferred group_role builtin name
	AmbientN    int             // reply probability is 1/N; N <= 0 disables
	AmbientK    int             // cached messages used as ambient context
	Intn        func(n int) int // defaults to rand.IntN
}

// NewPolicy creates a Policy.
func NewPolicy(opts PolicyOpts) (*Policy, error) {
	if opts.Settings == nil {
		return nil, fmt.Errorf("group: policy: settings is required")
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("group: policy: cache is required")
	}
	if opts.Personas == nil {
		return nil, fmt.Errorf("group: policy: personas is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("group: policy: sessions is required")
	}
	intn := opts.Intn
	if intn == nil {
		intn = rand.IntN
	}
	return &Policy{
		settings:    opts.Settings,
		cache:       opts.Cache,
		personas:    opts.Personas,
		sessions:    opts.Sessions,
		defaultRole: opts.DefaultRole,
		ambientN:    opts.AmbientN,
		ambientK:    opts.AmbientK,
		intn:        intn,
	}, nil
}

// Settings returns the underlying settings store.
func (p *Policy) Settings() *Settings {
	return p.settings
}

// Setting returns the current setting for a conversation.
func (p *Policy) Setting(ctx context.Context, conversationID string) (*models.GroupSetting, error) {
	return p.settings.Get(ctx, conversationID)
}

// Observe appends msg to the message cache. It runs before Decide so the
// triggering message is part of any ambient context.
func (p *Policy) Observe(ctx context.Context, msg Message) error {
	return p.cache.Append(ctx, models.CachedMessage{
		ConversationID: msg.ConversationID,
		AuthorID:       msg.ParticipantID,
		AuthorName:     msg.AuthorName,
		Text:           msg.Text,
	})
}

// Decide applies the decision table to one message.
func (p *Policy) Decide(ctx context.Context, msg Message, setting *models.GroupSetting) (Decision, error) {
	if msg.Addressed {
		if setting.Mode == models.ModeShared {
			return Decision{
				Action: Respond,
				Key:    session.Key{ConversationID: msg.ConversationID},
				Scope:  models.ScopeGroupRole,
			}, nil
		}
		return Decision{
			Action: Respond,
			Key:    session.Key{ConversationID: msg.ConversationID, ParticipantID: msg.ParticipantID},
			Scope:  models.ScopePrivate,
		}, nil
	}

	if setting.Mode != models.ModeShared || !setting.AmbientReply || p.ambientN <= 0 {
		return Decision{Action: Ignore}, nil
	}
	if p.intn(p.ambientN) != 0 {
		return Decision{Action: Ignore}, nil
	}

	recent, err := p.cache.Recent(ctx, msg.ConversationID, p.ambientK)
	if err != nil {
		return Decision{Action: Ignore}, err
	}
	if len(recent) == 0 {
		return Decision{Action: Ignore}, nil
	}
	turns := make([]models.Turn, 0, len(recent))
	for _, m := range recent {
		turns = append(turns, models.Turn{Role: models.RoleUser, Content: msgcache.Format(m)})
	}
	return Decision{Action: Ambient, Key: session.Key{ConversationID: msg.ConversationID}, Scope: models.ScopeGroupRole, Context: turns}, nil
}

// SharedPersona resolves the role for a shared-mode conversation: the
// assigned shared persona when it still exists as a group role, otherwise
// the default group role.
func (p *Policy) SharedPersona(ctx context.Context, setting *models.GroupSetting) (*models.Persona, error) {
	if setting.SharedPersonaID != nil {
		sp, err := p.personas.Get(ctx, *setting.SharedPersonaID)
		switch {
		case err == nil && sp.Scope == models.ScopeGroupRole:
			return sp, nil
		case err == nil:
			log.Printf("group: shared persona %d of %s has scope %s; using default role",
				sp.ID, setting.ConversationID, sp.Scope)
		case errors.Is(err, persona.ErrNotFound):
			log.Printf("group: shared persona %d of %s is gone; using default role",
				*setting.SharedPersonaID, setting.ConversationID)
		default:
			return nil, fmt.Errorf("group: load shared persona: %w", err)
		}
	}

	def, err := p.personas.DefaultFor(ctx, models.ScopeGroupRole, p.defaultRole)
	if errors.Is(err, persona.ErrNotFound) {
		return nil, ErrNoRole
	}
	if err != nil {
		return nil, fmt.Errorf("group: default role: %w", err)
	}
	return def, nil
}

// SwitchMode changes the conversation mode and archives every session in
// it, so the next addressed turn starts fresh under the new mode.
func (p *Policy) SwitchMode(ctx context.Context, conversationID, mode string) error {
	if err := p.settings.SetMode(ctx, conversationID, mode); err != nil {
		return err
	}
	n, err := p.sessions.ArchiveConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	log.Printf("group: %s switched to %s; archived %d sessions", conversationID, mode, n)
	return nil
}

// SetSharedPersona assigns the shared role by id or name and archives the
// shared session. Personas that are not group roles are rejected with
// persona.ErrScopeMismatch.
func (p *Policy) SetSharedPersona(ctx context.Context, conversationID, requesterID, key string) (*models.Persona, error) {
	role, err := p.personas.Resolve(ctx, requesterID, key, models.ScopeGroupRole)
	if errors.Is(err, persona.ErrNotFound) {
		if _, perr := p.personas.Resolve(ctx, requesterID, key, models.ScopePrivate); perr == nil {
			return nil, fmt.Errorf("%w: %q is a private persona", persona.ErrScopeMismatch, key)
		}
	}
	if err != nil {
		return nil, err
	}

	if err := p.settings.SetSharedPersona(ctx, conversationID, &role.ID); err != nil {
		return nil, err
	}
	if _, err := p.sessions.ArchiveAll(ctx, session.Key{ConversationID: conversationID}); err != nil {
		return nil, err
	}
	return role, nil
}

// SetAmbient toggles unprompted replies for a conversation.
func (p *Policy) SetAmbient(ctx context.Context, conversationID string, enabled bool) error {
	return p.settings.SetAmbient(ctx, conversationID, enabled)
}
