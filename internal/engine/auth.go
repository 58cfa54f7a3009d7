package engine

import (
	"context"
	"log"
)

// Action is a capability checked by an Authorizer.
type Action string

const (
	// ActionManagePersona covers creating, editing and deleting one's own personas.
	ActionManagePersona Action = "manage_persona"
	// ActionSwitchPersona covers use, model and clear on one's own session.
	ActionSwitchPersona Action = "switch_persona"
	// ActionGroupSettings covers mode, role and ambient for a group.
	ActionGroupSettings Action = "group_settings"
)

// Authorizer is the single capability check consulted by every command.
type Authorizer interface {
	IsAuthorized(ctx context.Context, conversationID, participantID string, action Action) bool
}

// AdminChecker reports platform-level admin rights in a conversation, such
// as Discord's Manage Server permission.
type AdminChecker interface {
	IsChannelAdmin(ctx context.Context, conversationID, participantID string) (bool, error)
}

// ConfigAuthorizer grants everything to configured admins. Group settings
// also accept platform channel admins; personal persona actions are open
// to everyone unless RestrictPersonas is set.
type ConfigAuthorizer struct {
	admins           map[string]bool
	restrictPersonas bool
	checker          AdminChecker
}

// ConfigAuthorizerOpts holds parameters for creating a ConfigAuthorizer.
type ConfigAuthorizerOpts struct {
	AdminIDs         []string
	RestrictPersonas bool
	Checker          AdminChecker // optional
}

// NewConfigAuthorizer creates a ConfigAuthorizer.
func NewConfigAuthorizer(opts ConfigAuthorizerOpts) *ConfigAuthorizer {
	admins := make(map[string]bool, len(opts.AdminIDs))
	for _, id := range opts.AdminIDs {
		admins[id] = true
	}
	return &ConfigAuthorizer{
		admins:           admins,
		restrictPersonas: opts.RestrictPersonas,
		checker:          opts.Checker,
	}
}

// IsAuthorized implements Authorizer.
func (a *ConfigAuthorizer) IsAuthorized(ctx context.Context, conversationID, participantID string, action Action) bool {
	if a.admins[participantID] {
		return true
	}
	switch action {
	case ActionManagePersona, ActionSwitchPersona:
		return !a.restrictPersonas
	case ActionGroupSettings:
		if a.checker == nil {
			return false
		}
		ok, err := a.checker.IsChannelAdmin(ctx, conversationID, participantID)
		if err != nil {
			log.Printf("engine: auth: channel admin check [conv=%s user=%s]: %v", conversationID, participantID, err)
			return false
		}
		return ok
	default:
		return false
	}
}
