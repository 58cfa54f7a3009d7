package models

import "time"

// Persona scopes.
const (
	ScopePrivate   = "private"    // drives a private or per-user session
	ScopeGroupRole = "group_role" // shared role payload for a group chat
)

// MaxPersonaNameLen is the longest persona name accepted, in runes.
const MaxPersonaNameLen = 50

// Persona is a named system instruction plus optional generation overrides.
// Built-ins have a nil OwnerID and a non-nil BuiltinKey; user personas
// always carry an OwnerID.
type Persona struct {
	ID          uint    `gorm:"primaryKey;autoIncrement"`
	Name        string  `gorm:"size:64;not null;uniqueIndex:idx_persona_owner_scope_name"`
	Instruction string  `gorm:"type:text;not null"`
	Scope       string  `gorm:"size:16;not null;default:private;index;uniqueIndex:idx_persona_owner_scope_name"`
	Builtin     bool    `gorm:"default:false;index"`
	BuiltinKey  *string `gorm:"size:96;uniqueIndex"` // "<scope>:<name>", set only for built-ins
	OwnerID     *string `gorm:"size:64;uniqueIndex:idx_persona_owner_scope_name"`

	Temperature     *float64
	TopP            *float64
	TopK            *int
	MaxOutputTokens *int
	ModelName       *string `gorm:"size:128"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OwnedBy reports whether ownerID owns this persona. Built-ins are owned by no one.
func (p *Persona) OwnedBy(ownerID string) bool {
	return !p.Builtin && p.OwnerID != nil && *p.OwnerID == ownerID
}

// BuiltinKeyFor returns the unique seed key for a built-in persona.
func BuiltinKeyFor(scope, name string) string {
	return scope + ":" + name
}
