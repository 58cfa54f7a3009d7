package models

import (
	"time"

	"gorm.io/datatypes"
)

// Turn roles stored in Session.History.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Turn is one entry of a session's conversation history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is the conversation state bound to a (conversation, participant)
// key. An empty ParticipantID is the shared group key. At most one session
// per key is active; archived sessions are never reactivated.
type Session struct {
	ID                string                    `gorm:"primaryKey;size:26"` // ULID
	ConversationID    string                    `gorm:"size:128;not null;index:idx_session_key"`
	ParticipantID     string                    `gorm:"size:128;not null;default:'';index:idx_session_key"`
	PersonaID         uint                      `gorm:"not null;index"`
	ModelName         string                    `gorm:"size:128;not null"`
	History           datatypes.JSONSlice[Turn] `gorm:"type:json"`
	Active            bool                      `gorm:"not null;default:true;index"`
	LastInteractionAt time.Time                 `gorm:"not null;index"`
	CreatedAt         time.Time
	ArchivedAt        *time.Time
}
