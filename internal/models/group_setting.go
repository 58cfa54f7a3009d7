package models

import "time"

// Group interaction modes.
const (
	ModeIndividual = "individual" // each participant has their own session
	ModeShared     = "shared"     // one session per group under a shared role
)

// GroupSetting is the per-conversation policy for a group chat.
type GroupSetting struct {
	ConversationID  string `gorm:"primaryKey;size:128"`
	Mode            string `gorm:"size:16;not null;default:individual"`
	SharedPersonaID *uint
	AmbientReply    bool `gorm:"not null;default:false"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
