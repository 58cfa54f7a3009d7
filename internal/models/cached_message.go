package models

import "time"

// CachedMessage is a recently observed group message, kept only to seed
// ambient replies.
type CachedMessage struct {
	ID             uint      `gorm:"primaryKey;autoIncrement;index:idx_cache_conv_id,priority:2"`
	ConversationID string    `gorm:"size:128;not null;index:idx_cache_conv_id,priority:1"`
	AuthorID       string    `gorm:"size:128"`
	AuthorName     string    `gorm:"size:128"`
	Text           string    `gorm:"type:text"`
	Timestamp      time.Time `gorm:"not null;index"`
}
