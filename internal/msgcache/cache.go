// Package msgcache keeps a bounded window of recent group messages used to
// seed ambient replies.
package msgcache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/chorus/internal/models"
	"gorm.io/gorm"
)

// Cache stores recent messages per conversation.
type Cache struct {
	db  *gorm.DB
	now func() time.Time
}

// CacheOpts holds parameters for creating a Cache.
type CacheOpts struct {
	DB  *gorm.DB
	Now func() time.Time
}

// NewCache creates a Cache.
func NewCache(opts CacheOpts) (*Cache, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("msgcache: db is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{db: opts.DB, now: now}, nil
}

// Append records a message. A zero Timestamp is stamped with the current
// time; all timestamps are stored in UTC. Blank messages are skipped.
func (c *Cache) Append(ctx context.Context, msg models.CachedMessage) error {
	if strings.TrimSpace(msg.Text) == "" {
		return nil
	}
	if msg.ConversationID == "" {
		return fmt.Errorf("msgcache: append: conversation id is required")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.now()
	}
	msg.Timestamp = msg.Timestamp.UTC()
	msg.ID = 0
	if err := c.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return fmt.Errorf("msgcache: append: %w", err)
	}
	return nil
}

// Recent returns up to k most recent messages for a conversation, oldest
// first.
func (c *Cache) Recent(ctx context.Context, conversationID string, k int) ([]models.CachedMessage, error) {
	if k <= 0 {
		return nil, nil
	}
	var rows []models.CachedMessage
	if err := c.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id DESC").
		Limit(k).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("msgcache: recent %s: %w", conversationID, err)
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// Trim deletes messages older than olderThan and, when keepPerConversation
// is positive, everything beyond the newest keepPerConversation rows of each
// conversation. It returns the number of rows removed.
func (c *Cache) Trim(ctx context.Context, olderThan time.Time, keepPerConversation int) (int64, error) {
	gdb := c.db.WithContext(ctx)
	var removed int64

	if !olderThan.IsZero() {
		result := gdb.Where("timestamp < ?", olderThan.UTC()).Delete(&models.CachedMessage{})
		if result.Error != nil {
			return 0, fmt.Errorf("msgcache: trim by age: %w", result.Error)
		}
		removed += result.RowsAffected
	}

	if keepPerConversation <= 0 {
		return removed, nil
	}

	type convCount struct {
		ConversationID string
		N              int64
	}
	var over []convCount
	if err := gdb.Model(&models.CachedMessage{}).
		Select("conversation_id, COUNT(*) AS n").
		Group("conversation_id").
		Having("COUNT(*) > ?", keepPerConversation).
		Scan(&over).Error; err != nil {
		return removed, fmt.Errorf("msgcache: trim count: %w", err)
	}

	for _, cc := range over {
		var ids []uint
		if err := gdb.Model(&models.CachedMessage{}).
			Where("conversation_id = ?", cc.ConversationID).
			Order("id DESC").
			Offset(keepPerConversation - 1).
			Limit(1).
			Pluck("id", &ids).Error; err != nil {
			return removed, fmt.Errorf("msgcache: trim cutoff %s: %w", cc.ConversationID, err)
		}
		if len(ids) == 0 {
			continue
		}
		result := gdb.Where("conversation_id = ? AND id < ?", cc.ConversationID, ids[0]).
			Delete(&models.CachedMessage{})
		if result.Error != nil {
			return removed, fmt.Errorf("msgcache: trim %s: %w", cc.ConversationID, result.Error)
		}
		removed += result.RowsAffected
	}
	return removed, nil
}

// Author returns the display label for a cached message author.
func Author(m models.CachedMessage) string {
	if m.AuthorName != "" {
		return m.AuthorName
	}
	return "User " + m.AuthorID
}

// Format renders a message as "author: text".
func Format(m models.CachedMessage) string {
	return Author(m) + ": " + m.Text
}
