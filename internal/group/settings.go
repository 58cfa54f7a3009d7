// Package group holds per-conversation group settings and decides how the
// assistant reacts to each group message.
package group

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/zulandar/chorus/internal/cachesync"
	"github.com/zulandar/chorus/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidMode is returned for a mode other than individual or shared.
var ErrInvalidMode = errors.New("group: invalid mode")

// ValidMode reports whether mode is a known group mode.
func ValidMode(mode string) bool {
	return mode == models.ModeIndividual || mode == models.ModeShared
}

// Settings is a read-through cache over the group_settings table. Rows are
// created lazily with the configured defaults. A read that overlaps a write
// is returned but not cached.
type Settings struct {
	db             *gorm.DB
	pub            cachesync.Publisher
	defaultMode    string
	ambientDefault bool

	mu    sync.RWMutex
	cache map[string]models.GroupSetting
	epoch uint64 // bumped by every invalidation
}

// SettingsOpts holds parameters for creating a Settings store.
type SettingsOpts struct {
	DB               *gorm.DB
	DefaultMode      string // defaults to individual
	AmbientByDefault bool
	// Invalidations, when set, announces writes to other processes.
	Invalidations cachesync.Publisher
}

// NewSettings creates a Settings store.
func NewSettings(opts SettingsOpts) (*Settings, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("group: settings: db is required")
	}
	mode := opts.DefaultMode
	if mode == "" {
		mode = models.ModeIndividual
	}
	if !ValidMode(mode) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	return &Settings{
		db:             opts.DB,
		pub:            opts.Invalidations,
		defaultMode:    mode,
		ambientDefault: opts.AmbientByDefault,
		cache:          make(map[string]models.GroupSetting),
	}, nil
}

// Get returns the setting for a conversation, creating it on first use.
func (s *Settings) Get(ctx context.Context, conversationID string) (*models.GroupSetting, error) {
	s.mu.RLock()
	gs, ok := s.cache[conversationID]
	epoch := s.epoch
	s.mu.RUnlock()
	if ok {
		return &gs, nil
	}

	gdb := s.db.WithContext(ctx)
	err := gdb.Where("conversation_id = ?", conversationID).First(&gs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		fresh := models.GroupSetting{
			ConversationID: conversationID,
			Mode:           s.defaultMode,
			AmbientReply:   s.ambientDefault,
		}
		if err := gdb.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh).Error; err != nil {
			return nil, fmt.Errorf("group: create setting %s: %w", conversationID, err)
		}
		err = gdb.Where("conversation_id = ?", conversationID).First(&gs).Error
	}
	if err != nil {
		return nil, fmt.Errorf("group: load setting %s: %w", conversationID, err)
	}

	s.mu.Lock()
	if s.epoch == epoch {
		s.cache[conversationID] = gs
	}
	s.mu.Unlock()
	return &gs, nil
}

// SetMode stores a new mode.
func (s *Settings) SetMode(ctx context.Context, conversationID, mode string) error {
	if !ValidMode(mode) {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	return s.update(ctx, conversationID, map[string]interface{}{"mode": mode})
}

// SetSharedPersona stores the shared role. A nil id clears it.
func (s *Settings) SetSharedPersona(ctx context.Context, conversationID string, personaID *uint) error {
	return s.update(ctx, conversationID, map[string]interface{}{"shared_persona_id": personaID})
}

// SetAmbient toggles unprompted replies.
func (s *Settings) SetAmbient(ctx context.Context, conversationID string, enabled bool) error {
	return s.update(ctx, conversationID, map[string]interface{}{"ambient_reply": enabled})
}

func (s *Settings) update(ctx context.Context, conversationID string, fields map[string]interface{}) error {
	if _, err := s.Get(ctx, conversationID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Model(&models.GroupSetting{}).
		Where("conversation_id = ?", conversationID).
		Updates(fields).Error
	s.Forget(conversationID)
	if err != nil {
		return fmt.Errorf("group: update setting %s: %w", conversationID, err)
	}
	if s.pub != nil {
		if err := s.pub.Publish(ctx, cachesync.KindGroupSetting, conversationID); err != nil {
			log.Printf("group: announce invalidation of %s: %v", conversationID, err)
		}
	}
	return nil
}

// Forget drops the cached setting of a conversation.
func (s *Settings) Forget(conversationID string) {
	s.mu.Lock()
	delete(s.cache, conversationID)
	s.epoch++
	s.mu.Unlock()
}

// ForgetAll empties the read cache.
func (s *Settings) ForgetAll() {
	s.mu.Lock()
	s.cache = make(map[string]models.GroupSetting)
	s.epoch++
	s.mu.Unlock()
}
