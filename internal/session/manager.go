// Package session owns per-conversation session state and the lifecycle
// state machine: NoSession -> Active -> Archived. Archived sessions are
// terminal; a new Active session is created instead of reviving one.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zulandar/chorus/internal/models"
	"github.com/zulandar/chorus/internal/persona"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DefaultTimeout is the idle duration after which a session rotates.
const DefaultTimeout = 30 * time.Minute

// ErrNotFound is returned when a session does not exist or is no longer active.
var ErrNotFound = errors.New("session: not found")

// Key identifies a conversation slot. An empty ParticipantID is the shared
// group key.
type Key struct {
	ConversationID string
	ParticipantID  string
}

// String returns the lock key for k.
func (k Key) String() string {
	return k.ConversationID + ":" + k.ParticipantID
}

// PersonaLookup loads a persona by id. It returns an error wrapping
// persona.ErrNotFound when the persona no longer exists.
type PersonaLookup interface {
	Get(ctx context.Context, id uint) (*models.Persona, error)
}

// SeedFunc supplies the persona and model for a brand-new session.
type SeedFunc func(ctx context.Context) (personaID uint, modelName string, err error)

// Manager implements the session lifecycle on top of gorm.
type Manager struct {
	db       *gorm.DB
	personas PersonaLookup
	locker   KeyLocker
	timeout  time.Duration
	now      func() time.Time
}

// ManagerOpts holds parameters for creating a Manager.
type ManagerOpts struct {
	DB       *gorm.DB
	Personas PersonaLookup
	Locker   KeyLocker        // defaults to a MemoryLocker
	Timeout  time.Duration    // defaults to DefaultTimeout
	Now      func() time.Time // defaults to time.Now; tests inject a clock
}

// NewManager creates a Manager.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("session: manager: db is required")
	}
	if opts.Personas == nil {
		return nil, fmt.Errorf("session: manager: persona lookup is required")
	}
	locker := opts.Locker
	if locker == nil {
		locker = NewMemoryLocker()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		db:       opts.DB,
		personas: opts.Personas,
		locker:   locker,
		timeout:  timeout,
		now:      now,
	}, nil
}

func (m *Manager) utcNow() time.Time {
	return m.now().UTC()
}

// ResolveForTurn returns the Active session for key, creating or rotating
// as needed. At most one session per key is active when it returns. It is
// serialized per key against every other mutating call on the same key.
func (m *Manager) ResolveForTurn(ctx context.Context, key Key, requiredScope string, seed SeedFunc) (*models.Session, error) {
	unlock, err := m.locker.Lock(ctx, key.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	rows, err := m.activeForKey(ctx, key)
	if err != nil {
		return nil, err
	}

	var current *models.Session
	var archive []string
	if len(rows) > 0 {
		current = &rows[0]
		for _, r := range rows[1:] {
			archive = append(archive, r.ID)
		}
		if len(archive) > 0 {
			log.Printf("session: WARNING %d active sessions for key %s; keeping %s, archiving %v",
				len(rows), key, current.ID, archive)
		}
	}

	now := m.utcNow()
	var next *models.Session

	if current != nil {
		valid, err := m.personaFits(ctx, current.PersonaID, requiredScope)
		if err != nil {
			return nil, err
		}
		expired := now.Sub(current.LastInteractionAt.UTC()) > m.timeout

		switch {
		case valid && !expired:
			if len(archive) > 0 {
				if err := m.archiveIDs(m.db.WithContext(ctx), archive, now); err != nil {
					return nil, err
				}
			}
			return current, nil
		case valid && expired:
			log.Printf("session: %s expired after %s idle; rotating [key=%s persona=%d]",
				current.ID, now.Sub(current.LastInteractionAt.UTC()).Round(time.Second), key, current.PersonaID)
			next = m.newSession(key, current.PersonaID, current.ModelName, now)
		default:
			log.Printf("session: %s bound to persona %d which no longer fits scope %s; archiving [key=%s]",
				current.ID, current.PersonaID, requiredScope, key)
		}
		archive = append(archive, current.ID)
	}

	if next == nil {
		personaID, model, err := seed(ctx)
		if err != nil {
			return nil, fmt.Errorf("session: seed %s: %w", key, err)
		}
		next = m.newSession(key, personaID, model, now)
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := m.archiveIDs(tx, archive, now); err != nil {
			return err
		}
		if err := tx.Create(next).Error; err != nil {
			return fmt.Errorf("session: create: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// Restart archives whatever is active at key and starts a new session with
// the given persona and model.
func (m *Manager) Restart(ctx context.Context, key Key, personaID uint, modelName string) (*models.Session, error) {
	unlock, err := m.locker.Lock(ctx, key.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := m.utcNow()
	next := m.newSession(key, personaID, modelName, now)
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := archiveKey(tx, key, now); err != nil {
			return err
		}
		if err := tx.Create(next).Error; err != nil {
			return fmt.Errorf("session: create: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// ArchiveAll archives every active session at key. It reports whether
// anything was archived.
func (m *Manager) ArchiveAll(ctx context.Context, key Key) (bool, error) {
	unlock, err := m.locker.Lock(ctx, key.String())
	if err != nil {
		return false, err
	}
	defer unlock()

	n, err := archiveKey(m.db.WithContext(ctx), key, m.utcNow())
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ArchiveConversation archives every active session in a conversation,
// shared and per-participant alike. Each key that has an active session is
// locked first, in sorted order, so the archive cannot interleave with a
// resolve or append on that key.
func (m *Manager) ArchiveConversation(ctx context.Context, conversationID string) (int64, error) {
	var participants []string
	if err := m.db.WithContext(ctx).Model(&models.Session{}).
		Where("conversation_id = ? AND active = ?", conversationID, true).
		Distinct().Pluck("participant_id", &participants).Error; err != nil {
		return 0, fmt.Errorf("session: list keys of %s: %w", conversationID, err)
	}
	sort.Strings(participants)

	for _, p := range participants {
		unlock, err := m.locker.Lock(ctx, Key{ConversationID: conversationID, ParticipantID: p}.String())
		if err != nil {
			return 0, err
		}
		defer unlock()
	}

	now := m.utcNow()
	var total int64
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range participants {
			n, err := archiveKey(tx, Key{ConversationID: conversationID, ParticipantID: p}, now)
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("session: archive conversation %s: %w", conversationID, err)
	}
	return total, nil
}

// AppendTurn records one exchange on an active session. A session that was
// archived in the meantime is left untouched and ErrNotFound is returned.
func (m *Manager) AppendTurn(ctx context.Context, sessionID, userContent, modelContent string) (*models.Session, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.Active {
		return nil, fmt.Errorf("%w: %s is archived", ErrNotFound, sessionID)
	}
	key := Key{ConversationID: s.ConversationID, ParticipantID: s.ParticipantID}

	unlock, err := m.locker.Lock(ctx, key.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	var updated models.Session
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND active = ?", sessionID, true).First(&updated)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s is archived", ErrNotFound, sessionID)
		}
		if result.Error != nil {
			return fmt.Errorf("session: load %s: %w", sessionID, result.Error)
		}

		history := append(datatypes.JSONSlice[models.Turn]{}, updated.History...)
		if userContent != "" {
			history = append(history, models.Turn{Role: models.RoleUser, Content: userContent})
		}
		history = append(history, models.Turn{Role: models.RoleModel, Content: modelContent})
		now := m.utcNow()

		res := tx.Model(&models.Session{}).
			Where("id = ? AND active = ?", sessionID, true).
			Updates(map[string]interface{}{
				"history":             history,
				"last_interaction_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("session: append %s: %w", sessionID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s is archived", ErrNotFound, sessionID)
		}
		updated.History = history
		updated.LastInteractionAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Get loads a session by id, active or not.
func (m *Manager) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	var s models.Session
	result := m.db.WithContext(ctx).Where("id = ?", sessionID).First(&s)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("session: get %s: %w", sessionID, result.Error)
	}
	return &s, nil
}

// Current returns the most recently touched active session at key without
// rotating it.
func (m *Manager) Current(ctx context.Context, key Key) (*models.Session, error) {
	rows, err := m.activeForKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no active session for %s", ErrNotFound, key)
	}
	return &rows[0], nil
}

// ListForConversation returns a conversation's sessions, newest first.
func (m *Manager) ListForConversation(ctx context.Context, conversationID string, activeOnly bool) ([]models.Session, error) {
	q := m.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	var rows []models.Session
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("session: list %s: %w", conversationID, err)
	}
	return rows, nil
}

// activeForKey loads the active rows for key, most recently touched first.
// Ties break on creation time, then id, so the survivor is deterministic.
func (m *Manager) activeForKey(ctx context.Context, key Key) ([]models.Session, error) {
	var rows []models.Session
	if err := m.db.WithContext(ctx).
		Where("conversation_id = ? AND participant_id = ? AND active = ?",
			key.ConversationID, key.ParticipantID, true).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("session: query active %s: %w", key, err)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.LastInteractionAt.Equal(b.LastInteractionAt) {
			return a.LastInteractionAt.After(b.LastInteractionAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	return rows, nil
}

// personaFits reports whether the persona still exists and has scope.
func (m *Manager) personaFits(ctx context.Context, personaID uint, scope string) (bool, error) {
	p, err := m.personas.Get(ctx, personaID)
	if err != nil {
		if errors.Is(err, persona.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("session: load persona %d: %w", personaID, err)
	}
	return p.Scope == scope, nil
}

func (m *Manager) newSession(key Key, personaID uint, modelName string, now time.Time) *models.Session {
	return &models.Session{
		ID:                ulid.Make().String(),
		ConversationID:    key.ConversationID,
		ParticipantID:     key.ParticipantID,
		PersonaID:         personaID,
		ModelName:         modelName,
		History:           datatypes.JSONSlice[models.Turn]{},
		Active:            true,
		LastInteractionAt: now,
		CreatedAt:         now,
	}
}

func (m *Manager) archiveIDs(tx *gorm.DB, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if err := tx.Model(&models.Session{}).
		Where("id IN ? AND active = ?", ids, true).
		Updates(map[string]interface{}{
			"active":      false,
			"archived_at": now,
		}).Error; err != nil {
		return fmt.Errorf("session: archive %v: %w", ids, err)
	}
	return nil
}

func archiveKey(tx *gorm.DB, key Key, now time.Time) (int64, error) {
	result := tx.Model(&models.Session{}).
		Where("conversation_id = ? AND participant_id = ? AND active = ?",
			key.ConversationID, key.ParticipantID, true).
		Updates(map[string]interface{}{
			"active":      false,
			"archived_at": now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("session: archive %s: %w", key, result.Error)
	}
	return result.RowsAffected, nil
}
