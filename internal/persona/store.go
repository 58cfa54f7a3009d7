// Package persona resolves and manages personas: the static built-in
// catalog plus user-created personas.
package persona

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/zulandar/chorus/internal/cachesync"
	"github.com/zulandar/chorus/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when no persona matches a key or id.
	ErrNotFound = errors.New("persona: not found")
	// ErrNotOwned is returned when an edit or delete targets a built-in or
	// another user's persona.
	ErrNotOwned = errors.New("persona: not owned by requester")
	// ErrScopeMismatch is returned when a persona of the wrong scope is supplied.
	ErrScopeMismatch = errors.New("persona: scope mismatch")
	// ErrDuplicateName is returned when a name is already taken in the scope.
	ErrDuplicateName = errors.New("persona: duplicate name")
	// ErrInvalid is returned for malformed names or instructions.
	ErrInvalid = errors.New("persona: invalid")
)

// Overrides holds optional per-persona generation parameters.
type Overrides struct {
	Temperature     *float64
	TopP            *float64
	TopK            *int
	MaxOutputTokens *int
	ModelName       *string
}

// Store is the persona repository. Reads by id go through a process-wide
// cache that is invalidated on every write. A read that overlaps an
// invalidation is returned but not cached.
type Store struct {
	db  *gorm.DB
	pub cachesync.Publisher

	mu    sync.RWMutex
	byID  map[uint]models.Persona
	epoch uint64 // bumped by every invalidation

	builtinOnce sync.Once
	builtinErr  error
	builtins    map[string]models.Persona // key: models.BuiltinKeyFor(scope, name)
}

// StoreOpts holds parameters for creating a Store.
type StoreOpts struct {
	DB *gorm.DB
	// Invalidations, when set, announces writes to other processes.
	Invalidations cachesync.Publisher
}

// NewStore creates a Store.
func NewStore(opts StoreOpts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("persona: store: db is required")
	}
	return &Store{
		db:   opts.DB,
		pub:  opts.Invalidations,
		byID: make(map[uint]models.Persona),
	}, nil
}

// ValidScope reports whether scope is a known persona scope.
func ValidScope(scope string) bool {
	return scope == models.ScopePrivate || scope == models.ScopeGroupRole
}

// loadBuiltins reads the built-in catalog once. Built-ins are seeded at
// bootstrap and never change while the process runs.
func (s *Store) loadBuiltins(ctx context.Context) error {
	s.builtinOnce.Do(func() {
		var rows []models.Persona
		if err := s.db.WithContext(ctx).Where("builtin = ?", true).Order("id").Find(&rows).Error; err != nil {
			s.builtinErr = fmt.Errorf("persona: load builtins: %w", err)
			return
		}
		s.builtins = make(map[string]models.Persona, len(rows))
		for _, p := range rows {
			s.builtins[models.BuiltinKeyFor(p.Scope, p.Name)] = p
		}
	})
	return s.builtinErr
}

// Builtin looks up a built-in persona by name within a scope.
func (s *Store) Builtin(ctx context.Context, name, scope string) (*models.Persona, error) {
	if err := s.loadBuiltins(ctx); err != nil {
		return nil, err
	}
	p, ok := s.builtins[models.BuiltinKeyFor(scope, name)]
	if !ok {
		return nil, fmt.Errorf("%w: builtin %s %q", ErrNotFound, scope, name)
	}
	return &p, nil
}

// ListBuiltins returns the built-ins of a scope ordered by name.
func (s *Store) ListBuiltins(ctx context.Context, scope string) ([]models.Persona, error) {
	var rows []models.Persona
	if err := s.db.WithContext(ctx).
		Where("builtin = ? AND scope = ?", true, scope).
		Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("persona: list builtins: %w", err)
	}
	return rows, nil
}

// DefaultFor returns the preferred built-in for a scope, falling back to
// the lowest-id built-in of that scope.
func (s *Store) DefaultFor(ctx context.Context, scope, preferredName string) (*models.Persona, error) {
	if preferredName != "" {
		p, err := s.Builtin(ctx, preferredName, scope)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	var p models.Persona
	result := s.db.WithContext(ctx).
		Where("builtin = ? AND scope = ?", true, scope).
		Order("id").First(&p)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no builtin for scope %s", ErrNotFound, scope)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("persona: default for %s: %w", scope, result.Error)
	}
	return &p, nil
}

// Get returns a persona by id with no ownership check.
func (s *Store) Get(ctx context.Context, id uint) (*models.Persona, error) {
	s.mu.RLock()
	cached, ok := s.byID[id]
	epoch := s.epoch
	s.mu.RUnlock()
	if ok {
		return &cached, nil
	}

	var p models.Persona
	result := s.db.WithContext(ctx).Where("id = ?", id).First(&p)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("persona: get %d: %w", id, result.Error)
	}

	s.mu.Lock()
	if s.epoch == epoch {
		s.byID[id] = p
	}
	s.mu.Unlock()
	return &p, nil
}

// Resolve finds the persona a user means by key within scope. A numeric
// key is an id, which must be a built-in or owned by ownerID. Any other key
// is a name: the owner's own persona wins over a built-in of that name.
func (s *Store) Resolve(ctx context.Context, ownerID, key, scope string) (*models.Persona, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", ErrNotFound)
	}

	if id, err := strconv.ParseUint(key, 10, 64); err == nil {
		p, err := s.Get(ctx, uint(id))
		if err != nil {
			return nil, err
		}
		if !p.Builtin && !p.OwnedBy(ownerID) {
			return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
		if p.Scope != scope {
			return nil, fmt.Errorf("%w: %q is %s, want %s", ErrScopeMismatch, p.Name, p.Scope, scope)
		}
		return p, nil
	}

	if ownerID != "" {
		var p models.Persona
		result := s.db.WithContext(ctx).
			Where("owner_id = ? AND scope = ? AND name = ?", ownerID, scope, key).
			First(&p)
		if result.Error == nil {
			return &p, nil
		}
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("persona: resolve %q: %w", key, result.Error)
		}
	}
	return s.Builtin(ctx, key, scope)
}

// ListForOwner returns the owner's personas in a scope, ordered by name.
func (s *Store) ListForOwner(ctx context.Context, ownerID, scope string) ([]models.Persona, error) {
	var rows []models.Persona
	if err := s.db.WithContext(ctx).
		Where("owner_id = ? AND scope = ?", ownerID, scope).
		Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("persona: list for %s: %w", ownerID, err)
	}
	return rows, nil
}

// ValidateName checks a user-chosen persona name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if utf8.RuneCountInString(name) > models.MaxPersonaNameLen {
		return fmt.Errorf("%w: name longer than %d characters", ErrInvalid, models.MaxPersonaNameLen)
	}
	return nil
}

// NameAvailable reports ErrDuplicateName when name is taken by the owner in
// scope or by a built-in of that scope.
func (s *Store) NameAvailable(ctx context.Context, ownerID, name, scope string) error {
	return s.checkName(s.db.WithContext(ctx), ownerID, name, scope)
}

func (s *Store) checkName(tx *gorm.DB, ownerID, name, scope string) error {
	var count int64
	if err := tx.Model(&models.Persona{}).
		Where("scope = ? AND name = ? AND (owner_id = ? OR builtin = ?)", scope, name, ownerID, true).
		Count(&count).Error; err != nil {
		return fmt.Errorf("persona: check name: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	return nil
}

// Create adds a user persona. Names are unique per (owner, scope) and may
// not shadow a built-in of the same scope.
func (s *Store) Create(ctx context.Context, ownerID, name, instruction, scope string, o Overrides) (*models.Persona, error) {
	name = strings.TrimSpace(name)
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalid)
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if strings.TrimSpace(instruction) == "" {
		return nil, fmt.Errorf("%w: instruction is required", ErrInvalid)
	}
	if !ValidScope(scope) {
		return nil, fmt.Errorf("%w: scope %q", ErrInvalid, scope)
	}

	owner := ownerID
	p := &models.Persona{
		Name:            name,
		Instruction:     instruction,
		Scope:           scope,
		OwnerID:         &owner,
		Temperature:     o.Temperature,
		TopP:            o.TopP,
		TopK:            o.TopK,
		MaxOutputTokens: o.MaxOutputTokens,
		ModelName:       o.ModelName,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.checkName(tx, ownerID, name, scope); err != nil {
			return err
		}
		if err := tx.Create(p).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
				return fmt.Errorf("%w: %q", ErrDuplicateName, name)
			}
			return fmt.Errorf("create: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateName) {
			return nil, err
		}
		return nil, fmt.Errorf("persona: %w", err)
	}
	return p, nil
}

// Update replaces the instruction text of an owned persona.
func (s *Store) Update(ctx context.Context, id uint, ownerID, instruction string) (*models.Persona, error) {
	if strings.TrimSpace(instruction) == "" {
		return nil, fmt.Errorf("%w: instruction is required", ErrInvalid)
	}
	p, err := s.owned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}

	result := s.db.WithContext(ctx).Model(&models.Persona{}).
		Where("id = ? AND owner_id = ? AND builtin = ?", id, ownerID, false).
		Update("instruction", instruction)
	s.invalidate(ctx, id)
	if result.Error != nil {
		return nil, fmt.Errorf("persona: update %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	p.Instruction = instruction
	return p, nil
}

// Delete removes an owned persona. Group settings that still reference it
// resolve to their fallback on the next turn.
func (s *Store) Delete(ctx context.Context, id uint, ownerID string) (bool, error) {
	if _, err := s.owned(ctx, id, ownerID); err != nil {
		return false, err
	}
	result := s.db.WithContext(ctx).
		Where("id = ? AND owner_id = ? AND builtin = ?", id, ownerID, false).
		Delete(&models.Persona{})
	s.invalidate(ctx, id)
	if result.Error != nil {
		return false, fmt.Errorf("persona: delete %d: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// owned loads a persona fresh from storage and checks ownership.
func (s *Store) owned(ctx context.Context, id uint, ownerID string) (*models.Persona, error) {
	var p models.Persona
	result := s.db.WithContext(ctx).Where("id = ?", id).First(&p)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("persona: load %d: %w", id, result.Error)
	}
	if !p.OwnedBy(ownerID) {
		return nil, fmt.Errorf("%w: id %d", ErrNotOwned, id)
	}
	return &p, nil
}

// invalidate drops id locally and tells the other processes to do the same.
func (s *Store) invalidate(ctx context.Context, id uint) {
	s.forget(id)
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, cachesync.KindPersona, strconv.FormatUint(uint64(id), 10)); err != nil {
		log.Printf("persona: announce invalidation of %d: %v", id, err)
	}
}

func (s *Store) forget(id uint) {
	s.mu.Lock()
	delete(s.byID, id)
	s.epoch++
	s.mu.Unlock()
}

// Forget drops the cached persona whose id is key. It is called for writes
// made by another process.
func (s *Store) Forget(key string) {
	id, err := strconv.ParseUint(key, 10, 64)
	if err != nil {
		log.Printf("persona: ignoring invalidation for %q", key)
		return
	}
	s.forget(uint(id))
}

// ForgetAll empties the read cache.
func (s *Store) ForgetAll() {
	s.mu.Lock()
	s.byID = make(map[uint]models.Persona)
	s.epoch++
	s.mu.Unlock()
}

// isUniqueViolation matches driver errors for unique-index conflicts when
// the dialector does not translate them into gorm.ErrDuplicatedKey.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate entry")
}
