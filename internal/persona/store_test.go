package persona

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/zulandar/chorus/internal/cachesync"
	"github.com/zulandar/chorus/internal/config"
	"github.com/zulandar/chorus/internal/db"
	"github.com/zulandar/chorus/internal/models"
	"gorm.io/gorm"
)

func openPersonaTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	if err := db.SeedBuiltinPersonas(gdb, config.DefaultBuiltins()); err != nil {
		t.Fatalf("seed builtins: %v", err)
	}
	return gdb
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(StoreOpts{DB: openPersonaTestDB(t)})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestNewStore_NilDB(t *testing.T) {
	_, err := NewStore(StoreOpts{})
	if err == nil {
		t.Fatal("expected error for nil db")
	}
	if !strings.Contains(err.Error(), "db is required") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "db is required")
	}
}

func TestBuiltin_Lookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.Builtin(ctx, "none_prompt", models.ScopePrivate)
	if err != nil {
		t.Fatalf("Builtin: %v", err)
	}
	if !p.Builtin || p.OwnerID != nil {
		t.Errorf("persona = %+v, want builtin with nil owner", p)
	}

	if _, err := s.Builtin(ctx, "none_prompt", models.ScopeGroupRole); !errors.Is(err, ErrNotFound) {
		t.Errorf("wrong-scope Builtin err = %v, want ErrNotFound", err)
	}
}

func TestDefaultFor_FallsBackToLowestID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.DefaultFor(ctx, models.ScopeGroupRole, "does_not_exist")
	if err != nil {
		t.Fatalf("DefaultFor: %v", err)
	}
	if p.Name != "neutral_group_member" {
		t.Errorf("fallback = %q, want %q (lowest id group role)", p.Name, "neutral_group_member")
	}

	p, err = s.DefaultFor(ctx, models.ScopeGroupRole, "group_moderator")
	if err != nil {
		t.Fatalf("DefaultFor preferred: %v", err)
	}
	if p.Name != "group_moderator" {
		t.Errorf("preferred = %q, want %q", p.Name, "group_moderator")
	}
}

func TestCreate_DuplicateNameSameOwnerScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Create(ctx, "u1", "pirate", "Talk like a pirate.", models.ScopePrivate, Overrides{})
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}

	_, err = s.Create(ctx, "u1", "pirate", "Something else.", models.ScopePrivate, Overrides{})
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("second Create err = %v, want ErrDuplicateName", err)
	}

	got, err := s.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get first: %v", err)
	}
	if got.Instruction != "Talk like a pirate." {
		t.Errorf("first persona instruction = %q, want unchanged", got.Instruction)
	}
}

func TestCreate_SameNameOtherOwnerOrScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "u1", "pirate", "a", models.ScopePrivate, Overrides{}); err != nil {
		t.Fatalf("Create u1: %v", err)
	}
	if _, err := s.Create(ctx, "u2", "pirate", "b", models.ScopePrivate, Overrides{}); err != nil {
		t.Errorf("Create u2 same name: %v", err)
	}
	if _, err := s.Create(ctx, "u1", "pirate", "c", models.ScopeGroupRole, Overrides{}); err != nil {
		t.Errorf("Create u1 other scope: %v", err)
	}
}

func TestCreate_BuiltinNameCollision(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(context.Background(), "u1", "none_prompt", "x", models.ScopePrivate, Overrides{})
	if !errors.Is(err, ErrDuplicateName) {
		t.Errorf("err = %v, want ErrDuplicateName", err)
	}
}

func TestCreate_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name, owner, pname, instr, scope string
	}{
		{"empty name", "u1", "  ", "x", models.ScopePrivate},
		{"long name", "u1", strings.Repeat("n", models.MaxPersonaNameLen+1), "x", models.ScopePrivate},
		{"empty instruction", "u1", "ok", " ", models.ScopePrivate},
		{"bad scope", "u1", "ok", "x", "public"},
		{"no owner", "", "ok", "x", models.ScopePrivate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(ctx, tt.owner, tt.pname, tt.instr, tt.scope, Overrides{})
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestCreate_MaxLengthNameMultibyte(t *testing.T) {
	s := newTestStore(t)
	name := strings.Repeat("名", models.MaxPersonaNameLen)
	if _, err := s.Create(context.Background(), "u1", name, "x", models.ScopePrivate, Overrides{}); err != nil {
		t.Errorf("Create with %d-rune name: %v", models.MaxPersonaNameLen, err)
	}
}

func TestUpdate_OwnershipAndBuiltins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.Create(ctx, "u1", "mine", "v1", models.ScopePrivate, Overrides{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := s.Update(ctx, p.ID, "u2", "hijack"); !errors.Is(err, ErrNotOwned) {
		t.Errorf("Update by other err = %v, want ErrNotOwned", err)
	}

	builtin, _ := s.Builtin(ctx, "none_prompt", models.ScopePrivate)
	if _, err := s.Update(ctx, builtin.ID, "u1", "x"); !errors.Is(err, ErrNotOwned) {
		t.Errorf("Update builtin err = %v, want ErrNotOwned", err)
	}

	if _, err := s.Update(ctx, 9999, "u1", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update missing err = %v, want ErrNotFound", err)
	}
}

func TestUpdate_InvalidatesCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, _ := s.Create(ctx, "u1", "mine", "v1", models.ScopePrivate, Overrides{})
	if _, err := s.Get(ctx, p.ID); err != nil { // warm cache
		t.Fatalf("Get: %v", err)
	}
	if _, err := s.Update(ctx, p.ID, "u1", "v2"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := s.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if got.Instruction != "v2" {
		t.Errorf("Instruction = %q, want %q", got.Instruction, "v2")
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, _ := s.Create(ctx, "u1", "mine", "v1", models.ScopePrivate, Overrides{})
	s.Get(ctx, p.ID) // warm cache

	if _, err := s.Delete(ctx, p.ID, "u2"); !errors.Is(err, ErrNotOwned) {
		t.Errorf("Delete by other err = %v, want ErrNotOwned", err)
	}

	ok, err := s.Delete(ctx, p.ID, "u1")
	if err != nil || !ok {
		t.Fatalf("Delete = %v, %v; want true, nil", ok, err)
	}
	if _, err := s.Get(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete err = %v, want ErrNotFound", err)
	}

	builtin, _ := s.Builtin(ctx, "none_prompt", models.ScopePrivate)
	if _, err := s.Delete(ctx, builtin.ID, "u1"); !errors.Is(err, ErrNotOwned) {
		t.Errorf("Delete builtin err = %v, want ErrNotOwned", err)
	}
}

func TestResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	own, _ := s.Create(ctx, "u1", "concise_expert", "x", models.ScopeGroupRole, Overrides{})
	other, _ := s.Create(ctx, "u2", "secret", "y", models.ScopePrivate, Overrides{})
	role, _ := s.Builtin(ctx, "neutral_group_member", models.ScopeGroupRole)

	t.Run("by builtin name", func(t *testing.T) {
		p, err := s.Resolve(ctx, "u1", "none_prompt", models.ScopePrivate)
		if err != nil || p.Name != "none_prompt" {
			t.Errorf("Resolve = %v, %v", p, err)
		}
	})
	t.Run("own name beats builtin", func(t *testing.T) {
		p, err := s.Resolve(ctx, "u1", "concise_expert", models.ScopeGroupRole)
		if err != nil || p.ID != own.ID {
			t.Errorf("Resolve = %v, %v; want own persona %d", p, err, own.ID)
		}
	})
	t.Run("by id of builtin", func(t *testing.T) {
		p, err := s.Resolve(ctx, "u1", strconv.Itoa(int(role.ID)), models.ScopeGroupRole)
		if err != nil || p.ID != role.ID {
			t.Errorf("Resolve = %v, %v", p, err)
		}
	})
	t.Run("by id of other owner", func(t *testing.T) {
		_, err := s.Resolve(ctx, "u1", strconv.Itoa(int(other.ID)), models.ScopePrivate)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
	t.Run("by id wrong scope", func(t *testing.T) {
		_, err := s.Resolve(ctx, "u1", strconv.Itoa(int(role.ID)), models.ScopePrivate)
		if !errors.Is(err, ErrScopeMismatch) {
			t.Errorf("err = %v, want ErrScopeMismatch", err)
		}
	})
	t.Run("unknown", func(t *testing.T) {
		_, err := s.Resolve(ctx, "u1", "ghost", models.ScopePrivate)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestListForOwner_SortedByName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, n := range []string{"zeta", "alpha", "mid"} {
		if _, err := s.Create(ctx, "u1", n, "x", models.ScopePrivate, Overrides{}); err != nil {
			t.Fatalf("Create %s: %v", n, err)
		}
	}
	s.Create(ctx, "u2", "beta", "x", models.ScopePrivate, Overrides{})

	got, err := s.ListForOwner(ctx, "u1", models.ScopePrivate)
	if err != nil {
		t.Fatalf("ListForOwner: %v", err)
	}
	var names []string
	for _, p := range got {
		names = append(names, p.Name)
	}
	if strings.Join(names, ",") != "alpha,mid,zeta" {
		t.Errorf("names = %v, want [alpha mid zeta]", names)
	}
}

func TestListBuiltins(t *testing.T) {
	s := newTestStore(t)
	got, err := s.ListBuiltins(context.Background(), models.ScopeGroupRole)
	if err != nil {
		t.Fatalf("ListBuiltins: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Name != "group_moderator" {
		t.Errorf("first = %q, want %q", got[0].Name, "group_moderator")
	}
}

// afterNextRead runs fn once, right after the next query on table has
// returned its rows and before the caller sees them.
func afterNextRead(t *testing.T, gdb *gorm.DB, table string, fn func()) {
	t.Helper()
	var armed atomic.Bool
	armed.Store(true)
	err := gdb.Callback().Query().After("gorm:query").Register("test:after_read", func(tx *gorm.DB) {
		if tx.Statement.Table == table && armed.CompareAndSwap(true, false) {
			fn()
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}
}

func TestGet_ReadOverlappingUpdateIsNotCached(t *testing.T) {
	gdb := openPersonaTestDB(t)
	s, _ := NewStore(StoreOpts{DB: gdb})
	ctx := context.Background()
	p, err := s.Create(ctx, "u1", "mine", "old text", models.ScopePrivate, Overrides{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	afterNextRead(t, gdb, "personas", func() {
		if _, err := s.Update(ctx, p.ID, "u1", "new text"); err != nil {
			t.Errorf("Update: %v", err)
		}
	})
	if _, err := s.Get(ctx, p.ID); err != nil {
		t.Fatalf("Get during update: %v", err)
	}

	got, err := s.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Instruction != "new text" {
		t.Errorf("Instruction = %q after Update committed, want %q", got.Instruction, "new text")
	}
}

func TestGet_ReadOverlappingDeleteIsNotCached(t *testing.T) {
	gdb := openPersonaTestDB(t)
	s, _ := NewStore(StoreOpts{DB: gdb})
	ctx := context.Background()
	p, _ := s.Create(ctx, "u1", "doomed", "text", models.ScopeGroupRole, Overrides{})

	afterNextRead(t, gdb, "personas", func() {
		if _, err := s.Delete(ctx, p.ID, "u1"); err != nil {
			t.Errorf("Delete: %v", err)
		}
	})
	s.Get(ctx, p.ID)

	if _, err := s.Get(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete err = %v, want ErrNotFound", err)
	}
}

// recordingPublisher records every announced invalidation.
type recordingPublisher struct {
	mu    sync.Mutex
	kinds []string
	keys  []string
	err   error
}

func (r *recordingPublisher) Publish(ctx context.Context, kind, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	r.keys = append(r.keys, key)
	return r.err
}

func TestWrites_AnnounceInvalidations(t *testing.T) {
	pub := &recordingPublisher{}
	s, _ := NewStore(StoreOpts{DB: openPersonaTestDB(t), Invalidations: pub})
	ctx := context.Background()
	p, _ := s.Create(ctx, "u1", "mine", "v1", models.ScopePrivate, Overrides{})

	if _, err := s.Update(ctx, p.ID, "u1", "v2"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	pub.err = errors.New("redis down")
	if _, err := s.Delete(ctx, p.ID, "u1"); err != nil {
		t.Fatalf("Delete with failing publisher: %v", err)
	}

	want := strconv.FormatUint(uint64(p.ID), 10)
	if len(pub.keys) != 2 || pub.keys[0] != want || pub.keys[1] != want {
		t.Errorf("keys = %v, want two of %s", pub.keys, want)
	}
	if pub.kinds[0] != cachesync.KindPersona {
		t.Errorf("kind = %q, want %q", pub.kinds[0], cachesync.KindPersona)
	}
}

func TestForget_DropsRemotelyChangedPersona(t *testing.T) {
	gdb := openPersonaTestDB(t)
	s, _ := NewStore(StoreOpts{DB: gdb})
	ctx := context.Background()
	p, _ := s.Create(ctx, "u1", "mine", "v1", models.ScopePrivate, Overrides{})
	s.Get(ctx, p.ID)

	// Another process edits the row directly.
	gdb.Model(&models.Persona{}).Where("id = ?", p.ID).Update("instruction", "v2")
	if got, _ := s.Get(ctx, p.ID); got.Instruction != "v1" {
		t.Fatalf("Instruction = %q before Forget, want cached %q", got.Instruction, "v1")
	}

	s.Forget(strconv.FormatUint(uint64(p.ID), 10))
	if got, _ := s.Get(ctx, p.ID); got.Instruction != "v2" {
		t.Errorf("Instruction = %q after Forget, want %q", got.Instruction, "v2")
	}

	gdb.Model(&models.Persona{}).Where("id = ?", p.ID).Update("instruction", "v3")
	s.Forget("not-a-number")
	s.ForgetAll()
	if got, _ := s.Get(ctx, p.ID); got.Instruction != "v3" {
		t.Errorf("Instruction = %q after ForgetAll, want %q", got.Instruction, "v3")
	}
}
