package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/chorus/internal/models"
	"github.com/zulandar/chorus/internal/persona"
	"github.com/zulandar/chorus/internal/session"
)

// WizardState is a persona wizard step.
type WizardState int

const (
	// Idle means no wizard is running for the key.
	Idle WizardState = iota
	// AwaitingInstruction waits for the persona text.
	AwaitingInstruction
	// AwaitingName waits for the new persona's name.
	AwaitingName
)

func (s WizardState) String() string {
	switch s {
	case AwaitingInstruction:
		return "awaiting_instruction"
	case AwaitingName:
		return "awaiting_name"
	default:
		return "idle"
	}
}

// defaultWizardTTL bounds how long an abandoned wizard keeps capturing input.
const defaultWizardTTL = 15 * time.Minute

// WizardStore is the persona store surface the wizard writes through.
type WizardStore interface {
	Create(ctx context.Context, ownerID, name, instruction, scope string, o persona.Overrides) (*models.Persona, error)
	Update(ctx context.Context, id uint, ownerID, instruction string) (*models.Persona, error)
	NameAvailable(ctx context.Context, ownerID, name, scope string) error
}

type wizardFlow struct {
	state       WizardState
	scope       string
	targetID    uint // non-zero when editing
	instruction string
	touched     time.Time
}

// Wizard is the create/edit persona state machine, keyed by
// (conversation, participant):
//
//	create: AwaitingInstruction -> AwaitingName -> Idle
//	edit:   AwaitingInstruction(target) -> Idle
//
// Cancel returns any state to Idle.
type Wizard struct {
	store  WizardStore
	ttl    time.Duration
	now    func() time.Time
	prefix string

	mu    sync.Mutex
	flows map[session.Key]*wizardFlow
}

// WizardOpts holds parameters for creating a Wizard.
type WizardOpts struct {
	Store         WizardStore
	TTL           time.Duration // defaults to 15m
	Now           func() time.Time
	CommandPrefix string // shown in hints; defaults to "!"
}

// NewWizard creates a Wizard.
func NewWizard(opts WizardOpts) (*Wizard, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: wizard: store is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultWizardTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	prefix := opts.CommandPrefix
	if prefix == "" {
		prefix = "!"
	}
	return &Wizard{store: opts.Store, ttl: ttl, now: now, prefix: prefix, flows: make(map[session.Key]*wizardFlow)}, nil
}

// BeginCreate starts the create flow for a persona of scope.
func (w *Wizard) BeginCreate(key session.Key, scope string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flows[key] = &wizardFlow{state: AwaitingInstruction, scope: scope, touched: w.now()}
}

// BeginEdit starts the edit flow for an existing persona.
func (w *Wizard) BeginEdit(key session.Key, target *models.Persona) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flows[key] = &wizardFlow{state: AwaitingInstruction, scope: target.Scope, targetID: target.ID, touched: w.now()}
}

// Cancel abandons the flow at key. It reports whether one was running.
func (w *Wizard) Cancel(key session.Key) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.flows[key]
	delete(w.flows, key)
	return ok
}

// State returns the current step at key. Expired flows read as Idle.
func (w *Wizard) State(key session.Key) WizardState {
	w.mu.Lock()
	defer w.mu.Unlock()
	f := w.live(key)
	if f == nil {
		return Idle
	}
	return f.state
}

// live returns the flow at key, dropping it if expired. w.mu must be held.
func (w *Wizard) live(key session.Key) *wizardFlow {
	f, ok := w.flows[key]
	if !ok {
		return nil
	}
	if w.now().Sub(f.touched) > w.ttl {
		delete(w.flows, key)
		return nil
	}
	return f
}

// Handle feeds one message into the flow at key and returns the reply. ok
// is false when no flow is running, so the caller can treat text as a
// normal turn.
func (w *Wizard) Handle(ctx context.Context, key session.Key, ownerID, text string) (reply string, ok bool) {
	w.mu.Lock()
	f := w.live(key)
	if f == nil {
		w.mu.Unlock()
		return "", false
	}
	snapshot := *f
	w.mu.Unlock()

	text = strings.TrimSpace(text)
	switch snapshot.state {
	case AwaitingInstruction:
		if text == "" {
			return "Please send the persona instructions as a message.", true
		}
		if snapshot.targetID != 0 {
			p, err := w.store.Update(ctx, snapshot.targetID, ownerID, text)
			w.finish(key)
			if err != nil {
				return userError(err), true
			}
			return fmt.Sprintf("Persona **%s** updated. The change applies from your next message.", p.Name), true
		}
		w.advance(key, func(f *wizardFlow) {
			f.state = AwaitingName
			f.instruction = text
		})
		return fmt.Sprintf("Got it. Now send a name for this persona (up to %d characters).", models.MaxPersonaNameLen), true

	case AwaitingName:
		if err := persona.ValidateName(text); err != nil {
			return fmt.Sprintf("%s Send another name, or `%scancel`.", userError(err), w.prefix), true
		}
		if err := w.store.NameAvailable(ctx, ownerID, text, snapshot.scope); err != nil {
			return userError(err), true
		}
		p, err := w.store.Create(ctx, ownerID, text, snapshot.instruction, snapshot.scope, persona.Overrides{})
		if errors.Is(err, persona.ErrDuplicateName) {
			return userError(err), true
		}
		w.finish(key)
		if err != nil {
			return userError(err), true
		}
		return fmt.Sprintf("Persona **%s** created with id %d.", p.Name, p.ID), true
	}
	return "", false
}

func (w *Wizard) advance(key session.Key, fn func(f *wizardFlow)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if f, ok := w.flows[key]; ok {
		fn(f)
		f.touched = w.now()
	}
}

func (w *Wizard) finish(key session.Key) {
	w.mu.Lock()
	delete(w.flows, key)
	w.mu.Unlock()
}
