// Package engine orchestrates one chat turn: commands, the persona wizard,
// session resolution, prompt composition and generation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/zulandar/chorus/internal/generate"
	"github.com/zulandar/chorus/internal/group"
	"github.com/zulandar/chorus/internal/models"
	"github.com/zulandar/chorus/internal/persona"
	"github.com/zulandar/chorus/internal/prompt"
	"github.com/zulandar/chorus/internal/session"
)

// Inbound is a normalized message from a transport adapter. Addressed is
// resolved by the adapter (mention or reply to the bot) and the mention
// itself is already stripped from Text.
type Inbound struct {
	Platform       string
	ConversationID string
	ParticipantID  string
	AuthorName     string
	IsGroup        bool
	Text           string
	Addressed      bool
}

func (in Inbound) participantKey() session.Key {
	return session.Key{ConversationID: in.ConversationID, ParticipantID: in.ParticipantID}
}

func (in Inbound) author() string {
	if in.AuthorName != "" {
		return in.AuthorName
	}
	return "User " + in.ParticipantID
}

// Engine is the single entry point for inbound messages.
type Engine struct {
	personas       *persona.Store
	sessions       *session.Manager
	policy         *group.Policy
	resolver       *prompt.Resolver
	gen            generate.Generator
	auth           Authorizer
	wizard         *Wizard
	defaultPrivate string
	modelNames     []string
	placeholder    string
	prefix         string
	out            io.Writer
}

// EngineOpts holds parameters for creating an Engine.
type EngineOpts struct {
	Personas           *persona.Store
	Sessions           *session.Manager
	Policy             *group.Policy
	Resolver           *prompt.Resolver
	Generator          generate.Generator
	Authorizer         Authorizer // defaults to an open ConfigAuthorizer
	Wizard             *Wizard    // defaults to a Wizard over Personas
	DefaultPrivate     string     // preferred private builtin name
	AvailableModels    []string
	AmbientPlaceholder string    // user turn sent with ambient completions
	CommandPrefix      string    // defaults to "!"
	Out                io.Writer // defaults to os.Stdout
}

// NewEngine creates an Engine.
func NewEngine(opts EngineOpts) (*Engine, error) {
	if opts.Personas == nil {
		return nil, fmt.Errorf("engine: personas is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("engine: sessions is required")
	}
	if opts.Policy == nil {
		return nil, fmt.Errorf("engine: policy is required")
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("engine: resolver is required")
	}
	if opts.Generator == nil {
		return nil, fmt.Errorf("engine: generator is required")
	}
	auth := opts.Authorizer
	if auth == nil {
		auth = NewConfigAuthorizer(ConfigAuthorizerOpts{})
	}
	prefix := opts.CommandPrefix
	if prefix == "" {
		prefix = "!"
	}
	wiz := opts.Wizard
	if wiz == nil {
		var err error
		if wiz, err = NewWizard(WizardOpts{Store: opts.Personas, CommandPrefix: prefix}); err != nil {
			return nil, err
		}
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Engine{
		personas:       opts.Personas,
		sessions:       opts.Sessions,
		policy:         opts.Policy,
		resolver:       opts.Resolver,
		gen:            opts.Generator,
		auth:           auth,
		wizard:         wiz,
		defaultPrivate: opts.DefaultPrivate,
		modelNames:     opts.AvailableModels,
		placeholder:    opts.AmbientPlaceholder,
		prefix:         prefix,
		out:            out,
	}, nil
}

// HandleMessage processes one inbound message. Routing order:
//  1. Command prefix: command handler
//  2. Group chat: the message is cached
//  3. Running persona wizard for the sender: wizard. In a group only
//     addressed messages reach it.
//  4. Private chat: private turn
//  5. Group chat: the group decision (respond, ambient or ignore)
//
// ok is false when nothing should be sent back.
func (e *Engine) HandleMessage(ctx context.Context, in Inbound) (reply string, ok bool) {
	text := strings.TrimSpace(in.Text)
	in.Text = text

	if e.isCommand(text) {
		fmt.Fprintf(e.out, "engine: command [conv=%s user=%s] %q\n", in.ConversationID, in.ParticipantID, text)
		return e.Execute(ctx, in, text), true
	}

	var msg group.Message
	if in.IsGroup {
		msg = group.Message{
			ConversationID: in.ConversationID,
			ParticipantID:  in.ParticipantID,
			AuthorName:     in.AuthorName,
			Text:           in.Text,
			Addressed:      in.Addressed,
		}
		if err := e.policy.Observe(ctx, msg); err != nil {
			log.Printf("engine: cache message [conv=%s]: %v", in.ConversationID, err)
		}
	}

	if !in.IsGroup || in.Addressed {
		if reply, ok := e.wizard.Handle(ctx, in.participantKey(), in.ParticipantID, text); ok {
			return reply, true
		}
	}

	if !in.IsGroup {
		if text == "" {
			return "", false
		}
		return e.privateTurn(ctx, in), true
	}
	return e.groupTurn(ctx, in, msg)
}

func (e *Engine) privateTurn(ctx context.Context, in Inbound) string {
	return e.converse(ctx, in.participantKey(), models.ScopePrivate, e.privateSeed, in.Text)
}

// groupTurn decides and answers a group message already observed into the
// cache.
func (e *Engine) groupTurn(ctx context.Context, in Inbound, msg group.Message) (string, bool) {
	setting, err := e.policy.Settings().Get(ctx, in.ConversationID)
	if err != nil {
		return userError(err), in.Addressed
	}

	d, err := e.policy.Decide(ctx, msg, setting)
	if err != nil {
		log.Printf("engine: decide [conv=%s]: %v", in.ConversationID, err)
		return "", false
	}

	switch d.Action {
	case group.Respond:
		if in.Text == "" {
			return fmt.Sprintf("Hi %s! Ask me anything, or send `%shelp` for commands.", in.author(), e.prefix), true
		}
		if d.Scope == models.ScopeGroupRole {
			seed := func(ctx context.Context) (uint, string, error) {
				p, err := e.policy.SharedPersona(ctx, setting)
				if err != nil {
					return 0, "", err
				}
				return p.ID, "", nil
			}
			return e.converse(ctx, d.Key, d.Scope, seed, in.author()+": "+in.Text), true
		}
		return e.converse(ctx, d.Key, d.Scope, e.privateSeed, in.Text), true

	case group.Ambient:
		return e.ambientTurn(ctx, setting, d)

	default:
		return "", false
	}
}

// converse runs one generation turn against the session at key. The
// session lock is held only while resolving and while appending; the
// generation call runs unlocked. On failure nothing is written.
func (e *Engine) converse(ctx context.Context, key session.Key, scope string, seed session.SeedFunc, userText string) string {
	s, err := e.sessions.ResolveForTurn(ctx, key, scope, seed)
	if err != nil {
		return userError(err)
	}
	p, err := e.personas.Get(ctx, s.PersonaID)
	if err != nil {
		return userError(err)
	}

	instruction := e.resolver.BuildEffectiveInstruction(p, p.Scope == models.ScopeGroupRole)
	gc := e.resolver.BuildEffectiveGenerationConfig(p, s.ModelName)

	res, err := e.gen.Generate(ctx, generate.Request{
		Instruction: instruction,
		History:     s.History,
		UserContent: userText,
		Config:      gc,
	})
	if err != nil {
		log.Printf("engine: generate [key=%s persona=%d model=%s]: %v", key, p.ID, gc.Model, err)
		return msgSorry
	}

	if _, err := e.sessions.AppendTurn(ctx, s.ID, userText, res.Text); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			log.Printf("engine: session %s archived during turn; reply sent without history", s.ID)
		} else {
			log.Printf("engine: append turn %s: %v", s.ID, err)
		}
	}
	return res.Text
}

// ambientTurn produces an unprompted reply from cached context. It never
// touches session state and never surfaces errors.
func (e *Engine) ambientTurn(ctx context.Context, setting *models.GroupSetting, d group.Decision) (string, bool) {
	p, err := e.policy.SharedPersona(ctx, setting)
	if err != nil {
		log.Printf("engine: ambient [conv=%s]: %v", setting.ConversationID, err)
		return "", false
	}
	res, err := e.gen.Generate(ctx, generate.Request{
		Instruction: e.resolver.BuildEffectiveInstruction(p, true),
		History:     d.Context,
		UserContent: e.placeholder,
		Config:      e.resolver.BuildEffectiveGenerationConfig(p, ""),
	})
	if err != nil {
		log.Printf("engine: ambient generate [conv=%s]: %v", setting.ConversationID, err)
		return "", false
	}
	fmt.Fprintf(e.out, "engine: ambient reply [conv=%s persona=%s]\n", setting.ConversationID, p.Name)
	return res.Text, true
}

func (e *Engine) privateSeed(ctx context.Context) (uint, string, error) {
	p, err := e.personas.DefaultFor(ctx, models.ScopePrivate, e.defaultPrivate)
	if err != nil {
		return 0, "", err
	}
	return p.ID, "", nil
}
