package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/zulandar/chorus/internal/models"
	"github.com/zulandar/chorus/internal/session"
)

// isCommand reports whether text starts with the command prefix followed by
// a word.
func (e *Engine) isCommand(text string) bool {
	if !strings.HasPrefix(text, e.prefix) {
		return false
	}
	rest := strings.TrimPrefix(text, e.prefix)
	return rest != "" && rest[0] != ' '
}

// parseCommand strips the prefix and splits the command into its name and
// the remaining argument string.
func (e *Engine) parseCommand(text string) (name, arg string) {
	text = strings.TrimPrefix(strings.TrimSpace(text), e.prefix)
	fields := strings.SplitN(text, " ", 2)
	name = strings.ToLower(fields[0])
	if len(fields) == 2 {
		arg = strings.TrimSpace(fields[1])
	}
	return name, arg
}

// Execute runs one command and returns the reply text.
func (e *Engine) Execute(ctx context.Context, in Inbound, text string) string {
	name, arg := e.parseCommand(text)
	switch name {
	case "help":
		return e.helpText()
	case "start":
		return e.startText(in)
	case "personas":
		return e.cmdList(ctx, in, models.ScopePrivate)
	case "roles":
		return e.cmdList(ctx, in, models.ScopeGroupRole)
	case "new":
		return e.cmdNew(ctx, in, arg)
	case "edit":
		return e.cmdEdit(ctx, in, arg)
	case "cancel":
		if e.wizard.Cancel(in.participantKey()) {
			return "Cancelled."
		}
		return "Nothing to cancel."
	case "delete":
		return e.cmdDelete(ctx, in, arg)
	case "use":
		return e.cmdUse(ctx, in, arg)
	case "model":
		return e.cmdModel(ctx, in, arg)
	case "models":
		return e.cmdModels()
	case "clear":
		return e.cmdClear(ctx, in)
	case "mode":
		return e.cmdMode(ctx, in, arg)
	case "role":
		return e.cmdRole(ctx, in, arg)
	case "ambient":
		return e.cmdAmbient(ctx, in, arg)
	case "status":
		return e.cmdStatus(ctx, in)
	default:
		return fmt.Sprintf("Unknown command: `%s%s`\n\n%s", e.prefix, name, e.helpText())
	}
}

func (e *Engine) helpText() string {
	p := e.prefix
	var b strings.Builder
	b.WriteString("**Commands**\n")
	fmt.Fprintf(&b, "`%spersonas` list your personas and the built-ins\n", p)
	fmt.Fprintf(&b, "`%suse <id|name>` switch persona (starts a new conversation)\n", p)
	fmt.Fprintf(&b, "`%snew` create a persona, `%snew role` create a group role\n", p, p)
	fmt.Fprintf(&b, "`%sedit <id>` change a persona's instructions\n", p)
	fmt.Fprintf(&b, "`%sdelete <id>` delete one of your personas\n", p)
	fmt.Fprintf(&b, "`%scancel` leave the persona wizard\n", p)
	fmt.Fprintf(&b, "`%smodels`, `%smodel <name>` list or switch models\n", p, p)
	fmt.Fprintf(&b, "`%sclear` forget the current conversation\n", p)
	fmt.Fprintf(&b, "`%sstatus` show persona, model and history size\n", p)
	b.WriteString("**Group admins**\n")
	fmt.Fprintf(&b, "`%smode individual|shared` `%srole <id|name>` `%sroles` `%sambient on|off`", p, p, p, p)
	return b.String()
}

func (e *Engine) startText(in Inbound) string {
	return fmt.Sprintf("Hello %s! I keep a separate conversation for each chat. Send a message to begin, or `%shelp` for commands.",
		in.author(), e.prefix)
}

// slot returns the session key and persona scope personal commands act on.
// In a shared-mode group there is no personal slot.
func (e *Engine) slot(ctx context.Context, in Inbound) (session.Key, string, error) {
	if !in.IsGroup {
		return in.participantKey(), models.ScopePrivate, nil
	}
	gs, err := e.policy.Settings().Get(ctx, in.ConversationID)
	if err != nil {
		return session.Key{}, "", err
	}
	if gs.Mode == models.ModeShared {
		return session.Key{ConversationID: in.ConversationID}, models.ScopeGroupRole, nil
	}
	return in.participantKey(), models.ScopePrivate, nil
}

func (e *Engine) cmdList(ctx context.Context, in Inbound, scope string) string {
	builtins, err := e.personas.ListBuiltins(ctx, scope)
	if err != nil {
		return userError(err)
	}
	own, err := e.personas.ListForOwner(ctx, in.ParticipantID, scope)
	if err != nil {
		return userError(err)
	}

	var b strings.Builder
	if scope == models.ScopeGroupRole {
		b.WriteString("**Group roles**\n")
	} else {
		b.WriteString("**Personas**\n")
	}
	for _, p := range own {
		fmt.Fprintf(&b, "`%d` %s\n", p.ID, p.Name)
	}
	for _, p := range builtins {
		fmt.Fprintf(&b, "`%d` %s (built-in)\n", p.ID, p.Name)
	}
	if len(own) == 0 && len(builtins) == 0 {
		b.WriteString("none\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *Engine) cmdNew(ctx context.Context, in Inbound, arg string) string {
	if !e.auth.IsAuthorized(ctx, in.ConversationID, in.ParticipantID, ActionManagePersona) {
		return msgDenied
	}
	scope := models.ScopePrivate
	switch strings.ToLower(arg) {
	case "":
	case "role":
		scope = models.ScopeGroupRole
	default:
		return fmt.Sprintf("Usage: `%snew` or `%snew role`", e.prefix, e.prefix)
	}
	e.wizard.BeginCreate(in.participantKey(), scope)
	return fmt.Sprintf("Send the instructions for the new persona. `%scancel` to stop.", e.prefix)
}

func (e *Engine) cmdEdit(ctx context.Context, in Inbound, arg string) string {
	if !e.auth.IsAuthorized(ctx, in.ConversationID, in.ParticipantID, ActionManagePersona) {
		return msgDenied
	}
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return fmt.Sprintf("Usage: `%sedit <id>`", e.prefix)
	}
	p, err := e.personas.Get(ctx, uint(id))
	if err != nil {
		return userError(err)
	}
	if !p.OwnedBy(in.ParticipantID) {
		return msgNotOwned
	}
	e.wizard.BeginEdit(in.participantKey(), p)
	return fmt.Sprintf("Editing **%s**. Send the new instructions. `%scancel` to stop.", p.Name, e.prefix)
}

func (e *Engine) cmdDelete(ctx context.Context, in Inbound, arg string) string {
	if !e.auth.IsAuthorized(ctx, in.ConversationID, in.ParticipantID, ActionManagePersona) {
		return msgDenied
	}
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return fmt.Sprintf("Usage: `%sdelete <id>`", e.prefix)
	}
	deleted, err := e.personas.Delete(ctx, uint(id), in.ParticipantID)
	if err != nil {
		return userError(err)
	}
	if !deleted {
		return msgNotFound
	}
	return fmt.Sprintf("Persona %d deleted.", id)
}

// cmdUse switches the caller's persona and restarts their session,
// keeping the current model.
func (e *Engine) cmdUse(ctx context.Context, in Inbound, arg string) string {
	if !e.auth.IsAuthorized(ctx, in.ConversationID, in.ParticipantID, ActionSwitchPersona) {
		return msgDenied
	}
	if arg == "" {
		return fmt.Sprintf("Usage: `%suse <id|name>`", e.prefix)
	}
	key, scope, err := e.slot(ctx, in)
	if err != nil {
		return userError(err)
	}
	if scope == models.ScopeGroupRole {
		return fmt.Sprintf("This chat uses a shared role. An admin can change it with `%srole`.", e.prefix)
	}
	p, err := e.personas.Resolve(ctx, in.ParticipantID, arg, scope)
	if err != nil {
		return userError(err)
	}
	model := ""
	if cur, err := e.sessions.Current(ctx, key); err == nil {
		model = cur.ModelName
	}
	if _, err := e.sessions.Restart(ctx, key, p.ID, model); err != nil {
		return userError(err)
	}
	return fmt.Sprintf("Now using **%s**. Starting a new conversation.", p.Name)
}

func (e *Engine) cmdModels() string {
	if len(e.modelNames) == 0 {
		return "No models configured."
	}
	return "**Models**\n" + strings.Join(e.modelNames, "\n")
}

// cmdModel switches the model of the caller's session and restarts it.
func (e *Engine) cmdModel(ctx context.Context, in Inbound, arg string) string {
	if !e.auth.IsAuthorized(ctx, in.ConversationID, in.ParticipantID, ActionSwitchPersona) {
		return msgDenied
	}
	if arg == "" {
		return fmt.Sprintf("Usage: `%smodel <name>`. See `%smodels`.", e.prefix, e.prefix)
	}
	if !e.knownModel(arg) {
		return fmt.Sprintf("Unknown model `%s`. See `%smodels`.", arg, e.prefix)
	}
	key, scope, err := e.slot(ctx, in)
	if err != nil {
		return userError(err)
	}
	if scope == models.ScopeGroupRole && !e.auth.IsAuthorized(ctx, in.ConversationID, in.ParticipantID, ActionGroupSettings) {
		return msgDenied
	}
	personaID, err := e.currentPersona(ctx, in, key, scope)
	if err != nil {
		return userError(err)
	}
	if _, err := e.sessions.Restart(ctx, key, personaID, arg); err != nil {
		return userError(err)
	}
	return fmt.Sprintf("Model set to `%s`. Starting a new conversation.", arg)
}

// cmdClear restarts the caller's session with the same persona and model.
func (e *Engine) cmdClear(ctx context.Context, in Inbound) string {
	if !e.auth.IsAuthorized(ctx, in.ConversationID, in.ParticipantID, ActionSwitchPersona) {
		return msgDenied
	}
	key, scope, err := e.slot(ctx, in)
	if err != nil {
		return userError(err)
	}
	if scope == models.ScopeGroupRole && !e.auth.IsAuthorized(ctx, in.ConversationID, in.ParticipantID, ActionGroupSettings) {
		return msgDenied
	}
	cur, err := e.sessions.Current(ctx, key)
	if errors.Is(err, session.ErrNotFound) {
		return "Nothing to clear."
	}
	if err != nil {
		return userError(err)
	}
	if _, err := e.sessions.Restart(ctx, key, cur.PersonaID, cur.ModelName); err != nil {
		return userError(err)
	}
	return "Conversation cleared."
}

func (e *Engine) cmdMode(ctx context.Context, in Inbound, arg string) string {
	if !in.IsGroup {
		return "Modes only apply to group chats."
	}
	if !e.auth.IsAuthorized(ctx, in.ConversationID, in.ParticipantID, ActionGroupSettings) {
		return msgDenied
	}
	mode := strings.ToLower(arg)
	if err := e.policy.SwitchMode(ctx, in.ConversationID, mode); err != nil {
		return userError(err)
	}
	if mode == models.ModeShared {
		return "Group mode set to **shared**. Everyone now talks to one shared role."
	}
	return "Group mode set to **individual**. Everyone gets their own conversation."
}

func (e *Engine) cmdRole(ctx context.Context, in Inbound, arg string) string {
	if !in.IsGroup {
		return "Roles only apply to group chats."
	}
	if !e.auth.IsAuthorized(ctx, in.ConversationID, in.ParticipantID, ActionGroupSettings) {
		return msgDenied
	}
	if arg == "" {
		return fmt.Sprintf("Usage: `%srole <id|name>`. See `%sroles`.", e.prefix, e.prefix)
	}
	p, err := e.policy.SetSharedPersona(ctx, in.ConversationID, in.ParticipantID, arg)
	if err != nil {
		return userError(err)
	}
	return fmt.Sprintf("Group role set to **%s**.", p.Name)
}

func (e *Engine) cmdAmbient(ctx context.Context, in Inbound, arg string) string {
	if !in.IsGroup {
		return "Ambient replies only apply to group chats."
	}
	if !e.auth.IsAuthorized(ctx, in.ConversationID, in.ParticipantID, ActionGroupSettings) {
		return msgDenied
	}
	var enabled bool
	switch strings.ToLower(arg) {
	case "on":
		enabled = true
	case "off":
	default:
		return fmt.Sprintf("Usage: `%sambient on|off`", e.prefix)
	}
	if err := e.policy.SetAmbient(ctx, in.ConversationID, enabled); err != nil {
		return userError(err)
	}
	if enabled {
		return "Ambient replies enabled. They only happen in shared mode."
	}
	return "Ambient replies disabled."
}

func (e *Engine) cmdStatus(ctx context.Context, in Inbound) string {
	key, scope, err := e.slot(ctx, in)
	if err != nil {
		return userError(err)
	}
	var b strings.Builder
	if in.IsGroup {
		gs, err := e.policy.Settings().Get(ctx, in.ConversationID)
		if err != nil {
			return userError(err)
		}
		ambient := "off"
		if gs.AmbientReply {
			ambient = "on"
		}
		fmt.Fprintf(&b, "Mode: %s (ambient %s)\n", gs.Mode, ambient)
	}

	cur, err := e.sessions.Current(ctx, key)
	if errors.Is(err, session.ErrNotFound) {
		personaID, perr := e.currentPersona(ctx, in, key, scope)
		if perr != nil {
			return b.String() + userError(perr)
		}
		p, perr := e.personas.Get(ctx, personaID)
		if perr != nil {
			return b.String() + userError(perr)
		}
		gc := e.resolver.BuildEffectiveGenerationConfig(p, "")
		fmt.Fprintf(&b, "Persona: %s\nModel: %s\nHistory: no active conversation", p.Name, gc.Model)
		return b.String()
	}
	if err != nil {
		return userError(err)
	}
	p, err := e.personas.Get(ctx, cur.PersonaID)
	if err != nil {
		return b.String() + userError(err)
	}
	gc := e.resolver.BuildEffectiveGenerationConfig(p, cur.ModelName)
	fmt.Fprintf(&b, "Persona: %s\nModel: %s\nHistory: %d messages", p.Name, gc.Model, len(cur.History))
	return b.String()
}

// currentPersona returns the persona bound to the active session at key,
// or the one a new session would be seeded with.
func (e *Engine) currentPersona(ctx context.Context, in Inbound, key session.Key, scope string) (uint, error) {
	if cur, err := e.sessions.Current(ctx, key); err == nil {
		return cur.PersonaID, nil
	}
	if scope == models.ScopeGroupRole {
		gs, err := e.policy.Settings().Get(ctx, in.ConversationID)
		if err != nil {
			return 0, err
		}
		p, err := e.policy.SharedPersona(ctx, gs)
		if err != nil {
			return 0, err
		}
		return p.ID, nil
	}
	id, _, err := e.privateSeed(ctx)
	return id, err
}

func (e *Engine) knownModel(name string) bool {
	for _, m := range e.modelNames {
		if m == name {
			return true
		}
	}
	return false
}
