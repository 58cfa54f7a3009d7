package engine

import (
	"errors"
	"log"
	"strings"

	"github.com/zulandar/chorus/internal/generate"
	"github.com/zulandar/chorus/internal/group"
	"github.com/zulandar/chorus/internal/persona"
)

// User-facing replies.
const (
	msgNotOwned      = "You can only change personas you created."
	msgDuplicateName = "That name is taken, choose another name."
	msgNoRole        = "No group role is configured for this chat."
	msgSorry         = "Sorry, I could not produce a reply right now."
	msgNotFound      = "Persona not found."
	msgWrongScope    = "That persona cannot be used here."
	msgInternal      = "Something went wrong."
	msgDenied        = "You are not allowed to do that here."
	msgInvalidMode   = "Mode must be `individual` or `shared`."
)

// userError maps an error to the text shown in chat. Unmapped errors are
// logged and answered generically.
func userError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, persona.ErrNotOwned):
		return msgNotOwned
	case errors.Is(err, persona.ErrDuplicateName):
		return msgDuplicateName
	case errors.Is(err, group.ErrNoRole):
		return msgNoRole
	case errors.Is(err, generate.ErrGeneration):
		return msgSorry
	case errors.Is(err, persona.ErrNotFound):
		return msgNotFound
	case errors.Is(err, persona.ErrScopeMismatch):
		return msgWrongScope
	case errors.Is(err, group.ErrInvalidMode):
		return msgInvalidMode
	case errors.Is(err, persona.ErrInvalid):
		detail := strings.TrimPrefix(err.Error(), persona.ErrInvalid.Error()+": ")
		return "Invalid persona: " + detail + "."
	default:
		log.Printf("engine: %v", err)
		return msgInternal
	}
}
