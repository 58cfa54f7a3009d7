// Package generate talks to the generative backend. The rest of chorus only
// sees the Generator interface.
package generate

import (
	"context"
	"errors"

	"github.com/zulandar/chorus/internal/models"
	"github.com/zulandar/chorus/internal/prompt"
)

// ErrGeneration wraps every backend failure, including empty replies.
var ErrGeneration = errors.New("generate: generation failed")

// Request is one generation call.
type Request struct {
	Instruction string
	History     []models.Turn
	UserContent string // optional; empty for ambient completions
	Config      prompt.GenerationConfig
}

// Result is a successful generation.
type Result struct {
	Text    string
	History []models.Turn // the request history plus this exchange
}

// Generator produces a reply. Failures wrap ErrGeneration.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// extendHistory returns history with the user turn (when present) and the
// model reply appended. The input slice is never modified.
func extendHistory(history []models.Turn, user, reply string) []models.Turn {
	out := make([]models.Turn, 0, len(history)+2)
	out = append(out, history...)
	if user != "" {
		out = append(out, models.Turn{Role: models.RoleUser, Content: user})
	}
	return append(out, models.Turn{Role: models.RoleModel, Content: reply})
}
