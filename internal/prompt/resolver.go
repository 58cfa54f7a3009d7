// Package prompt composes the effective system instruction and generation
// parameters for one turn.
package prompt

import (
	"strings"

	"github.com/zulandar/chorus/internal/config"
	"github.com/zulandar/chorus/internal/models"
)

// GenerationConfig is the resolved parameter set for one generation call.
type GenerationConfig struct {
	Model           string
	Temperature     float64
	TopP            float64
	TopK            int
	MaxOutputTokens int
}

// Resolver is immutable after construction and safe for concurrent use.
type Resolver struct {
	header       string
	defaultModel string
	defaults     config.SamplingConfig
}

// ResolverOpts holds parameters for creating a Resolver.
type ResolverOpts struct {
	GroupHeader  string // must contain config.PayloadPlaceholder exactly once
	DefaultModel string
	Defaults     config.SamplingConfig
}

// NewResolver creates a Resolver.
func NewResolver(opts ResolverOpts) *Resolver {
	return &Resolver{
		header:       opts.GroupHeader,
		defaultModel: opts.DefaultModel,
		defaults:     opts.Defaults,
	}
}

// NewResolverFromConfig builds a Resolver from the loaded configuration.
func NewResolverFromConfig(cfg *config.Config) *Resolver {
	return NewResolver(ResolverOpts{
		GroupHeader:  cfg.Personas.GroupHeader,
		DefaultModel: cfg.Generation.DefaultModel,
		Defaults:     cfg.Generation.Defaults,
	})
}

// BuildEffectiveInstruction returns the system instruction for p. In a group
// context the persona's instruction is the payload substituted into the
// group header; a header without exactly one placeholder yields the raw
// payload.
func (r *Resolver) BuildEffectiveInstruction(p *models.Persona, isGroup bool) string {
	if p == nil {
		return ""
	}
	if !isGroup {
		return p.Instruction
	}
	if strings.Count(r.header, config.PayloadPlaceholder) != 1 {
		return p.Instruction
	}
	return strings.Replace(r.header, config.PayloadPlaceholder, p.Instruction, 1)
}

// BuildEffectiveGenerationConfig merges parameters field by field. The
// model comes from sessionModel, then the persona, then the global
// default; each sampling field comes from the persona when set, otherwise
// the global default.
func (r *Resolver) BuildEffectiveGenerationConfig(p *models.Persona, sessionModel string) GenerationConfig {
	gc := GenerationConfig{
		Model:           r.defaultModel,
		Temperature:     r.defaults.Temperature,
		TopP:            r.defaults.TopP,
		TopK:            r.defaults.TopK,
		MaxOutputTokens: r.defaults.MaxOutputTokens,
	}
	if p != nil {
		if p.ModelName != nil && *p.ModelName != "" {
			gc.Model = *p.ModelName
		}
		if p.Temperature != nil {
			gc.Temperature = *p.Temperature
		}
		if p.TopP != nil {
			gc.TopP = *p.TopP
		}
		if p.TopK != nil {
			gc.TopK = *p.TopK
		}
		if p.MaxOutputTokens != nil {
			gc.MaxOutputTokens = *p.MaxOutputTokens
		}
	}
	if sessionModel != "" {
		gc.Model = sessionModel
	}
	return gc
}
