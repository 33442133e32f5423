// Package pipeline defines the fixed, ordered table of generation stages.
package pipeline

import (
	"fmt"

	"boardroom/internal/domain"
)

// Context carries what a stage may read when building its prompt: the idea and the
// content of each declared dependency (already substituted with a placeholder when the
// dependency artifact does not exist yet).
type Context struct {
	Idea string
	Deps map[domain.ArtifactType]string
}

// Stage is one pipeline step.
type Stage struct {
	Role      domain.Role
	Produces  domain.ArtifactType
	DependsOn []domain.ArtifactType
	Prompt    func(Context) string
}

var placeholders = map[domain.ArtifactType]string{
	domain.ArtifactPRD:          "No PRD available.",
	domain.ArtifactTechSpec:     "No Tech Spec available.",
	domain.ArtifactCostAnalysis: "No Cost Analysis available.",
	domain.ArtifactCompliance:   "No Compliance checklist available.",
	domain.ArtifactDemoCode:     "No Demo Code available.",
}

// Placeholder is the text substituted for a dependency that was never produced.
func Placeholder(t domain.ArtifactType) string {
	if p, ok := placeholders[t]; ok {
		return p
	}
	return fmt.Sprintf("No %s available.", t)
}

var stages = []Stage{
	{
		Role:     domain.RolePM,
		Produces: domain.ArtifactPRD,
		Prompt: func(c Context) string {
			return fmt.Sprintf("Generate a Product Requirements Document (PRD) for the idea: \"%s\"", c.Idea)
		},
	},
	{
		Role:      domain.RoleEngineer,
		Produces:  domain.ArtifactTechSpec,
		DependsOn: []domain.ArtifactType{domain.ArtifactPRD},
		Prompt: func(c Context) string {
			return "Based on the following PRD, create a Technical Specification. PRD: " + c.Deps[domain.ArtifactPRD]
		},
	},
	{
		Role:      domain.RoleFinance,
		Produces:  domain.ArtifactCostAnalysis,
		DependsOn: []domain.ArtifactType{domain.ArtifactTechSpec},
		Prompt: func(c Context) string {
			return "Based on the following Tech Spec, create a Cost Analysis and Pricing model. Tech Spec: " + c.Deps[domain.ArtifactTechSpec]
		},
	},
	{
		Role:     domain.RoleLegal,
		Produces: domain.ArtifactCompliance,
		Prompt: func(c Context) string {
			return fmt.Sprintf("For the idea \"%s\", generate a basic Compliance checklist.", c.Idea)
		},
	},
	{
		Role:     domain.RoleEngineer,
		Produces: domain.ArtifactDemoCode,
		Prompt: func(c Context) string {
			return fmt.Sprintf("Generate a simple demo code snippet (e.g., a Python FastAPI endpoint) for the idea: \"%s\"", c.Idea)
		},
	},
}

// Stages returns the canonical stage order.
func Stages() []Stage {
	return append([]Stage(nil), stages...)
}

// Applicable filters stages down to those whose role is enabled, keeping the fixed order.
func Applicable(all []Stage, enabled map[domain.Role]bool) []Stage {
	var out []Stage
	for _, s := range all {
		if enabled[s.Role] {
			out = append(out, s)
		}
	}
	return out
}

// BuildPrompt resolves dependencies through lookup and renders the stage prompt.
func (s Stage) BuildPrompt(idea string, lookup func(domain.ArtifactType) (string, bool)) string {
	deps := make(map[domain.ArtifactType]string, len(s.DependsOn))
	for _, d := range s.DependsOn {
		content, ok := lookup(d)
		if !ok {
			content = Placeholder(d)
		}
		deps[d] = content
	}
	return s.Prompt(Context{Idea: idea, Deps: deps})
}
