package domain

import (
	"fmt"
	"strings"
)

var roles = []Role{RoleCEO, RolePM, RoleEngineer, RoleResearch, RoleLegal, RoleFinance}

var roster = map[Role]Agent{
	RoleCEO:      {Role: RoleCEO, Name: "Casey E. O.", Avatar: "💼", Color: "text-purple-400", Weight: 2},
	RolePM:       {Role: RolePM, Name: "Pat M.", Avatar: "📋", Color: "text-blue-400", Weight: 1},
	RoleEngineer: {Role: RoleEngineer, Name: "Gene N. Eer", Avatar: "💻", Color: "text-green-400", Weight: 1},
	RoleResearch: {Role: RoleResearch, Name: "Reese Earch", Avatar: "🔬", Color: "text-yellow-400", Weight: 1},
	RoleLegal:    {Role: RoleLegal, Name: "Lee Gall", Avatar: "⚖️", Color: "text-red-400", Weight: 1},
	RoleFinance:  {Role: RoleFinance, Name: "Finn Ance", Avatar: "💰", Color: "text-teal-400", Weight: 1},
}

// Roles lists every participant role in roster order.
func Roles() []Role {
	return append([]Role(nil), roles...)
}

// Roster returns all agents, enabled.
func Roster() []Agent {
	out := make([]Agent, 0, len(roles))
	for _, r := range roles {
		a := roster[r]
		a.Enabled = true
		out = append(out, a)
	}
	return out
}

// AgentFor returns the enabled agent for a role.
func AgentFor(r Role) (Agent, error) {
	a, ok := roster[r]
	if !ok {
		return Agent{}, fmt.Errorf("unknown role %q", r)
	}
	a.Enabled = true
	return a, nil
}

// ParseRole accepts role names case-insensitively.
func ParseRole(s string) (Role, error) {
	for _, r := range roles {
		if strings.EqualFold(string(r), strings.TrimSpace(s)) {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Display holds what a UI needs to render a message source.
type Display struct {
	Source string `json:"source"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
	Color  string `json:"color"`
}

// DisplayFor resolves display attributes for a message source.
func DisplayFor(source string) Display {
	if source == SourceSystem {
		return Display{Source: source, Name: "System", Avatar: "⚙️", Color: "text-gray-500"}
	}
	if a, ok := roster[Role(source)]; ok {
		return Display{Source: source, Name: a.Name, Avatar: a.Avatar, Color: a.Color}
	}
	return Display{Source: source, Name: source, Avatar: "👤", Color: "text-gray-200"}
}
