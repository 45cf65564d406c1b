// Package domain defines the scope hierarchy, context record entities,
// document payload model, and persistence contracts used by contextcore.
package domain

import "fmt"

// ScopeLevel identifies one level of the context hierarchy.
type ScopeLevel string

// Scope levels ordered from broadest to most specific.
const (
	// LevelGlobal is the per-tenant organization-wide scope. Exactly one
	// record exists per tenant; it is created lazily on first use.
	LevelGlobal ScopeLevel = "global"
	// LevelProject scopes context to a single project.
	LevelProject ScopeLevel = "project"
	// LevelBranch scopes context to a branch or workstream within a project.
	LevelBranch ScopeLevel = "branch"
	// LevelTask scopes context to an individual task.
	LevelTask ScopeLevel = "task"
)

// levelDepth maps each level to its distance from the root. GLOBAL is 0.
var levelDepth = map[ScopeLevel]int{
	LevelGlobal:  0,
	LevelProject: 1,
	LevelBranch:  2,
	LevelTask:    3,
}

// Levels returns all scope levels ordered from GLOBAL down to TASK.
func Levels() []ScopeLevel {
	return []ScopeLevel{LevelGlobal, LevelProject, LevelBranch, LevelTask}
}

// Valid reports whether the level is one of the four known scope levels.
func (l ScopeLevel) Valid() bool {
	_, ok := levelDepth[l]
	return ok
}

// Depth returns the level's distance from GLOBAL (0 for GLOBAL, 3 for TASK).
func (l ScopeLevel) Depth() int {
	return levelDepth[l]
}

// Parent returns the level one step broader, or false for GLOBAL.
func (l ScopeLevel) Parent() (ScopeLevel, bool) {
	switch l {
	case LevelProject:
		return LevelGlobal, true
	case LevelBranch:
		return LevelProject, true
	case LevelTask:
		return LevelBranch, true
	default:
		return "", false
	}
}

// IsAncestorOf reports whether l is a strict ancestor level of other.
func (l ScopeLevel) IsAncestorOf(other ScopeLevel) bool {
	return l.Valid() && other.Valid() && levelDepth[l] < levelDepth[other]
}

// ParseLevel converts a string into a ScopeLevel, rejecting unknown values.
func ParseLevel(s string) (ScopeLevel, error) {
	l := ScopeLevel(s)
	if !l.Valid() {
		return "", fmt.Errorf("unknown scope level %q", s)
	}
	return l, nil
}
