package model

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/ccorch/internal/errors"
)

// ValidateSessions checks the structural invariants of a session set: ids are
// present and unique, every dependency names a sibling, nothing depends on
// itself, and the dependency graph is acyclic. It returns a
// *errors.ValidationError describing the first violation.
func ValidateSessions(sessions []GroupSession) error {
	ids := make(map[string]bool, len(sessions))
	for i, s := range sessions {
		if s.ID == "" {
			return errors.NewValidationError("session id is required").
				WithField(fmt.Sprintf("sessions[%d].id", i))
		}
		if ids[s.ID] {
			return errors.NewValidationError("duplicate session id").
				WithField("sessions.id").WithValue(s.ID)
		}
		ids[s.ID] = true
		if strings.TrimSpace(s.Prompt) == "" && s.Template == "" {
			return errors.NewValidationError("session needs a prompt or template").
				WithField(fmt.Sprintf("sessions[%s].prompt", s.ID))
		}
	}

	for _, s := range sessions {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return errors.NewValidationError("session depends on itself").
					WithField(fmt.Sprintf("sessions[%s].dependsOn", s.ID)).WithValue(dep)
			}
			if !ids[dep] {
				return errors.NewValidationError("unknown dependency").
					WithField(fmt.Sprintf("sessions[%s].dependsOn", s.ID)).WithValue(dep)
			}
		}
	}

	if cycle := DetectCycle(sessions); cycle != nil {
		return errors.NewValidationError("dependency cycle: " + strings.Join(cycle, " -> ")).
			WithField("sessions.dependsOn").WithCause(errors.ErrDependencyCycle)
	}
	return nil
}

// DetectCycle returns the ids along a dependency cycle, starting and ending
// at the same session, or nil when the graph is acyclic. Dependencies that
// name no sibling are ignored.
func DetectCycle(sessions []GroupSession) []string {
	deps := make(map[string][]string, len(sessions))
	for _, s := range sessions {
		deps[s.ID] = s.DependsOn
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	parent := make(map[string]string)

	var dfs func(id string) []string
	dfs = func(id string) []string {
		visited[id] = true
		recStack[id] = true

		for _, dep := range deps[id] {
			if _, ok := deps[dep]; !ok {
				continue
			}
			if !visited[dep] {
				parent[dep] = id
				if cycle := dfs(dep); cycle != nil {
					return cycle
				}
			} else if recStack[dep] {
				cycle := []string{dep}
				current := id
				for current != dep {
					cycle = append([]string{current}, cycle...)
					current = parent[current]
				}
				return append([]string{dep}, cycle...)
			}
		}

		recStack[id] = false
		return nil
	}

	for _, s := range sessions {
		if !visited[s.ID] {
			if cycle := dfs(s.ID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
