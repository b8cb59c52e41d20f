// Package authstate holds the in-memory auth state and the pure transition
// function that is the only way to change it.
package authstate

import (
	pa "github.com/panyam/pocketauth"
)

// State is what the rest of the application sees of the auth layer.
// IsAuthenticated is authoritative over the presence of User.
type State struct {
	User            *pa.User    `json:"user"`
	Profile         *pa.Profile `json:"profile"`
	IsLoading       bool        `json:"is_loading"`
	IsAuthenticated bool        `json:"is_authenticated"`
	Error           string      `json:"error,omitempty"`
}

// Initial is the state before the first session check has resolved
func Initial() State {
	return State{IsLoading: true}
}

// HasError returns true if an error message is attached
func (s State) HasError() bool {
	return s.Error != ""
}

// Phase names the coarse lifecycle stage of a State
type Phase string

const (
	PhaseInitializing    Phase = "initializing"
	PhaseAuthenticated   Phase = "authenticated"
	PhaseUnauthenticated Phase = "unauthenticated"
)

// Phase derives the lifecycle stage. A loading state that is not yet
// authenticated counts as initializing.
func (s State) Phase() Phase {
	switch {
	case s.IsAuthenticated:
		return PhaseAuthenticated
	case s.IsLoading:
		return PhaseInitializing
	default:
		return PhaseUnauthenticated
	}
}
