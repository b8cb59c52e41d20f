package authstate

import (
	pa "github.com/panyam/pocketauth"
)

// Action is one of the fixed set of state transitions below
type Action interface {
	actionName() string
}

type (
	// SetLoading toggles the loading flag. Starting a load clears any error.
	SetLoading struct{ Loading bool }

	// SetAuthenticated records a confirmed identity
	SetAuthenticated struct {
		User    *pa.User
		Profile *pa.Profile
	}

	// SetUnauthenticated drops the identity. Error is empty for a plain sign-out
	// and set when a check found no usable session.
	SetUnauthenticated struct{ Error string }

	// SetError reports a failed operation and ends loading
	SetError struct{ Message string }

	ClearError struct{}

	// UpdateProfile replaces the profile of the current user
	UpdateProfile struct{ Profile *pa.Profile }

	Reset struct{}
)

func (SetLoading) actionName() string         { return "SET_LOADING" }
func (SetAuthenticated) actionName() string   { return "SET_AUTHENTICATED" }
func (SetUnauthenticated) actionName() string { return "SET_UNAUTHENTICATED" }
func (SetError) actionName() string           { return "SET_ERROR" }
func (ClearError) actionName() string         { return "CLEAR_ERROR" }
func (UpdateProfile) actionName() string      { return "UPDATE_PROFILE" }
func (Reset) actionName() string              { return "RESET" }

// Name returns the wire name of an action, e.g. "SET_LOADING"
func Name(a Action) string {
	if a == nil {
		return ""
	}
	return a.actionName()
}

const missingUserMessage = "session found but user could not be resolved"

// Reduce applies a to s and returns the new state. It never mutates s.
// Unknown actions leave the state unchanged.
func Reduce(s State, a Action) State {
	switch a := a.(type) {
	case SetLoading:
		s.IsLoading = a.Loading
		if a.Loading {
			s.Error = ""
		}
		return s

	case SetAuthenticated:
		if a.User == nil {
			return State{Error: missingUserMessage}
		}
		return State{
			User:            a.User,
			Profile:         a.Profile,
			IsAuthenticated: true,
		}

	case SetUnauthenticated:
		return State{Error: a.Error}

	case SetError:
		s.IsLoading = false
		s.Error = a.Message
		return s

	case ClearError:
		s.Error = ""
		return s

	case UpdateProfile:
		// a profile without a user has nothing to attach to
		if s.User == nil {
			return s
		}
		s.Profile = a.Profile
		return s

	case Reset:
		return State{}
	}
	return s
}
