package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	pa "github.com/panyam/pocketauth"
	"github.com/panyam/pocketauth/authstate"
)

// StateResponse is the JSON shape of the auth state
type StateResponse struct {
	authstate.State
	Phase authstate.Phase `json:"phase"`
}

// ErrorResponse is the JSON body of every failed request
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Kind             string `json:"kind"`
}

type resetPasswordRequest struct {
	Email      string `json:"email"`
	RedirectTo string `json:"redirect_to,omitempty"`
}

type signUpRequest struct {
	pa.SignUpRequest
	RedirectTo string `json:"redirect_to,omitempty"`
}

type signUpResponse struct {
	User                 *pa.User      `json:"user"`
	ConfirmationRequired bool          `json:"confirmation_required"`
	State                StateResponse `json:"state"`
}

func stateResponse(s authstate.State) StateResponse {
	return StateResponse{State: s, Phase: s.Phase()}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, stateResponse(s.auth.State()))
}

// handleCallback completes an email link redirect. Browsers never send the
// fragment, so links pointed at the bridge carry the tokens in the query.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if _, err := s.auth.CompleteRedirect(r.Context(), r.URL); err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, stateResponse(s.settled(r.Context())))
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var creds pa.Credentials
	if !s.decode(w, r, &creds) {
		return
	}
	if err := s.auth.SignIn(r.Context(), creds); err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, stateResponse(s.settled(r.Context())))
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.SignUpRequest.RedirectTo = req.RedirectTo
	res, err := s.auth.SignUp(r.Context(), req.SignUpRequest)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, signUpResponse{
		User:                 res.User,
		ConfirmationRequired: res.Session == nil,
		State:                stateResponse(s.settled(r.Context())),
	})
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	s.auth.SignOut(r.Context())
	s.jsonResponse(w, http.StatusOK, stateResponse(s.auth.State()))
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.auth.ResetPassword(r.Context(), req.Email, req.RedirectTo); err != nil {
		s.errorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var update pa.ProfileUpdate
	if !s.decode(w, r, &update) {
		return
	}
	p, err := s.auth.UpdateProfile(r.Context(), update)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, p)
}

func (s *Server) handleClearError(w http.ResponseWriter, r *http.Request) {
	s.auth.ClearError()
	s.jsonResponse(w, http.StatusOK, stateResponse(s.auth.State()))
}

func (s *Server) handleClearTokens(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.ClearTokens(r.Context()); err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, stateResponse(s.auth.State()))
}

// settled waits until the state stops loading, the settle timeout passes or
// the request is cancelled, and returns the state at that point
func (s *Server) settled(ctx context.Context) authstate.State {
	changed := make(chan struct{}, 1)
	unsubscribe := s.auth.Subscribe(func(authstate.State) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	timer := time.NewTimer(s.settleTimeout)
	defer timer.Stop()
	for {
		st := s.auth.State()
		if !st.IsLoading {
			return st
		}
		select {
		case <-changed:
		case <-timer.C:
			return s.auth.State()
		case <-ctx.Done():
			return s.auth.State()
		}
	}
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusMethodNotAllowed, ErrorResponse{
		Error:            "method_not_allowed",
		ErrorDescription: r.Method + " is not supported on " + r.URL.Path,
		Kind:             pa.KindValidation.String(),
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, ErrorResponse{
			Error:            "invalid_request",
			ErrorDescription: "Invalid request body",
			Kind:             pa.KindValidation.String(),
		})
		return false
	}
	return true
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorResponse maps err onto a status code by its kind
func (s *Server) errorResponse(w http.ResponseWriter, err error) {
	kind := pa.KindOf(err)
	status := http.StatusInternalServerError
	code := "server_error"
	switch kind {
	case pa.KindValidation:
		status, code = http.StatusBadRequest, "invalid_request"
	case pa.KindCredential:
		status, code = http.StatusUnauthorized, "invalid_credentials"
	case pa.KindNetwork, pa.KindTimeout:
		status, code = http.StatusServiceUnavailable, "backend_unavailable"
	case pa.KindProfile:
		status, code = http.StatusBadGateway, "profile_unavailable"
	}
	var e *pa.Error
	if errors.As(err, &e) && e.Code != "" && kind == pa.KindCredential {
		code = e.Code
	}

	s.writeError(w, status, ErrorResponse{
		Error:            code,
		ErrorDescription: pa.Message(err),
		Kind:             kind.String(),
	})
}

func (s *Server) writeError(w http.ResponseWriter, status int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
