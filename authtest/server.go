// Package authtest provides an in-process fake of the hosted auth backend
// (the GoTrue auth endpoints and the PostgREST profile table) for tests.
//
// Every route can be slowed down, failed with a status code or have its
// connection dropped, so retry, timeout and hang handling can be exercised.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	pa "github.com/panyam/pocketauth"
)

// Route names accepted by SetFault and Calls
const (
	RouteToken        = "token"
	RouteSignUp       = "signup"
	RouteLogout       = "logout"
	RouteRecover      = "recover"
	RouteGetUser      = "get_user"
	RouteUpdateUser   = "update_user"
	RouteGetProfile   = "get_profile"
	RoutePatchProfile = "patch_profile"
)

const (
	DefaultAnonKey        = "test-anon-key"
	DefaultJWTSecret      = "test-jwt-secret-at-least-32-bytes!!"
	DefaultAccessTokenTTL = time.Hour
)

// Fault alters how a route answers
type Fault struct {
	// Delay is applied before the request is handled
	Delay time.Duration
	// Status, when set, is returned instead of handling the request
	Status int
	// Drop closes the connection without a response
	Drop bool
	// Times limits how many requests the fault applies to. Zero means all.
	Times int
}

type userRecord struct {
	ID           uuid.UUID
	Email        string
	PasswordHash []byte
	Metadata     map[string]any
	CreatedAt    time.Time
}

type sessionRecord struct {
	ID     string
	UserID uuid.UUID
}

// Server is a fake auth backend listening on a local port
type Server struct {
	*httptest.Server

	AnonKey string
	secret  []byte

	mu                  sync.Mutex
	accessTokenTTL      time.Duration
	requireConfirmation bool
	users         map[string]*userRecord // by lowercase email
	usersByID     map[uuid.UUID]*userRecord
	sessions      map[string]*sessionRecord // by session id
	refreshTokens map[string]string         // refresh token -> session id
	profiles      map[uuid.UUID]*pa.Profile
	faults        map[string]*Fault
	calls         map[string]int
	recoveries    []string
}

// NewServer starts a fake backend. Callers must Close it.
func NewServer() *Server {
	s := &Server{
		AnonKey:        DefaultAnonKey,
		secret:         []byte(DefaultJWTSecret),
		accessTokenTTL: DefaultAccessTokenTTL,
		users:          make(map[string]*userRecord),
		usersByID:      make(map[uuid.UUID]*userRecord),
		sessions:       make(map[string]*sessionRecord),
		refreshTokens:  make(map[string]string),
		profiles:       make(map[uuid.UUID]*pa.Profile),
		faults:         make(map[string]*Fault),
		calls:          make(map[string]int),
	}
	s.Server = httptest.NewServer(s.Handler())
	return s
}

// Handler returns the router, for mounting without a listener
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.countCalls, s.injectFaults, s.requireAPIKey)

	auth := r.PathPrefix("/auth/v1").Subrouter()
	auth.HandleFunc("/token", s.handleToken).Methods(http.MethodPost).Name(RouteToken)
	auth.HandleFunc("/signup", s.handleSignUp).Methods(http.MethodPost).Name(RouteSignUp)
	auth.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost).Name(RouteLogout)
	auth.HandleFunc("/recover", s.handleRecover).Methods(http.MethodPost).Name(RouteRecover)
	auth.HandleFunc("/user", s.handleGetUser).Methods(http.MethodGet).Name(RouteGetUser)
	auth.HandleFunc("/user", s.handleUpdateUser).Methods(http.MethodPut).Name(RouteUpdateUser)

	rest := r.PathPrefix("/rest/v1").Subrouter()
	rest.HandleFunc("/profiles", s.handleGetProfile).Methods(http.MethodGet).Name(RouteGetProfile)
	rest.HandleFunc("/profiles", s.handlePatchProfile).Methods(http.MethodPatch).Name(RoutePatchProfile)
	return r
}

// =============================================================================
// Test controls
// =============================================================================

// AddUser registers a confirmed user with an empty profile row
func (s *Server) AddUser(email, password, displayName string) uuid.UUID {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUserLocked(email, hash, map[string]any{"display_name": displayName})
}

func (s *Server) addUserLocked(email string, hash []byte, metadata map[string]any) uuid.UUID {
	u := &userRecord{
		ID:           uuid.New(),
		Email:        strings.ToLower(email),
		PasswordHash: hash,
		Metadata:     metadata,
		CreatedAt:    time.Now().UTC(),
	}
	s.users[u.Email] = u
	s.usersByID[u.ID] = u
	name, _ := metadata["display_name"].(string)
	s.profiles[u.ID] = &pa.Profile{ID: u.ID, FullName: name, UpdatedAt: u.CreatedAt}
	return u.ID
}

// DeleteUser removes a user with all sessions and the profile row
func (s *Server) DeleteUser(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.usersByID[id]; ok {
		delete(s.users, u.Email)
		delete(s.usersByID, id)
	}
	delete(s.profiles, id)
	s.revokeLocked(id)
}

// RevokeSessions ends every session of a user
func (s *Server) RevokeSessions(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokeLocked(id)
}

func (s *Server) revokeLocked(id uuid.UUID) {
	for sid, sess := range s.sessions {
		if sess.UserID == id {
			delete(s.sessions, sid)
		}
	}
	for rt, sid := range s.refreshTokens {
		if _, ok := s.sessions[sid]; !ok {
			delete(s.refreshTokens, rt)
		}
	}
}

// DeleteProfile drops the profile row of a user, leaving the account intact
func (s *Server) DeleteProfile(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, id)
}

// Profile returns a copy of the stored profile row
func (s *Server) Profile(id uuid.UUID) (pa.Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return pa.Profile{}, false
	}
	return *p, true
}

// SetAccessTokenTTL sets the lifetime of access tokens issued from now on
func (s *Server) SetAccessTokenTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessTokenTTL = ttl
}

// SetRequireConfirmation makes SignUp return a user without a session
func (s *Server) SetRequireConfirmation(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireConfirmation = v
}

// SetFault installs a fault on a route, replacing any previous one
func (s *Server) SetFault(route string, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[route] = &f
}

// ClearFaults removes all faults
func (s *Server) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = make(map[string]*Fault)
}

// Calls returns how many requests reached a route
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// Recoveries returns the emails password recovery was requested for
func (s *Server) Recoveries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.recoveries...)
}

// ActiveSessions returns the number of live sessions
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// IssueAccessToken mints an access token for a fresh session of the user,
// for tests that need to seed persisted state directly.
func (s *Server) IssueAccessToken(id uuid.UUID, ttl time.Duration) (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.usersByID[id]
	sess := s.newSessionLocked(id)
	access, _ = s.signAccessToken(u, sess.ID, time.Now().Add(ttl))
	refresh = uuid.NewString()
	s.refreshTokens[refresh] = sess.ID
	return access, refresh
}

// =============================================================================
// Middleware
// =============================================================================

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		return route.GetName()
	}
	return ""
}

func (s *Server) countCalls(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[routeName(r)]++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) injectFaults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := routeName(r)
		s.mu.Lock()
		var fault Fault
		active := false
		if f, ok := s.faults[name]; ok {
			fault = *f
			active = true
			if f.Times > 0 {
				f.Times--
				if f.Times == 0 {
					delete(s.faults, name)
				}
			}
		}
		s.mu.Unlock()

		if !active {
			next.ServeHTTP(w, r)
			return
		}

		if fault.Delay > 0 {
			select {
			case <-time.After(fault.Delay):
			case <-r.Context().Done():
				return
			}
		}
		if fault.Drop {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
					return
				}
			}
			panic(http.ErrAbortHandler)
		}
		if fault.Status != 0 {
			writeError(w, fault.Status, "injected_fault", http.StatusText(fault.Status))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != s.AnonKey {
			writeError(w, http.StatusUnauthorized, "no_api_key", "No API key found in request")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Wire types
// =============================================================================

type wireUser struct {
	ID           uuid.UUID      `json:"id"`
	Aud          string         `json:"aud"`
	Role         string         `json:"role"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
	CreatedAt    time.Time      `json:"created_at"`
}

func (u *userRecord) wire() wireUser {
	md := u.Metadata
	if md == nil {
		md = map[string]any{}
	}
	return wireUser{
		ID:           u.ID,
		Aud:          "authenticated",
		Role:         "authenticated",
		Email:        u.Email,
		UserMetadata: md,
		CreatedAt:    u.CreatedAt,
	}
}

type wireSession struct {
	AccessToken  string   `json:"access_token"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int64    `json:"expires_in"`
	ExpiresAt    int64    `json:"expires_at"`
	RefreshToken string   `json:"refresh_token"`
	User         wireUser `json:"user"`
}

// writeError answers in the newer GoTrue error shape
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"code":       status,
		"error_code": code,
		"msg":        msg,
	})
}

// writeOAuthError answers in the OAuth shape the token endpoint uses
func writeOAuthError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]any{
		"error":             code,
		"error_description": desc,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// =============================================================================
// Tokens
// =============================================================================

func (s *Server) newSessionLocked(userID uuid.UUID) *sessionRecord {
	sess := &sessionRecord{ID: uuid.NewString(), UserID: userID}
	s.sessions[sess.ID] = sess
	return sess
}

func (s *Server) signAccessToken(u *userRecord, sessionID string, exp time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub":        u.ID.String(),
		"email":      u.Email,
		"session_id": sessionID,
		"role":       "authenticated",
		"aud":        "authenticated",
		"iat":        time.Now().Unix(),
		"exp":        exp.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// issueLocked creates the token pair for a session
func (s *Server) issueLocked(u *userRecord, sess *sessionRecord) (*wireSession, error) {
	exp := time.Now().Add(s.accessTokenTTL)
	access, err := s.signAccessToken(u, sess.ID, exp)
	if err != nil {
		return nil, err
	}
	refresh := uuid.NewString()
	s.refreshTokens[refresh] = sess.ID
	return &wireSession{
		AccessToken:  access,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.accessTokenTTL.Seconds()),
		ExpiresAt:    exp.Unix(),
		RefreshToken: refresh,
		User:         u.wire(),
	}, nil
}

// authenticate resolves the bearer token to a live session's user
func (s *Server) authenticate(r *http.Request) (*userRecord, *sessionRecord, bool) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == s.AnonKey {
		return nil, nil, false
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, nil, false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, nil, false
	}
	sid, _ := claims["session_id"].(string)

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sid]
	if !ok {
		return nil, nil, false
	}
	u, ok := s.usersByID[sess.UserID]
	if !ok {
		return nil, nil, false
	}
	return u, sess, true
}

// =============================================================================
// Auth handlers
// =============================================================================

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email        string `json:"email"`
		Password     string `json:"password"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	switch r.URL.Query().Get("grant_type") {
	case "password":
		s.mu.Lock()
		u, ok := s.users[strings.ToLower(strings.TrimSpace(req.Email))]
		s.mu.Unlock()
		if !ok || bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(req.Password)) != nil {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "Invalid login credentials")
			return
		}
		s.mu.Lock()
		resp, err := s.issueLocked(u, s.newSessionLocked(u.ID))
		s.mu.Unlock()
		if err != nil {
			writeOAuthError(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, resp)

	case "refresh_token":
		s.mu.Lock()
		defer s.mu.Unlock()
		sid, ok := s.refreshTokens[req.RefreshToken]
		if !ok {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "Invalid Refresh Token: Refresh Token Not Found")
			return
		}
		// rotation: each refresh token is single use
		delete(s.refreshTokens, req.RefreshToken)
		sess, ok := s.sessions[sid]
		if !ok {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "Invalid Refresh Token: Session Expired")
			return
		}
		u, ok := s.usersByID[sess.UserID]
		if !ok {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "User not found")
			return
		}
		resp, err := s.issueLocked(u, sess)
		if err != nil {
			writeOAuthError(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, resp)

	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "Grant type not supported")
	}
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string         `json:"email"`
		Password string         `json:"password"`
		Data     map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "Invalid request body")
		return
	}
	if len(req.Password) < pa.MinPasswordLength {
		writeError(w, http.StatusUnprocessableEntity, "weak_password", "Password should be at least 6 characters.")
		return
	}
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "validation_failed", "Unable to validate email address: invalid format")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "unexpected_failure", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, exists := s.users[email]; exists {
		writeError(w, http.StatusUnprocessableEntity, "user_already_exists", "User already registered")
		return
	}
	id := s.addUserLocked(email, hash, req.Data)
	u := s.usersByID[id]

	if s.requireConfirmation {
		writeJSON(w, http.StatusOK, u.wire())
		return
	}
	resp, err := s.issueLocked(u, s.newSessionLocked(id))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "unexpected_failure", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	_, sess, ok := s.authenticate(r)
	if !ok {
		writeError(w, http.StatusForbidden, "session_not_found", "Session from session_id claim in JWT does not exist")
		return
	}
	s.mu.Lock()
	delete(s.sessions, sess.ID)
	for rt, sid := range s.refreshTokens {
		if sid == sess.ID {
			delete(s.refreshTokens, rt)
		}
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "Password recovery requires an email")
		return
	}
	s.mu.Lock()
	s.recoveries = append(s.recoveries, strings.ToLower(req.Email))
	s.mu.Unlock()
	// unknown emails get the same answer
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, _, ok := s.authenticate(r)
	if !ok {
		writeError(w, http.StatusForbidden, "bad_jwt", "invalid JWT: unable to parse or verify signature, token is expired")
		return
	}
	writeJSON(w, http.StatusOK, u.wire())
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	u, _, ok := s.authenticate(r)
	if !ok {
		writeError(w, http.StatusForbidden, "bad_jwt", "invalid JWT: unable to parse or verify signature, token is expired")
		return
	}
	var req struct {
		Email    string         `json:"email"`
		Password string         `json:"password"`
		Data     map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "Invalid request body")
		return
	}
	if req.Password != "" && len(req.Password) < pa.MinPasswordLength {
		writeError(w, http.StatusUnprocessableEntity, "weak_password", "Password should be at least 6 characters.")
		return
	}

	var hash []byte
	if req.Password != "" {
		var err error
		if hash, err = bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost); err != nil {
			writeError(w, http.StatusInternalServerError, "unexpected_failure", err.Error())
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if req.Email != "" && !strings.EqualFold(req.Email, u.Email) {
		email := strings.ToLower(req.Email)
		if _, taken := s.users[email]; taken {
			writeError(w, http.StatusUnprocessableEntity, "email_exists", "A user with this email address has already been registered")
			return
		}
		delete(s.users, u.Email)
		u.Email = email
		s.users[email] = u
	}
	if hash != nil {
		u.PasswordHash = hash
	}
	if len(req.Data) > 0 {
		if u.Metadata == nil {
			u.Metadata = map[string]any{}
		}
		for k, v := range req.Data {
			u.Metadata[k] = v
		}
	}
	writeJSON(w, http.StatusOK, u.wire())
}

// =============================================================================
// Profile handlers (PostgREST)
// =============================================================================

// profileFilter parses "id=eq.<uuid>"
func profileFilter(r *http.Request) (uuid.UUID, bool) {
	v := r.URL.Query().Get("id")
	if !strings.HasPrefix(v, "eq.") {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(strings.TrimPrefix(v, "eq."))
	return id, err == nil
}

type profileRow struct {
	ID            uuid.UUID           `json:"id"`
	FullName      string              `json:"full_name"`
	AvatarURL     string              `json:"avatar_url"`
	Currency      string              `json:"currency"`
	MonthlyBudget decimal.NullDecimal `json:"monthly_budget"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

func toRow(p *pa.Profile) profileRow {
	return profileRow{
		ID:            p.ID,
		FullName:      p.FullName,
		AvatarURL:     p.AvatarURL,
		Currency:      p.Currency,
		MonthlyBudget: p.MonthlyBudget,
		UpdatedAt:     p.UpdatedAt,
	}
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	u, _, ok := s.authenticate(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"code": "PGRST301", "message": "JWT expired"})
		return
	}
	id, ok := profileFilter(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": "PGRST100", "message": "failed to parse filter"})
		return
	}

	rows := []profileRow{}
	s.mu.Lock()
	// row level security: users only see their own row
	if p, found := s.profiles[id]; found && id == u.ID {
		rows = append(rows, toRow(p))
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handlePatchProfile(w http.ResponseWriter, r *http.Request) {
	u, _, ok := s.authenticate(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"code": "PGRST301", "message": "JWT expired"})
		return
	}
	id, ok := profileFilter(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": "PGRST100", "message": "failed to parse filter"})
		return
	}
	var update pa.ProfileUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": "PGRST102", "message": "Empty or invalid json"})
		return
	}

	rows := []profileRow{}
	s.mu.Lock()
	if p, found := s.profiles[id]; found && id == u.ID {
		if update.FullName != nil {
			p.FullName = *update.FullName
		}
		if update.AvatarURL != nil {
			p.AvatarURL = *update.AvatarURL
		}
		if update.Currency != nil {
			p.Currency = *update.Currency
		}
		if update.MonthlyBudget != nil {
			p.MonthlyBudget = decimal.NewNullDecimal(*update.MonthlyBudget)
		}
		p.UpdatedAt = time.Now().UTC()
		rows = append(rows, toRow(p))
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, rows)
}

// WaitForCalls blocks until route has been hit at least n times or ctx ends
func (s *Server) WaitForCalls(ctx context.Context, route string, n int) bool {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.Calls(route) >= n {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
