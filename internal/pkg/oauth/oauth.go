// Package oauth implements the Codex/ChatGPT OAuth PKCE flow used by the
// Token Manager to mint and refresh account access tokens.
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Codex/ChatGPT OAuth endpoint and client configuration. These are fixed,
// vendor-issued values, not configurable per deployment.
const (
	ClientID     = "app_EMoamEEZ73f0CkXaXp7hrann"
	AuthorizeURL = "https://auth.openai.com/oauth/authorize"
	RedirectURI  = "http://localhost:1455/auth/callback"
	Scope        = "openid profile email offline_access"

	// SessionTTL bounds how long an in-flight authorize/PKCE exchange may
	// remain pending before the session is discarded.
	SessionTTL = 30 * time.Minute
)

// TokenURL is a var, not a const, so tests can point it at an httptest
// server instead of the real OpenAI endpoint.
var TokenURL = "https://auth.openai.com/oauth/token"

// Session stores the PKCE verifier and state for one in-flight
// authorization round trip.
type Session struct {
	State        string    `json:"state"`
	CodeVerifier string    `json:"code_verifier"`
	CreatedAt    time.Time `json:"created_at"`
}

// SessionStore keeps pending authorize sessions in memory until the
// callback arrives or they expire.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	stopCh   chan struct{}
}

// NewSessionStore starts a SessionStore with a background expiry sweep.
func NewSessionStore() *SessionStore {
	s := &SessionStore{
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// Stop halts the background expiry sweep.
func (s *SessionStore) Stop() {
	close(s.stopCh)
}

// Set stores session under sessionID.
func (s *SessionStore) Set(sessionID string, session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = session
}

// Get returns the session for sessionID if it exists and has not expired.
func (s *SessionStore) Get(sessionID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok || time.Since(session.CreatedAt) > SessionTTL {
		return nil, false
	}
	return session, true
}

// Delete removes sessionID, typically after a successful exchange.
func (s *SessionStore) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

func (s *SessionStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			for id, session := range s.sessions {
				if time.Since(session.CreatedAt) > SessionTTL {
					delete(s.sessions, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

// generateRandomBytes returns n cryptographically secure random bytes.
func generateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// GenerateState returns a random hex state token for CSRF protection.
func GenerateState() (string, error) {
	b, err := generateRandomBytes(32)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func base64URLEncode(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

// GeneratePKCE returns a code_verifier and its S256 code_challenge.
func GeneratePKCE() (verifier, challenge string, err error) {
	raw, err := generateRandomBytes(32)
	if err != nil {
		return "", "", err
	}
	verifier = base64URLEncode(raw)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64URLEncode(hash[:])
	return verifier, challenge, nil
}

// GenerateAuthURL builds the Codex authorize URL and the Session that must
// be persisted until the callback arrives.
func GenerateAuthURL() (authURL string, session Session, err error) {
	verifier, challenge, err := GeneratePKCE()
	if err != nil {
		return "", Session{}, fmt.Errorf("generate pkce: %w", err)
	}
	state, err := GenerateState()
	if err != nil {
		return "", Session{}, fmt.Errorf("generate state: %w", err)
	}

	params := url.Values{
		"response_type":              {"code"},
		"client_id":                  {ClientID},
		"redirect_uri":                {RedirectURI},
		"scope":                      {Scope},
		"state":                      {state},
		"code_challenge":             {challenge},
		"code_challenge_method":      {"S256"},
		"id_token_add_organizations": {"true"},
		"codex_cli_simplified_flow":  {"true"},
	}

	return AuthorizeURL + "?" + params.Encode(), Session{
		CodeVerifier: verifier,
		State:        state,
		CreatedAt:    time.Now(),
	}, nil
}
