package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenResult is the normalized outcome of an authorization_code or
// refresh_token grant against the Codex token endpoint.
type TokenResult struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresIn    int
	Identity     *Identity
}

// Identity is the account identity extracted from the id_token's
// "https://api.openai.com/auth" claim.
type Identity struct {
	ChatGPTAccountID string
	Email            string
	OrgTitle         string
}

type rawTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	IDToken      string `json:"id_token"`

	// Populated only on a non-200 response shaped per RFC 6749 §5.2.
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// TokenError is a structured, non-200 response from the Codex token
// endpoint, carrying the OAuth2 error code so callers can distinguish a
// durable grant rejection (invalid_grant: the refresh token was rotated
// or reused elsewhere) from a transient endpoint failure.
type TokenError struct {
	StatusCode int
	ErrorCode  string // e.g. "invalid_grant", "invalid_client"; empty if the body wasn't OAuth2-error-shaped
	Message    string
}

func (e *TokenError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("codex oauth returned %d: %s: %s", e.StatusCode, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("codex oauth returned %d: %s", e.StatusCode, e.Message)
}

// nonRetryableGrantErrors are OAuth2 error codes that mean the grant
// itself is dead — retrying with the same refresh token will never
// succeed — grounded on the same non-retryable classification the other
// OAuth providers in this pool use for their own token endpoints.
var nonRetryableGrantErrors = map[string]bool{
	"invalid_grant":       true,
	"invalid_client":      true,
	"unauthorized_client": true,
	"access_denied":       true,
}

// IsInvalidGrant reports whether err is a *TokenError whose code means the
// refresh token was rejected outright (rotated or reused), rather than a
// transient endpoint failure worth retrying.
func IsInvalidGrant(err error) bool {
	var te *TokenError
	if !errors.As(err, &te) {
		return false
	}
	return nonRetryableGrantErrors[te.ErrorCode]
}

// codexAuthClaims mirrors the nested claim OpenAI stamps into the id_token.
type codexAuthClaims struct {
	Email string `json:"email"`
	Auth  struct {
		ChatGPTAccountID string `json:"chatgpt_account_id"`
		Organizations    []struct {
			Title string `json:"title"`
		} `json:"organizations"`
	} `json:"https://api.openai.com/auth"`
	jwt.RegisteredClaims
}

// ExchangeCode trades an authorization code for tokens.
func ExchangeCode(ctx context.Context, client *http.Client, code, verifier string) (*TokenResult, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {ClientID},
		"code":          {code},
		"redirect_uri":  {RedirectURI},
		"code_verifier": {verifier},
	}
	return doTokenRequest(ctx, client, form)
}

// Refresh exchanges a refresh token for a new access token. Per spec.md
// §4.E, the rotated refresh token returned here must be persisted by the
// caller before it is used again — reuse of a stale refresh token across
// processes is rejected upstream and must surface as a deactivation, not a
// transient error.
func Refresh(ctx context.Context, client *http.Client, refreshToken string) (*TokenResult, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {ClientID},
		"refresh_token": {refreshToken},
	}
	return doTokenRequest(ctx, client, form)
}

func doTokenRequest(ctx context.Context, client *http.Client, form url.Values) (*TokenResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("codex oauth request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read codex oauth response: %w", err)
	}
	var raw rawTokenResponse
	unmarshalErr := json.Unmarshal(body, &raw)

	if resp.StatusCode != http.StatusOK {
		if unmarshalErr == nil && raw.Error != "" {
			return nil, &TokenError{StatusCode: resp.StatusCode, ErrorCode: raw.Error, Message: raw.ErrorDescription}
		}
		return nil, &TokenError{StatusCode: resp.StatusCode, Message: truncate(body, 200)}
	}
	if unmarshalErr != nil {
		return nil, fmt.Errorf("parse codex oauth response: %w", unmarshalErr)
	}
	if raw.AccessToken == "" {
		return nil, fmt.Errorf("empty access_token in codex oauth response")
	}

	result := &TokenResult{
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
		IDToken:      raw.IDToken,
		ExpiresIn:    raw.ExpiresIn,
	}
	if raw.IDToken != "" {
		result.Identity = ParseIdentity(raw.IDToken)
	}
	return result, nil
}

// ParseIdentity extracts the Codex account identity from an id_token
// without verifying its signature — the id_token arrives directly from
// OpenAI's token endpoint over TLS in the same round trip, so signature
// verification guards against a threat (a forged token from elsewhere)
// that does not apply here; only the claims are needed.
func ParseIdentity(idToken string) *Identity {
	var claims codexAuthClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(idToken, &claims); err != nil {
		return nil
	}

	identity := &Identity{
		ChatGPTAccountID: claims.Auth.ChatGPTAccountID,
		Email:            claims.Email,
	}
	if len(claims.Auth.Organizations) > 0 {
		identity.OrgTitle = claims.Auth.Organizations[0].Title
	}
	return identity
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
