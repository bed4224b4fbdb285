package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Scopes understood by the gateway.
const (
	ScopeBatchesRead  = "batches:read"
	ScopeBatchesWrite = "batches:write"
	ScopeLedgerRead   = "ledger:read"
	ScopeLedgerWrite  = "ledger:write"
)

var ErrClientNotFound = errors.New("client not found")

// Client is a payout agent. Its ID is the agent id budgets are keyed by and
// Accounts are the ledger owners it may name as a batch sender.
type Client struct {
	ID         string
	SecretHash string
	Scopes     []string
	Accounts   []string
	Disabled   bool
}

// grant narrows the client's scopes to requested. An empty request grants
// everything the client holds.
func (c *Client) grant(requested []string) ([]string, error) {
	held := make(map[string]struct{}, len(c.Scopes))
	for _, s := range c.Scopes {
		if s = strings.TrimSpace(s); s != "" {
			held[s] = struct{}{}
		}
	}
	if len(requested) == 0 {
		out := make([]string, 0, len(held))
		for s := range held {
			out = append(out, s)
		}
		sort.Strings(out)
		return out, nil
	}
	var out []string
	for _, s := range requested {
		if _, ok := held[s]; ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, errInvalidScope
	}
	return out, nil
}

// accountClaim normalizes Accounts for the token: lowercased, deduplicated, sorted.
func (c *Client) accountClaim() []string {
	seen := make(map[string]struct{}, len(c.Accounts))
	out := make([]string, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		a = strings.ToLower(strings.TrimSpace(a))
		if _, dup := seen[a]; a == "" || dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

type ClientStore interface {
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

type OAuthServer struct {
	Store          ClientStore
	Keys           *KeySet
	Issuer         string
	AccessTokenTTL time.Duration
}

// AccessTokenClaims carries the agent identity into every request.
type AccessTokenClaims struct {
	jwt.RegisteredClaims
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes"`
	Accounts []string `json:"accounts,omitempty"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// tokenError is an RFC 6749 error response.
type tokenError struct {
	status int
	code   string
}

func (e *tokenError) Error() string { return e.code }

var (
	errInvalidRequest = &tokenError{http.StatusBadRequest, "invalid_request"}
	errUnsupported    = &tokenError{http.StatusBadRequest, "unsupported_grant_type"}
	errInvalidClient  = &tokenError{http.StatusUnauthorized, "invalid_client"}
	errInvalidScope   = &tokenError{http.StatusForbidden, "invalid_scope"}
	errServer         = &tokenError{http.StatusInternalServerError, "server_error"}
)

func HashClientSecret(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func VerifyClientSecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// TokenHandler serves the client_credentials grant.
func (s *OAuthServer) TokenHandler(w http.ResponseWriter, r *http.Request) {
	resp, err := s.token(r)
	if err != nil {
		var te *tokenError
		if !errors.As(err, &te) {
			te = errServer
		}
		writeOAuthError(w, te.status, te.code)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *OAuthServer) token(r *http.Request) (*TokenResponse, error) {
	if r.Method != http.MethodPost {
		return nil, &tokenError{http.StatusMethodNotAllowed, "invalid_request"}
	}
	if err := r.ParseForm(); err != nil {
		return nil, errInvalidRequest
	}
	if r.FormValue("grant_type") != "client_credentials" {
		return nil, errUnsupported
	}

	client, err := s.authenticate(r)
	if err != nil {
		return nil, err
	}
	granted, err := client.grant(strings.Fields(r.FormValue("scope")))
	if err != nil {
		return nil, err
	}
	return s.issue(client, granted)
}

// authenticate accepts HTTP Basic or form credentials.
func (s *OAuthServer) authenticate(r *http.Request) (*Client, error) {
	id, secret, ok := r.BasicAuth()
	if !ok {
		id, secret = r.FormValue("client_id"), r.FormValue("client_secret")
	}
	if id == "" || secret == "" {
		return nil, errInvalidClient
	}
	client, err := s.Store.GetClient(r.Context(), id)
	if err != nil || client == nil || client.Disabled {
		return nil, errInvalidClient
	}
	if !VerifyClientSecret(client.SecretHash, secret) {
		return nil, errInvalidClient
	}
	return client, nil
}

func (s *OAuthServer) issue(client *Client, scopes []string) (*TokenResponse, error) {
	ttl := s.AccessTokenTTL
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	now := time.Now()
	claims := AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Issuer,
			Subject:   client.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		ClientID: client.ID,
		Scopes:   scopes,
		Accounts: client.accountClaim(),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.Keys.KeyID()
	signed, err := tok.SignedString(s.Keys.PrivateKey())
	if err != nil {
		return nil, errServer
	}
	return &TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl.Seconds()),
		Scope:       strings.Join(scopes, " "),
	}, nil
}

func (s *OAuthServer) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	jwks, err := s.Keys.JWKS()
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jwks)
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
