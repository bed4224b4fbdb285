package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type authInfoKey struct{}

// AuthInfo is the authenticated caller. ClientID doubles as the agent id
// budgets are keyed by.
type AuthInfo struct {
	ClientID string
	Scopes   map[string]struct{}
	Accounts map[string]struct{}
}

// MayDebit reports whether the caller may name account as a batch sender.
func (ai *AuthInfo) MayDebit(account string) bool {
	if ai == nil {
		return false
	}
	_, ok := ai.Accounts[strings.ToLower(strings.TrimSpace(account))]
	return ok
}

func AuthInfoFromContext(ctx context.Context) (*AuthInfo, bool) {
	v := ctx.Value(authInfoKey{})
	ai, ok := v.(*AuthInfo)
	return ai, ok
}

// WithAuthInfo attaches ai to ctx.
func WithAuthInfo(ctx context.Context, ai *AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoKey{}, ai)
}

type JWTValidator struct {
	KeySet *KeySet
	Issuer string
}

func (v *JWTValidator) Validate(tokenString string) (*AccessTokenClaims, error) {
	if v.KeySet == nil || v.KeySet.PublicKey() == nil {
		return nil, errors.New("missing keyset")
	}

	claims := &AccessTokenClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if kid, _ := t.Header["kid"].(string); kid != "" && kid != v.KeySet.KeyID() {
			return nil, errors.New("unknown key id")
		}
		return v.KeySet.PublicKey(), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}
	if v.Issuer != "" && claims.Issuer != v.Issuer {
		return nil, errors.New("invalid issuer")
	}
	if claims.ClientID == "" {
		return nil, errors.New("token has no client id")
	}
	return claims, nil
}

func Authenticate(v *JWTValidator, onError func(http.ResponseWriter, *http.Request, int, string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			authz := r.Header.Get("Authorization")
			if len(authz) < len("Bearer ") || !strings.EqualFold(authz[:len("Bearer ")], "bearer ") {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			tok := strings.TrimSpace(authz[len("Bearer "):])
			claims, err := v.Validate(tok)
			if err != nil {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			scopes := map[string]struct{}{}
			for _, s := range claims.Scopes {
				scopes[s] = struct{}{}
			}

			accounts := make(map[string]struct{}, len(claims.Accounts))
			for _, a := range claims.Accounts {
				accounts[strings.ToLower(a)] = struct{}{}
			}

			ai := &AuthInfo{ClientID: claims.ClientID, Scopes: scopes, Accounts: accounts}
			next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), ai)))
		})
	}
}

func RequireScopes(onError func(http.ResponseWriter, *http.Request, int, string), required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ai, ok := AuthInfoFromContext(r.Context())
			if !ok {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			for _, s := range required {
				if _, ok := ai.Scopes[s]; !ok {
					onError(w, r, http.StatusForbidden, "forbidden")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
