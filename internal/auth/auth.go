// Package auth resolves API bearer tokens to principals holding scopes.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Scope grants access to one API surface. A resource's rw scope implies ro.
type Scope string

const (
	ScopeAll             Scope = "*"
	ScopeObjectsRead     Scope = "objects:ro"
	ScopeObjectsWrite    Scope = "objects:rw"
	ScopeQueuesRead      Scope = "queues:ro"
	ScopeQueuesWrite     Scope = "queues:rw"
	ScopeNotify          Scope = "notify"
	ScopeTriggersRead    Scope = "triggers:ro"
	ScopeInvocationsRead Scope = "invocations:ro"
	ScopeEventsRead      Scope = "events:ro"
)

var knownScopes = map[Scope]bool{
	ScopeAll:             true,
	ScopeObjectsRead:     true,
	ScopeObjectsWrite:    true,
	ScopeQueuesRead:      true,
	ScopeQueuesWrite:     true,
	ScopeNotify:          true,
	ScopeTriggersRead:    true,
	ScopeInvocationsRead: true,
	ScopeEventsRead:      true,
}

var (
	ErrNoCredentials        = errors.New("missing Authorization header")
	ErrMalformedCredentials = errors.New("invalid Authorization header format")
)

// ParseScope validates a configured scope name.
func ParseScope(s string) (Scope, error) {
	sc := Scope(strings.ToLower(strings.TrimSpace(s)))
	if !knownScopes[sc] {
		return "", fmt.Errorf("unknown scope %q", s)
	}
	return sc, nil
}

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is the identity behind an authenticated request.
type Principal struct {
	Name   string
	scopes map[Scope]bool
}

// Allows reports whether p holds any of required. Holding "*" allows all.
func (p Principal) Allows(required ...Scope) bool {
	if len(required) == 0 || p.scopes[ScopeAll] {
		return true
	}
	for _, s := range required {
		if p.scopes[s] {
			return true
		}
	}
	return false
}

type entry struct {
	token     string
	principal Principal
}

// Keyring holds every accepted token.
type Keyring struct {
	entries []entry
}

// NewKeyring builds a keyring from an optional full-access admin key and
// scoped tokens. Unknown scopes are rejected.
func NewKeyring(adminKey string, tokens []TokenConfig) (*Keyring, error) {
	k := &Keyring{}
	if adminKey != "" {
		k.entries = append(k.entries, entry{
			token:     adminKey,
			principal: Principal{Name: "admin", scopes: map[Scope]bool{ScopeAll: true}},
		})
	}
	for i, t := range tokens {
		if t.Token == "" {
			return nil, fmt.Errorf("token %d: empty token", i)
		}
		scopes := make(map[Scope]bool, len(t.Scopes)+2)
		for _, raw := range t.Scopes {
			sc, err := ParseScope(raw)
			if err != nil {
				return nil, fmt.Errorf("token %d: %w", i, err)
			}
			scopes[sc] = true
			if ro, ok := strings.CutSuffix(string(sc), ":rw"); ok {
				scopes[Scope(ro+":ro")] = true
			}
		}
		k.entries = append(k.entries, entry{
			token:     t.Token,
			principal: Principal{Name: fmt.Sprintf("token[%d]", i), scopes: scopes},
		})
	}
	return k, nil
}

// Authenticate compares presented against every token in constant time.
func (k *Keyring) Authenticate(presented string) (Principal, bool) {
	if k == nil || presented == "" {
		return Principal{}, false
	}
	var (
		found Principal
		ok    bool
	)
	for _, e := range k.entries {
		if len(e.token) == len(presented) && subtle.ConstantTimeCompare([]byte(e.token), []byte(presented)) == 1 && !ok {
			found, ok = e.principal, true
		}
	}
	return found, ok
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrNoCredentials
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", ErrMalformedCredentials
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrNoCredentials
	}
	return token, nil
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
