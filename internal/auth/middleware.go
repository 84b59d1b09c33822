// Package auth provides HTTP basic authentication against the user records
// stored in the repository.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/stacklok/gitkv/internal/authz"
	"github.com/stacklok/gitkv/internal/git"
)

//go:generate mockgen -destination=mocks/mock_authenticator.go -package=mocks -source=middleware.go Authenticator

// Authenticator verifies a user's password against the records of one realm
// as of a ref. The second result is false when the credentials do not match.
type Authenticator interface {
	Authenticate(ctx context.Context, name, password string, ref plumbing.ReferenceName, realm string) (authz.Identity, bool, error)
}

var _ Authenticator = (*authz.Index)(nil)

// errBadCredentials indicates no realm accepted the credentials
var errBadCredentials = errors.New("invalid credentials")

// RefFunc returns the ref whose user records authenticate a request
type RefFunc func(r *http.Request) plumbing.ReferenceName

// RefFromQuery reads the ref from the "ref" query parameter, falling back to def.
func RefFromQuery(def plumbing.ReferenceName) RefFunc {
	return func(r *http.Request) plumbing.ReferenceName {
		if ref := r.URL.Query().Get("ref"); ref != "" {
			return git.NormalizeRef(ref)
		}
		return def
	}
}

// Option configures a BasicAuth middleware
type Option func(*BasicAuth)

// WithAnonymous lets requests without credentials through as the anonymous caller
func WithAnonymous(allowed bool) Option {
	return func(b *BasicAuth) {
		b.allowAnonymous = allowed
	}
}

// WithChallenge sets the realm named in WWW-Authenticate headers
func WithChallenge(challenge string) Option {
	return func(b *BasicAuth) {
		if challenge != "" {
			b.challenge = challenge
		}
	}
}

// WithRefFunc sets how the ref holding the user records is chosen
func WithRefFunc(fn RefFunc) Option {
	return func(b *BasicAuth) {
		b.refOf = fn
	}
}

// BasicAuth authenticates requests with HTTP basic credentials. Realms are
// tried in order and the first one holding a matching record wins.
type BasicAuth struct {
	authenticator  Authenticator
	realms         []string
	challenge      string
	allowAnonymous bool
	refOf          RefFunc
}

// authResult contains the outcome of checking credentials
type authResult struct {
	Identity authz.Identity
	Realm    string
	Error    error
}

// NewBasicAuth creates a basic auth middleware trying realms in order.
func NewBasicAuth(a Authenticator, realms []string, opts ...Option) (*BasicAuth, error) {
	if a == nil {
		return nil, errors.New("authenticator is required")
	}
	if len(realms) == 0 {
		return nil, errors.New("at least one realm must be configured")
	}

	b := &BasicAuth{
		authenticator: a,
		realms:        realms,
		challenge:     "gitkv",
		refOf:         RefFromQuery(git.DefaultBranch),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Middleware returns an HTTP middleware function that performs authentication.
func (b *BasicAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name, password, ok := r.BasicAuth()
		if !ok {
			if r.Header.Get("Authorization") != "" {
				slog.Warn("Malformed authorization header",
					"remote_addr", r.RemoteAddr,
					"path", r.URL.Path)
				b.writeError(w, http.StatusUnauthorized, "missing or malformed authorization header")
				return
			}
			if !b.allowAnonymous {
				b.writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			next.ServeHTTP(w, r.WithContext(authz.WithIdentity(r.Context(), authz.Anonymous)))
			return
		}

		ref := b.refOf(r)
		result := b.authenticate(r.Context(), name, password, ref)
		switch {
		case result.Error == nil:
		case errors.Is(result.Error, errBadCredentials):
			slog.Warn("Authentication failed",
				"user", name,
				"ref", ref,
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path)
			b.writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		default:
			slog.Error("Authentication lookup failed",
				"error", result.Error,
				"user", name,
				"ref", ref,
				"path", r.URL.Path)
			writeJSONError(w, http.StatusInternalServerError, "authentication failed")
			return
		}

		slog.Debug("Authentication successful",
			"user", result.Identity.Name,
			"realm", result.Realm,
			"ref", ref,
			"remote_addr", r.RemoteAddr,
			"path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(authz.WithIdentity(r.Context(), result.Identity)))
	})
}

// authenticate tries the realms in order.
func (b *BasicAuth) authenticate(ctx context.Context, name, password string, ref plumbing.ReferenceName) authResult {
	for _, realm := range b.realms {
		id, ok, err := b.authenticator.Authenticate(ctx, name, password, ref, realm)
		if err != nil {
			return authResult{Realm: realm, Error: fmt.Errorf("realm %s: %w", realm, err)}
		}
		if ok {
			return authResult{Identity: id, Realm: realm}
		}
		slog.Debug("Realm rejected credentials", "user", name, "realm", realm, "ref", ref)
	}
	return authResult{Error: errBadCredentials}
}

// sanitizeHeaderValue removes characters that could enable header injection attacks.
// This includes newlines, carriage returns, and unescaped quotes.
func sanitizeHeaderValue(s string) string {
	// Fast path: no sanitization needed
	if !strings.ContainsAny(s, "\r\n\"") {
		return s
	}
	// Remove CR and LF to prevent header injection
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	// Escape quotes for use in quoted-string (RFC 7230)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// writeError writes a JSON error response asking for basic credentials.
func (b *BasicAuth) writeError(w http.ResponseWriter, status int, description string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm="%s", charset="UTF-8"`, sanitizeHeaderValue(b.challenge)))
	writeJSONError(w, status, description)
}

func writeJSONError(w http.ResponseWriter, status int, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := struct {
		Error string `json:"error"`
	}{
		Error: description,
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to encode error response", "error", err)
	}
}
