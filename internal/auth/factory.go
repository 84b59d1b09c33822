package auth

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/stacklok/gitkv/internal/config"
)

// Middlewares holds the authentication middleware of each HTTP surface.
type Middlewares struct {
	// Keys authenticates key requests, key users first.
	Keys func(http.Handler) http.Handler
	// Users authenticates user management requests, key admins first.
	Users func(http.Handler) http.Handler
	// Git authenticates git transport requests against the git realm.
	Git func(http.Handler) http.Handler
}

// NewAuthMiddlewares creates the authentication middlewares based on config.
// Requests name their ref with the "ref" query parameter; defaultRef applies
// otherwise.
func NewAuthMiddlewares(a Authenticator, cfg *config.AuthConfig, defaultRef plumbing.ReferenceName) (*Middlewares, error) {
	realms := cfg.GetRealms()
	common := []Option{
		WithAnonymous(cfg.GetAllowAnonymous()),
		WithChallenge(cfg.GetChallenge()),
		WithRefFunc(RefFromQuery(defaultRef)),
	}

	keys, err := NewBasicAuth(a, []string{realms.User, realms.Admin}, common...)
	if err != nil {
		return nil, fmt.Errorf("failed to create key authentication: %w", err)
	}
	users, err := NewBasicAuth(a, []string{realms.Admin, realms.User}, common...)
	if err != nil {
		return nil, fmt.Errorf("failed to create user authentication: %w", err)
	}
	// Git clients only send credentials after a 401, so anonymous requests
	// reach the role check, which issues the challenge.
	gitAuth, err := NewBasicAuth(a, []string{realms.Git},
		WithAnonymous(true),
		WithChallenge(cfg.GetChallenge()),
		WithRefFunc(RefFromQuery(defaultRef)))
	if err != nil {
		return nil, fmt.Errorf("failed to create git authentication: %w", err)
	}

	slog.Info("Authentication configured",
		"anonymous", cfg.GetAllowAnonymous(),
		"git_realm", realms.Git,
		"admin_realm", realms.Admin,
		"user_realm", realms.User)

	return &Middlewares{
		Keys:  keys.Middleware,
		Users: users.Middleware,
		Git:   gitAuth.Middleware,
	}, nil
}
