package authz

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// ForbiddenResponse is the JSON body returned when authorization is denied.
type ForbiddenResponse struct {
	Error   string           `json:"error"`
	Message string           `json:"message"`
	Details *ForbiddenDetail `json:"details,omitempty"`
}

// ForbiddenDetail provides additional context for authorization denials,
// helping callers understand why access was denied and what is required.
type ForbiddenDetail struct {
	RequiredAction string   `json:"required_action"`
	UserRoles      []string `json:"user_roles"`
	Hint           string   `json:"hint"`
}

// RequireRole creates an HTTP middleware that lets a request through only when
// the caller stored in the context holds role. It is used for git transport
// endpoints, whose roles come from the git realm. Anonymous callers are asked
// to authenticate with challenge as the basic auth realm.
func RequireRole(authorizer Authorizer, role, challenge string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, _ := IdentityFromContext(r.Context())

			decision, err := authorizer.Authorize(r.Context(), Request{
				Principal:     identity,
				Action:        role,
				Resource:      r.URL.Path,
				RequiredRoles: []string{role},
			})
			if err != nil {
				slog.Error("Authorization evaluation failed",
					"error", err,
					"action", role,
					"path", r.URL.Path,
					"method", r.Method,
					"user", identity.Name,
				)
				writeJSONError(w, http.StatusInternalServerError, "authorization evaluation failed")
				return
			}

			if !decision.Allowed {
				if identity.IsAnonymous() {
					w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", challenge))
					writeJSONError(w, http.StatusUnauthorized, "authentication required")
					return
				}
				slog.Warn("Authorization denied",
					"action", role,
					"path", r.URL.Path,
					"method", r.Method,
					"user", identity.Name,
					"roles", identity.Roles,
					"reasons", decision.Reasons,
				)
				WriteForbidden(w, role, identity.Roles, []string{role})
				return
			}

			slog.Debug("Authorization permitted",
				"action", role,
				"path", r.URL.Path,
				"method", r.Method,
				"user", identity.Name,
				"reasons", decision.Reasons,
			)

			next.ServeHTTP(w, r)
		})
	}
}

// WriteForbidden writes a 403 Forbidden JSON response with details about
// the required action and a hint naming the roles that would grant access.
func WriteForbidden(w http.ResponseWriter, requiredAction string, userRoles, requiredRoles []string) {
	hint := "No role grants the required action."
	if len(requiredRoles) > 0 {
		hint = "This operation requires one of the following roles: " + strings.Join(requiredRoles, ", ")
	}
	if userRoles == nil {
		userRoles = []string{}
	}

	resp := ForbiddenResponse{
		Error:   "forbidden",
		Message: "You do not have permission to perform this action.",
		Details: &ForbiddenDetail{
			RequiredAction: requiredAction,
			UserRoles:      userRoles,
			Hint:           hint,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to encode forbidden response", "error", err)
	}
}

// writeJSONError writes a generic JSON error response with the given status code.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	resp := struct {
		Error string `json:"error"`
	}{
		Error: message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to encode error response", "error", err)
	}
}
