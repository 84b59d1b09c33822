package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/gitkv/internal/authz"
	"github.com/stacklok/gitkv/internal/store"
)

func TestStatusOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"not found", fmt.Errorf("%w: a on master", store.ErrNotFound), http.StatusNotFound},
		{"ref not found", store.ErrRefNotFound, http.StatusNotFound},
		{"exists", store.ErrKeyAlreadyExist, http.StatusConflict},
		{"conflict", &store.ConflictError{Key: "a", Expected: "1", Current: "2"}, http.StatusPreconditionFailed},
		{"lock", store.ErrFailedToLock, http.StatusLocked},
		{"validation", &store.ValidationError{Path: "a.metadata", Err: errors.New("missing property")}, http.StatusBadRequest},
		{"bad request", store.ErrBadRequest, http.StatusBadRequest},
		{"denied", store.ErrAccessDenied, http.StatusForbidden},
		{"other", errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, StatusOf(tt.err))
		})
	}
}

func TestWriteServiceError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		identity      authz.Identity
		err           error
		wantStatus    int
		wantError     string
		wantCurrent   string
		wantChallenge bool
	}{
		{
			name:        "conflict reports the current version",
			identity:    authz.Identity{Name: "alice", Realm: "user"},
			err:         &store.ConflictError{Key: "a", Expected: "1", Current: "2"},
			wantStatus:  http.StatusPreconditionFailed,
			wantCurrent: "2",
		},
		{
			name:          "anonymous denial asks for credentials",
			identity:      authz.Anonymous,
			err:           store.ErrAccessDenied,
			wantStatus:    http.StatusUnauthorized,
			wantError:     "authentication required",
			wantChallenge: true,
		},
		{
			name:       "authenticated denial is forbidden",
			identity:   authz.Identity{Name: "alice", Realm: "user"},
			err:        store.ErrAccessDenied,
			wantStatus: http.StatusForbidden,
			wantError:  store.ErrAccessDenied.Error(),
		},
		{
			name:       "internal errors are not leaked",
			identity:   authz.Anonymous,
			err:        errors.New("open /srv/repo/objects: permission denied"),
			wantStatus: http.StatusInternalServerError,
			wantError:  "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/api/v1/keys/a", nil)
			req = req.WithContext(authz.WithIdentity(req.Context(), tt.identity))
			rr := httptest.NewRecorder()

			WriteServiceError(rr, req, tt.err, "gitkv")

			assert.Equal(t, tt.wantStatus, rr.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, resp.Error)
			}
			assert.Equal(t, tt.wantCurrent, resp.CurrentVersion)
			if tt.wantChallenge {
				assert.Contains(t, rr.Header().Get("WWW-Authenticate"), `Basic realm="gitkv"`)
			}
		})
	}
}
