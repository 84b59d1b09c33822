// Package v1 provides the REST endpoints for keys, metadata, listings and
// user records.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/stacklok/gitkv/internal/api/common"
	"github.com/stacklok/gitkv/internal/git"
	"github.com/stacklok/gitkv/internal/service"
)

// Headers understood or produced by the API
const (
	// HeaderMetadata carries the JSON metadata of a key created with POST
	HeaderMetadata = "X-Gitkv-Metadata"
	// HeaderMetaVersion reports the version of the metadata applying to a key
	HeaderMetaVersion = "X-Gitkv-Meta-Version"
	// HeaderAuthor sets the commit author, as "Name <email>"
	HeaderAuthor = "X-Gitkv-Author"
	// HeaderMessage sets the commit message
	HeaderMessage = "X-Gitkv-Message"
)

const defaultMaxBodySize = 32 << 20

// RouterOption configures the v1 router
type RouterOption func(*Routes)

// WithDefaultRef sets the ref used when a request names none
func WithDefaultRef(ref plumbing.ReferenceName) RouterOption {
	return func(r *Routes) {
		r.defaultRef = ref
	}
}

// WithChallenge sets the basic auth realm sent when anonymous callers are denied
func WithChallenge(challenge string) RouterOption {
	return func(r *Routes) {
		if challenge != "" {
			r.challenge = challenge
		}
	}
}

// WithMaxBodySize bounds the size of request bodies
func WithMaxBodySize(n int64) RouterOption {
	return func(r *Routes) {
		if n > 0 {
			r.maxBodySize = n
		}
	}
}

// WithKeyAuth sets the middlewares authenticating key, metadata and list requests
func WithKeyAuth(mw ...func(http.Handler) http.Handler) RouterOption {
	return func(r *Routes) {
		r.keyAuth = append(r.keyAuth, mw...)
	}
}

// WithUserAuth sets the middlewares authenticating user record requests
func WithUserAuth(mw ...func(http.Handler) http.Handler) RouterOption {
	return func(r *Routes) {
		r.userAuth = append(r.userAuth, mw...)
	}
}

// Routes handles HTTP requests for the v1 endpoints.
type Routes struct {
	service     service.Service
	defaultRef  plumbing.ReferenceName
	challenge   string
	maxBodySize int64
	keyAuth     []func(http.Handler) http.Handler
	userAuth    []func(http.Handler) http.Handler
}

// NewRoutes creates a new Routes instance with the given service.
func NewRoutes(svc service.Service, opts ...RouterOption) *Routes {
	routes := &Routes{
		service:     svc,
		defaultRef:  git.DefaultBranch,
		challenge:   "gitkv",
		maxBodySize: defaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(routes)
	}
	return routes
}

// Router creates and configures the HTTP router for the v1 endpoints.
func Router(svc service.Service, opts ...RouterOption) http.Handler {
	routes := NewRoutes(svc, opts...)

	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(routes.keyAuth...)

		r.Get("/keys/*", routes.getKey)
		r.Head("/keys/*", routes.getKey)
		r.Post("/keys/*", routes.addKey)
		r.Put("/keys/*", routes.putKey)
		r.Delete("/keys/*", routes.deleteKey)

		r.Get("/meta/*", routes.getMeta)
		r.Put("/meta/*", routes.putMeta)

		r.Get("/list", routes.list)
		r.Get("/list/*", routes.list)
	})

	r.Group(func(r chi.Router) {
		r.Use(routes.userAuth...)

		r.Route("/users/{realm}/{name}", func(r chi.Router) {
			r.Get("/", routes.getUser)
			r.Post("/", routes.addUser)
			r.Put("/", routes.updateUser)
			r.Delete("/", routes.deleteUser)
		})
	})

	return r
}

// ref returns the ref named by the request.
func (routes *Routes) ref(r *http.Request) string {
	if ref := r.URL.Query().Get("ref"); ref != "" {
		return git.NormalizeRef(ref).String()
	}
	return routes.defaultRef.String()
}

// readBody reads the request body up to the configured limit.
func (routes *Routes) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, routes.maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			common.WriteErrorResponse(w, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
			return nil, false
		}
		common.WriteErrorResponse(w, "failed to read request body", http.StatusBadRequest)
		return nil, false
	}
	return data, true
}

func (routes *Routes) writeError(w http.ResponseWriter, r *http.Request, err error) {
	common.WriteServiceError(w, r, err, routes.challenge)
}

// commitOptions reads the commit author and message headers.
func commitOptions[T service.WriteOptions](r *http.Request) ([]service.Option[T], error) {
	var opts []service.Option[T]
	if v := r.Header.Get(HeaderAuthor); v != "" {
		addr, err := mail.ParseAddress(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s header: %w", HeaderAuthor, err)
		}
		name := addr.Name
		if name == "" {
			name = addr.Address
		}
		opts = append(opts, service.WithAuthor[T](git.Author{Name: name, Email: addr.Address}))
	}
	if v := r.Header.Get(HeaderMessage); v != "" {
		opts = append(opts, service.WithMessage[T](v))
	}
	return opts, nil
}

// etag quotes a version for the ETag header.
func etag(version string) string {
	return strconv.Quote(version)
}

// ifMatch returns the version named by a precondition header, if any.
func ifMatch(r *http.Request, header string) (string, bool) {
	v := strings.TrimSpace(r.Header.Get(header))
	if v == "" {
		return "", false
	}
	v = strings.TrimPrefix(v, "W/")
	return strings.Trim(v, `"`), true
}

// parseBoolQuery reads an optional boolean query parameter.
func parseBoolQuery(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s parameter: must be a boolean", name)
	}
	return b, nil
}

// decodeJSON unmarshals a request body into v.
func decodeJSON(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("request body is required")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
