package gitproto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/capability"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/server"
	"github.com/klauspost/compress/gzip"

	"github.com/stacklok/gitkv/internal/authz"
	"github.com/stacklok/gitkv/internal/git"
)

const (
	serviceUploadPack  = "git-upload-pack"
	serviceReceivePack = "git-receive-pack"

	defaultChallenge = "gitkv"
)

// Receiver applies a decoded push.
type Receiver interface {
	Receive(ctx context.Context, req git.PushRequest) (*git.PushReport, error)
}

// Option configures a Handler
type Option func(*Handler)

// WithSecretsRef sets the ref hidden from callers without the secrets role
func WithSecretsRef(ref plumbing.ReferenceName) Option {
	return func(h *Handler) {
		h.secretsRef = ref
	}
}

// WithChallenge sets the basic auth realm sent to anonymous callers
func WithChallenge(challenge string) Option {
	return func(h *Handler) {
		if challenge != "" {
			h.challenge = challenge
		}
	}
}

// Handler serves fetches and pushes over smart HTTP.
type Handler struct {
	resolver   *Resolver
	receiver   Receiver
	authorizer authz.Authorizer
	secretsRef plumbing.ReferenceName
	challenge  string
}

// NewHandler creates a smart HTTP handler. Callers need the pull role to fetch
// and the push role to push.
func NewHandler(resolver *Resolver, receiver Receiver, authorizer authz.Authorizer, opts ...Option) *Handler {
	h := &Handler{
		resolver:   resolver,
		receiver:   receiver,
		authorizer: authorizer,
		secretsRef: git.SecretsRef,
		challenge:  defaultChallenge,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router returns the smart HTTP routes, authenticated by mw.
func (h *Handler) Router(mw ...func(http.Handler) http.Handler) http.Handler {
	pull := authz.RequireRole(h.authorizer, authz.RolePull, h.challenge)
	push := authz.RequireRole(h.authorizer, authz.RolePush, h.challenge)

	r := chi.NewRouter()
	r.Use(mw...)
	r.Route("/{repo}", func(r chi.Router) {
		r.Get("/info/refs", h.infoRefs)
		r.With(pull).Post("/"+serviceUploadPack, h.uploadPack)
		r.With(push).Post("/"+serviceReceivePack, h.receivePack)
	})
	return r
}

// endpoint resolves the repository named by the request.
func (h *Handler) endpoint(w http.ResponseWriter, r *http.Request) (*transport.Endpoint, bool) {
	name := chi.URLParam(r, "repo")
	if _, err := h.resolver.Resolve(name); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	ep, err := transport.NewEndpoint("/" + name)
	if err != nil {
		http.Error(w, "invalid repository name", http.StatusBadRequest)
		return nil, false
	}
	return ep, true
}

// visibility hides the secrets ref from callers without the secrets role.
func (h *Handler) visibility(ctx context.Context) git.RefFilter {
	id, _ := authz.IdentityFromContext(ctx)
	d, err := h.authorizer.Authorize(ctx, authz.Request{
		Principal:     id,
		Action:        authz.RoleSecrets,
		Resource:      h.secretsRef.String(),
		RequiredRoles: []string{authz.RoleSecrets},
	})
	if err != nil {
		slog.Error("Failed to evaluate secrets visibility", "user", id.Name, "error", err)
	}
	showSecrets := err == nil && d.Allowed
	return func(ref plumbing.ReferenceName) bool {
		return showSecrets || ref != h.secretsRef
	}
}

func (h *Handler) infoRefs(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	var role string
	switch service {
	case serviceUploadPack:
		role = authz.RolePull
	case serviceReceivePack:
		role = authz.RolePush
	default:
		http.Error(w, "only the smart HTTP protocol is supported", http.StatusForbidden)
		return
	}

	advertise := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.advertise(w, r, service)
	})
	authz.RequireRole(h.authorizer, role, h.challenge)(advertise).ServeHTTP(w, r)
}

func (h *Handler) advertise(w http.ResponseWriter, r *http.Request, service string) {
	ep, ok := h.endpoint(w, r)
	if !ok {
		return
	}

	srv := server.NewServer(h.resolver.Loader(h.visibility(r.Context())))
	var (
		sess transport.Session
		err  error
	)
	if service == serviceUploadPack {
		sess, err = srv.NewUploadPackSession(ep, nil)
	} else {
		sess, err = srv.NewReceivePackSession(ep, nil)
	}
	if err != nil {
		slog.Error("Failed to open git session", "service", service, "error", err)
		http.Error(w, "failed to open session", http.StatusInternalServerError)
		return
	}
	defer sess.Close()

	advs, err := sess.AdvertisedReferencesContext(r.Context())
	if errors.Is(err, transport.ErrEmptyRemoteRepository) {
		advs, err = packp.NewAdvRefs(), nil
	}
	if err != nil {
		slog.Error("Failed to advertise references", "service", service, "error", err)
		http.Error(w, "failed to advertise references", http.StatusInternalServerError)
		return
	}
	advs.Prefix = [][]byte{[]byte("# service=" + service), pktline.Flush}

	w.Header().Set("Content-Type", "application/x-"+service+"-advertisement")
	w.Header().Set("Cache-Control", "no-cache")
	if err := advs.Encode(w); err != nil {
		slog.Warn("Failed to write advertisement", "service", service, "error", err)
	}
}

func (h *Handler) uploadPack(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.endpoint(w, r)
	if !ok {
		return
	}
	body, err := requestBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer body.Close()

	req := packp.NewUploadPackRequest()
	if err := req.Decode(body); err != nil {
		http.Error(w, fmt.Sprintf("invalid upload-pack request: %v", err), http.StatusBadRequest)
		return
	}

	srv := server.NewServer(h.resolver.Loader(h.visibility(r.Context())))
	sess, err := srv.NewUploadPackSession(ep, nil)
	if err != nil {
		slog.Error("Failed to open upload-pack session", "error", err)
		http.Error(w, "failed to open session", http.StatusInternalServerError)
		return
	}
	defer sess.Close()

	advs, err := sess.AdvertisedReferencesContext(r.Context())
	if err != nil && !errors.Is(err, transport.ErrEmptyRemoteRepository) {
		slog.Error("Failed to list references", "error", err)
		http.Error(w, "failed to list references", http.StatusInternalServerError)
		return
	}
	if err := checkWants(advs, req.Wants); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	resp, err := sess.UploadPack(r.Context(), req)
	if err != nil {
		slog.Warn("Upload-pack failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer resp.Close()

	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	w.Header().Set("Cache-Control", "no-cache")
	if err := resp.Encode(w); err != nil {
		slog.Warn("Failed to write pack", "error", err)
	}
}

// checkWants only lets clients fetch the tips of refs they can see.
func checkWants(advs *packp.AdvRefs, wants []plumbing.Hash) error {
	tips := map[plumbing.Hash]bool{}
	if advs != nil {
		for _, h := range advs.References {
			tips[h] = true
		}
		if advs.Head != nil {
			tips[*advs.Head] = true
		}
	}
	for _, want := range wants {
		if !tips[want] {
			return fmt.Errorf("not our ref %s", want)
		}
	}
	return nil
}

func (h *Handler) receivePack(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.endpoint(w, r); !ok {
		return
	}
	body, err := requestBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer body.Close()

	req := packp.NewReferenceUpdateRequest()
	if err := req.Decode(body); err != nil {
		http.Error(w, fmt.Sprintf("invalid receive-pack request: %v", err), http.StatusBadRequest)
		return
	}

	push := git.PushRequest{Updates: make([]git.RefUpdate, len(req.Commands))}
	deletesOnly := true
	for i, c := range req.Commands {
		push.Updates[i] = git.RefUpdate{Name: c.Name, Old: c.Old, New: c.New}
		if !c.New.IsZero() {
			deletesOnly = false
		}
	}
	if !deletesOnly && req.Packfile != nil {
		push.Pack = req.Packfile
	}

	report, err := h.receiver.Receive(r.Context(), push)
	if err != nil && report == nil {
		slog.Error("Failed to receive push", "error", err)
		http.Error(w, "failed to receive push", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-git-receive-pack-result")
	w.Header().Set("Cache-Control", "no-cache")
	if req.Capabilities == nil || !req.Capabilities.Supports(capability.ReportStatus) {
		w.WriteHeader(http.StatusOK)
		return
	}

	status := packp.NewReportStatus()
	status.UnpackStatus = "ok"
	if err != nil {
		status.UnpackStatus = err.Error()
	}
	for _, res := range report.Results {
		cs := &packp.CommandStatus{ReferenceName: res.Update.Name, Status: "ok"}
		if !res.Accepted {
			cs.Status = res.Reason
		}
		status.CommandStatuses = append(status.CommandStatuses, cs)
	}
	if err := status.Encode(w); err != nil {
		slog.Warn("Failed to write report status", "error", err)
	}
}

// requestBody returns the request body, decompressing it when the client
// sent it gzip encoded.
func requestBody(r *http.Request) (io.ReadCloser, error) {
	if r.Header.Get("Content-Encoding") != "gzip" {
		return r.Body, nil
	}
	zr, err := gzip.NewReader(r.Body)
	if err != nil {
		return nil, fmt.Errorf("invalid gzip body: %w", err)
	}
	return zr, nil
}
