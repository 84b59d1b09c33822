package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-git/go-git/v5/plumbing"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/gitkv/internal/authz"
	"github.com/stacklok/gitkv/internal/git"
	"github.com/stacklok/gitkv/internal/otel"
	"github.com/stacklok/gitkv/internal/store"
	"github.com/stacklok/gitkv/internal/writer"
)

// ServiceOption configures a KeyService.
type ServiceOption func(*KeyService)

// WithDefaultRef sets the ref checked by CheckReadiness.
func WithDefaultRef(ref plumbing.ReferenceName) ServiceOption {
	return func(s *KeyService) {
		s.defaultRef = ref
	}
}

// WithTracer records a span per operation.
func WithTracer(t trace.Tracer) ServiceOption {
	return func(s *KeyService) {
		s.tracer = t
	}
}

// KeyService implements Service over a repository.
type KeyService struct {
	engine     *store.Engine
	index      *authz.Index
	writer     *writer.Coordinator
	defaultRef plumbing.ReferenceName
	tracer     trace.Tracer
}

var _ Service = (*KeyService)(nil)

// New creates the service.
func New(engine *store.Engine, index *authz.Index, w *writer.Coordinator, opts ...ServiceOption) *KeyService {
	s := &KeyService{
		engine:     engine,
		index:      index,
		writer:     w,
		defaultRef: git.DefaultBranch,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckReadiness implements Service.CheckReadiness
func (s *KeyService) CheckReadiness(ctx context.Context) error {
	if _, err := s.engine.Current(ctx, s.defaultRef); err != nil {
		return fmt.Errorf("repository not ready: %w", err)
	}
	return nil
}

func (s *KeyService) startSpan(ctx context.Context, name, ref string, attrs ...trace.SpanStartOption) (context.Context, trace.Span) {
	opts := append([]trace.SpanStartOption{trace.WithAttributes(otel.AttrRef.String(ref))}, attrs...)
	return otel.StartSpan(ctx, s.tracer, name, opts...)
}

// authorize checks the caller against the secrets ref rule and the roles
// meta requires for action.
func (s *KeyService) authorize(
	ctx context.Context, action string, ref plumbing.ReferenceName, key string, meta store.MetaData,
) error {
	if err := s.authorizeRef(ctx, action, ref); err != nil {
		return err
	}
	return s.authorizeKey(ctx, action, ref, key, meta)
}

// authorizeRef applies the rule a push to ref would face: keys on the secrets
// ref need the git realm secrets role of the caller.
func (s *KeyService) authorizeRef(ctx context.Context, action string, ref plumbing.ReferenceName) error {
	if ref != s.index.SecretsRef() {
		return nil
	}
	id, _ := authz.IdentityFromContext(ctx)
	if id.IsSystem() {
		return nil
	}
	ok, err := s.hasSecretsRole(ctx, id.Name, ref)
	if err != nil {
		return err
	}
	if !ok {
		slog.Warn("Access denied",
			"action", action,
			"ref", ref,
			"user", id.Name,
			"realm", id.Realm,
			"required_roles", []string{authz.RoleSecrets})
		return fmt.Errorf("%w: %s on %s needs the %s role", store.ErrAccessDenied, action, ref, authz.RoleSecrets)
	}
	return nil
}

// hasSecretsRole reports whether the git realm record of name grants the
// secrets role on ref. Anonymous callers have no record.
func (s *KeyService) hasSecretsRole(ctx context.Context, name string, ref plumbing.ReferenceName) (bool, error) {
	if name == "" {
		return false, nil
	}
	roles, err := s.index.GitRolesOf(ctx, name)
	if err != nil {
		return false, err
	}
	gitID := authz.Identity{Name: name, Realm: s.index.Realms().Git, Roles: roles}
	return s.index.Decide(ctx, gitID, authz.RoleSecrets, ref.String(), []string{authz.RoleSecrets}, nil)
}

// authorizeKey checks the caller against the roles meta requires for action.
func (s *KeyService) authorizeKey(
	ctx context.Context, action string, ref plumbing.ReferenceName, key string, meta store.MetaData,
) error {
	id, _ := authz.IdentityFromContext(ctx)
	required := meta.ReadRoles
	if action == authz.ActionWrite {
		required = meta.WriteRoles
	}

	ok, err := s.index.Decide(ctx, id, action, ref.String()+":"+key, required, meta.Users)
	if err != nil {
		return err
	}
	if !ok {
		slog.Warn("Access denied",
			"action", action,
			"ref", ref,
			"key", key,
			"user", id.Name,
			"realm", id.Realm,
			"required_roles", required)
		return fmt.Errorf("%w: %s %s on %s", store.ErrAccessDenied, action, key, ref)
	}
	return nil
}

// commitRequest fills the commit info the caller left empty.
func commitRequest(ctx context.Context, ref plumbing.ReferenceName, info CommitInfo, message string, prepare writer.PrepareFunc) writer.Request {
	if info.Author.Name == "" {
		id, _ := authz.IdentityFromContext(ctx)
		name := id.Name
		if name == "" {
			name = "anonymous"
		}
		info.Author = git.Author{Name: name, Email: name + "@gitkv"}
	}
	if info.Message == "" {
		info.Message = message
	}
	return writer.Request{
		Ref:     ref,
		Author:  info.Author,
		Message: info.Message,
		Prepare: prepare,
	}
}

func checkVersion(key, expected, current string) error {
	if expected != current {
		return &store.ConflictError{Key: key, Expected: expected, Current: current}
	}
	return nil
}
