package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/gitkv/internal/authz"
	"github.com/stacklok/gitkv/internal/git"
	"github.com/stacklok/gitkv/internal/otel"
	"github.com/stacklok/gitkv/internal/store"
)

// GetKey implements Service.GetKey
func (s *KeyService) GetKey(ctx context.Context, ref, key string) (_ *store.StoreInfo, err error) {
	ctx, span := s.startSpan(ctx, "service.GetKey", ref, trace.WithAttributes(otel.AttrKey.String(key)))
	defer func() {
		otel.RecordError(span, err)
		span.End()
	}()

	if err := store.ValidateKey(key); err != nil {
		return nil, err
	}
	r := git.NormalizeRef(ref)
	info, err := s.engine.Get(ctx, r, key)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, authz.ActionRead, r, key, info.Meta); err != nil {
		return nil, err
	}
	span.SetAttributes(otel.AttrVersion.String(info.Version))
	return info, nil
}

// GetMetaKey implements Service.GetMetaKey. A key whose content was deleted
// still reports its own sidecar; a container reports the metadata its
// children inherit.
func (s *KeyService) GetMetaKey(ctx context.Context, ref, key string) (_ store.MetaData, _ string, err error) {
	ctx, span := s.startSpan(ctx, "service.GetMetaKey", ref, trace.WithAttributes(otel.AttrKey.String(key)))
	defer func() {
		otel.RecordError(span, err)
		span.End()
	}()

	r := git.NormalizeRef(ref)
	snap, err := s.engine.Snapshot(ctx, r)
	if err != nil {
		return store.MetaData{}, "", err
	}
	meta, version, err := metaOf(snap, key)
	if err != nil {
		return store.MetaData{}, "", err
	}
	if err := s.authorize(ctx, authz.ActionRead, r, key, meta); err != nil {
		return store.MetaData{}, "", err
	}
	return meta, version, nil
}

// metaOf returns the metadata and metadata version that apply to key, which
// must exist as a key, a phantom key or a container.
func metaOf(snap *store.Snapshot, key string) (store.MetaData, string, error) {
	if store.IsContainer(key) {
		if err := store.ValidateContainer(key); err != nil {
			return store.MetaData{}, "", err
		}
		if !snap.HasContainer(key) {
			return store.MetaData{}, "", fmt.Errorf("%w: %s on %s", store.ErrNotFound, key, snap.Ref)
		}
		meta, version := snap.Effective(key)
		return meta, version, nil
	}

	if err := store.ValidateKey(key); err != nil {
		return store.MetaData{}, "", err
	}
	if info, ok := snap.Get(key); ok {
		return info.Meta, info.MetaVersion, nil
	}
	if meta, version, ok := snap.Sidecar(key); ok {
		return meta, version, nil
	}
	return store.MetaData{}, "", fmt.Errorf("%w: %s on %s", store.ErrNotFound, key, snap.Ref)
}

// AddKey implements Service.AddKey. Metadata left behind by a deleted key
// applies to the new key unless new metadata is supplied.
func (s *KeyService) AddKey(ctx context.Context, ref, key string, opts ...Option[AddKeyOptions]) (_ string, err error) {
	ctx, span := s.startSpan(ctx, "service.AddKey", ref, trace.WithAttributes(otel.AttrKey.String(key)))
	defer func() {
		otel.RecordError(span, err)
		span.End()
	}()

	o, err := applyOptions(opts)
	if err != nil {
		return "", err
	}
	if err := store.ValidateKey(key); err != nil {
		return "", err
	}
	r := git.NormalizeRef(ref)

	var metaData []byte
	if o.MetaData != nil {
		if metaData, err = encodeMetaData(store.MetadataPath(key), r.String(), *o.MetaData); err != nil {
			return "", err
		}
	}
	content := o.Content
	if content == nil {
		content = []byte{}
	}

	req := commitRequest(ctx, r, o.CommitInfo, "Add "+key, func(ctx context.Context, snap *store.Snapshot) ([]git.Mutation, error) {
		if _, ok := snap.Get(key); ok {
			return nil, fmt.Errorf("%w: %s on %s", store.ErrKeyAlreadyExist, key, r)
		}
		if snap.HasContainer(key + "/") {
			return nil, fmt.Errorf("%w: %s is a container on %s", store.ErrKeyAlreadyExist, key, r)
		}
		meta, _ := snap.Effective(key)
		if err := s.authorize(ctx, authz.ActionWrite, r, key, meta); err != nil {
			return nil, err
		}
		mutations := []git.Mutation{git.Put(key, content)}
		if metaData != nil {
			mutations = append(mutations, git.Put(store.MetadataPath(key), metaData))
		}
		return mutations, nil
	})

	res, err := s.writer.Write(ctx, req)
	if err != nil {
		return "", err
	}
	return s.keyVersion(res.Snapshot, key)
}

// Put implements Service.Put
func (s *KeyService) Put(ctx context.Context, ref, key string, opts ...Option[PutOptions]) (_ string, err error) {
	ctx, span := s.startSpan(ctx, "service.Put", ref, trace.WithAttributes(otel.AttrKey.String(key)))
	defer func() {
		otel.RecordError(span, err)
		span.End()
	}()

	o, err := applyOptions(opts)
	if err != nil {
		return "", err
	}
	if err := store.ValidateKey(key); err != nil {
		return "", err
	}
	if o.ExpectedVersion == "" {
		return "", fmt.Errorf("%w: an expected version is required to update %s", store.ErrBadRequest, key)
	}
	content := o.Content
	if content == nil {
		content = []byte{}
	}
	r := git.NormalizeRef(ref)

	req := commitRequest(ctx, r, o.CommitInfo, "Update "+key, func(ctx context.Context, snap *store.Snapshot) ([]git.Mutation, error) {
		info, ok := snap.Get(key)
		if !ok {
			return nil, fmt.Errorf("%w: %s on %s", store.ErrNotFound, key, r)
		}
		if err := s.authorize(ctx, authz.ActionWrite, r, key, info.Meta); err != nil {
			return nil, err
		}
		if err := checkVersion(key, o.ExpectedVersion, info.Version); err != nil {
			return nil, err
		}
		return []git.Mutation{git.Put(key, content)}, nil
	})

	res, err := s.writer.Write(ctx, req)
	if err != nil {
		return "", err
	}
	return s.keyVersion(res.Snapshot, key)
}

// PutMetaData implements Service.PutMetaData. The expected version is the
// metadata version GetMetaKey reports, which is empty while only defaults
// apply. Writing metadata always creates the target's own sidecar.
func (s *KeyService) PutMetaData(ctx context.Context, ref, key string, opts ...Option[PutMetaDataOptions]) (_ string, err error) {
	ctx, span := s.startSpan(ctx, "service.PutMetaData", ref, trace.WithAttributes(otel.AttrKey.String(key)))
	defer func() {
		otel.RecordError(span, err)
		span.End()
	}()

	o, err := applyOptions(opts)
	if err != nil {
		return "", err
	}
	if o.MetaData == nil {
		return "", fmt.Errorf("%w: metadata is required", store.ErrBadRequest)
	}
	r := git.NormalizeRef(ref)
	path := store.MetadataPath(key)
	data, err := encodeMetaData(path, r.String(), *o.MetaData)
	if err != nil {
		return "", err
	}

	req := commitRequest(ctx, r, o.CommitInfo, "Update metadata of "+key, func(ctx context.Context, snap *store.Snapshot) ([]git.Mutation, error) {
		meta, version, err := metaOf(snap, key)
		if err != nil {
			return nil, err
		}
		if err := s.authorize(ctx, authz.ActionWrite, r, key, meta); err != nil {
			return nil, err
		}
		if err := checkVersion(path, o.ExpectedVersion, version); err != nil {
			return nil, err
		}
		return []git.Mutation{git.Put(path, data)}, nil
	})

	res, err := s.writer.Write(ctx, req)
	if err != nil {
		return "", err
	}
	_, version, ok := res.Snapshot.Sidecar(key)
	if !ok {
		return "", fmt.Errorf("%w: metadata of %s missing after commit %s", store.ErrCorruptedSource, key, res.Commit)
	}
	return version, nil
}

// Delete implements Service.Delete. The key's sidecar survives unless
// PurgeMetaData is set, leaving a phantom key behind.
func (s *KeyService) Delete(ctx context.Context, ref, key string, opts ...Option[DeleteOptions]) (err error) {
	ctx, span := s.startSpan(ctx, "service.Delete", ref, trace.WithAttributes(otel.AttrKey.String(key)))
	defer func() {
		otel.RecordError(span, err)
		span.End()
	}()

	o, err := applyOptions(opts)
	if err != nil {
		return err
	}
	if err := store.ValidateKey(key); err != nil {
		return err
	}
	r := git.NormalizeRef(ref)

	req := commitRequest(ctx, r, o.CommitInfo, "Delete "+key, func(ctx context.Context, snap *store.Snapshot) ([]git.Mutation, error) {
		info, ok := snap.Get(key)
		if !ok {
			return nil, fmt.Errorf("%w: %s on %s", store.ErrNotFound, key, r)
		}
		if err := s.authorize(ctx, authz.ActionWrite, r, key, info.Meta); err != nil {
			return nil, err
		}
		if info.Meta.Protected {
			return nil, fmt.Errorf("%w: %s is protected", store.ErrBadRequest, key)
		}
		if o.ExpectedVersion != "" {
			if err := checkVersion(key, o.ExpectedVersion, info.Version); err != nil {
				return nil, err
			}
		}
		mutations := []git.Mutation{git.Remove(key)}
		if _, _, own := snap.Sidecar(key); own && o.PurgeMetaData {
			mutations = append(mutations, git.Remove(store.MetadataPath(key)))
		}
		return mutations, nil
	})

	_, err = s.writer.Write(ctx, req)
	return err
}

// GetList implements Service.GetList. Keys and containers the caller may not
// read are left out.
func (s *KeyService) GetList(ctx context.Context, ref string, opts store.ListOptions) (_ []store.Entry, err error) {
	ctx, span := s.startSpan(ctx, "service.GetList", ref,
		trace.WithAttributes(otel.AttrKey.String(opts.Prefix), otel.AttrRecursive.Bool(opts.Recursive)))
	defer func() {
		otel.RecordError(span, err)
		span.End()
	}()

	if opts.Prefix != "" {
		prefix := opts.Prefix
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		if err := store.ValidateContainer(prefix); err != nil {
			return nil, err
		}
	}
	r := git.NormalizeRef(ref)
	if err := s.authorizeRef(ctx, authz.ActionRead, r); err != nil {
		return nil, err
	}
	entries, err := s.engine.List(ctx, r, opts)
	if err != nil {
		return nil, err
	}

	out := make([]store.Entry, 0, len(entries))
	for _, e := range entries {
		err := s.authorizeKey(ctx, authz.ActionRead, r, e.Key, e.Info.Meta)
		if errors.Is(err, store.ErrAccessDenied) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	span.SetAttributes(otel.AttrResultCount.Int(len(out)))
	if dropped := len(entries) - len(out); dropped > 0 {
		slog.Debug("Listing filtered unreadable entries", "ref", r, "prefix", opts.Prefix, "dropped", dropped)
	}
	return out, nil
}

func (*KeyService) keyVersion(snap *store.Snapshot, key string) (string, error) {
	info, ok := snap.Get(key)
	if !ok {
		return "", fmt.Errorf("%w: %s missing after commit %s", store.ErrCorruptedSource, key, snap.Commit)
	}
	return info.Version, nil
}

// encodeMetaData serializes meta and checks it against the metadata schema.
func encodeMetaData(path, ref string, meta store.MetaData) ([]byte, error) {
	data, err := meta.Marshal()
	if err != nil {
		return nil, err
	}
	if _, err := store.ParseMetaData(path, ref, data); err != nil {
		return nil, err
	}
	return data, nil
}
