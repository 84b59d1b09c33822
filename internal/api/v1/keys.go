package v1

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/stacklok/gitkv/internal/api/common"
	"github.com/stacklok/gitkv/internal/service"
	"github.com/stacklok/gitkv/internal/store"
)

// reservedHeaders may not be set from key metadata.
var reservedHeaders = map[string]bool{
	"Content-Length":    true,
	"Content-Type":      true,
	"Transfer-Encoding": true,
	"Connection":        true,
	"Etag":              true,
	"Www-Authenticate":  true,
	"Set-Cookie":        true,
}

// keyParam extracts a key, rejecting container names.
func keyParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := common.GetKeyParam(r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	if key == "" || strings.HasSuffix(key, "/") {
		common.WriteErrorResponse(w, "a key is required; containers are listed under /list", http.StatusBadRequest)
		return "", false
	}
	return key, true
}

// writeKeyHeaders sets the headers describing a key.
func writeKeyHeaders(w http.ResponseWriter, info *store.StoreInfo) {
	h := w.Header()
	for _, mh := range info.Meta.Headers {
		name := http.CanonicalHeaderKey(mh.Name)
		if reservedHeaders[name] {
			continue
		}
		h.Set(name, mh.Value)
	}
	h.Set("Content-Type", info.Meta.GetContentType())
	h.Set("ETag", etag(info.Version))
	if info.MetaVersion != "" {
		h.Set(HeaderMetaVersion, info.MetaVersion)
	}
}

// getKey handles GET and HEAD /api/v1/keys/{key}
//
// @Summary		Get a key
// @Description	Returns the content of a key with its metadata as headers
// @Tags			keys
// @Produce		octet-stream
// @Param			ref	query		string	false	"Branch or ref"
// @Success		200	{string}	string	"Key content"
// @Success		304
// @Failure		404	{object}	common.ErrorResponse
// @Router			/api/v1/keys/{key} [get]
func (routes *Routes) getKey(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}

	info, err := routes.service.GetKey(r.Context(), routes.ref(r), key)
	if err != nil {
		routes.writeError(w, r, err)
		return
	}

	writeKeyHeaders(w, info)
	if v, ok := ifMatch(r, "If-None-Match"); ok && (v == info.Version || v == "*") {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	rc, err := info.Open(r.Context())
	if err != nil {
		routes.writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("Failed to stream key content", "key", key, "error", err)
	}
}

// addKey handles POST /api/v1/keys/{key}
//
// @Summary		Create a key
// @Description	Creates a key with the request body as content. Metadata may be
// @Description	given as JSON in the X-Gitkv-Metadata header.
// @Tags			keys
// @Accept			octet-stream
// @Produce		json
// @Success		201	{object}	KeyVersionResponse
// @Failure		409	{object}	common.ErrorResponse
// @Router			/api/v1/keys/{key} [post]
func (routes *Routes) addKey(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}

	opts, err := commitOptions[service.AddKeyOptions](r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if raw := r.Header.Get(HeaderMetadata); raw != "" {
		var meta store.MetaData
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			common.WriteErrorResponse(w, "invalid "+HeaderMetadata+" header: "+err.Error(), http.StatusBadRequest)
			return
		}
		opts = append(opts, service.WithMetaData[service.AddKeyOptions](meta))
	}

	content, ok := routes.readBody(w, r)
	if !ok {
		return
	}
	opts = append(opts, service.WithContent[service.AddKeyOptions](content))

	ref := routes.ref(r)
	version, err := routes.service.AddKey(r.Context(), ref, key, opts...)
	if err != nil {
		routes.writeError(w, r, err)
		return
	}

	w.Header().Set("ETag", etag(version))
	common.WriteJSONResponse(w, KeyVersionResponse{Key: key, Ref: ref, Version: version}, http.StatusCreated)
}

// putKey handles PUT /api/v1/keys/{key}
//
// @Summary		Update a key
// @Description	Replaces the content of a key. If-Match must carry the current version.
// @Tags			keys
// @Accept			octet-stream
// @Produce		json
// @Success		200	{object}	KeyVersionResponse
// @Failure		412	{object}	common.ErrorResponse
// @Failure		423	{object}	common.ErrorResponse
// @Failure		428	{object}	common.ErrorResponse
// @Router			/api/v1/keys/{key} [put]
func (routes *Routes) putKey(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	expected, ok := ifMatch(r, "If-Match")
	if !ok {
		common.WriteErrorResponse(w, "If-Match header is required", http.StatusPreconditionRequired)
		return
	}

	opts, err := commitOptions[service.PutOptions](r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	content, ok := routes.readBody(w, r)
	if !ok {
		return
	}
	opts = append(opts,
		service.WithContent[service.PutOptions](content),
		service.WithExpectedVersion[service.PutOptions](expected))

	ref := routes.ref(r)
	version, err := routes.service.Put(r.Context(), ref, key, opts...)
	if err != nil {
		routes.writeError(w, r, err)
		return
	}

	w.Header().Set("ETag", etag(version))
	common.WriteJSONResponse(w, KeyVersionResponse{Key: key, Ref: ref, Version: version}, http.StatusOK)
}

// deleteKey handles DELETE /api/v1/keys/{key}
//
// @Summary		Delete a key
// @Description	Removes the content of a key. Its metadata stays unless purge is set.
// @Tags			keys
// @Param			purge	query	bool	false	"Remove the key's metadata too"
// @Success		204
// @Failure		400	{object}	common.ErrorResponse
// @Router			/api/v1/keys/{key} [delete]
func (routes *Routes) deleteKey(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	purge, err := parseBoolQuery(r, "purge")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	opts, err := commitOptions[service.DeleteOptions](r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if expected, ok := ifMatch(r, "If-Match"); ok {
		opts = append(opts, service.WithExpectedVersion[service.DeleteOptions](expected))
	}
	if purge {
		opts = append(opts, service.WithPurgeMetaData())
	}

	if err := routes.service.Delete(r.Context(), routes.ref(r), key, opts...); err != nil {
		routes.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getMeta handles GET /api/v1/meta/{key}
//
// @Summary		Get metadata
// @Description	Returns the metadata applying to a key or container (trailing slash)
// @Tags			metadata
// @Produce		json
// @Success		200	{object}	MetaResponse
// @Failure		404	{object}	common.ErrorResponse
// @Router			/api/v1/meta/{key} [get]
func (routes *Routes) getMeta(w http.ResponseWriter, r *http.Request) {
	key, err := common.GetKeyParam(r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	ref := routes.ref(r)
	meta, version, err := routes.service.GetMetaKey(r.Context(), ref, key)
	if err != nil {
		routes.writeError(w, r, err)
		return
	}

	if version != "" {
		w.Header().Set("ETag", etag(version))
	}
	common.WriteJSONResponse(w, MetaResponse{Key: key, Ref: ref, Version: version, MetaData: meta}, http.StatusOK)
}

// putMeta handles PUT /api/v1/meta/{key}
//
// @Summary		Replace metadata
// @Description	Writes the metadata of a key or container. If-Match carries the
// @Description	current metadata version and is omitted while only defaults apply.
// @Tags			metadata
// @Accept			json
// @Produce		json
// @Success		200	{object}	KeyVersionResponse
// @Failure		412	{object}	common.ErrorResponse
// @Router			/api/v1/meta/{key} [put]
func (routes *Routes) putMeta(w http.ResponseWriter, r *http.Request) {
	key, err := common.GetKeyParam(r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	opts, err := commitOptions[service.PutMetaDataOptions](r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, ok := routes.readBody(w, r)
	if !ok {
		return
	}
	var meta store.MetaData
	if err := decodeJSON(body, &meta); err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	expected, _ := ifMatch(r, "If-Match")
	opts = append(opts,
		service.WithMetaData[service.PutMetaDataOptions](meta),
		service.WithExpectedVersion[service.PutMetaDataOptions](expected))

	ref := routes.ref(r)
	version, err := routes.service.PutMetaData(r.Context(), ref, key, opts...)
	if err != nil {
		routes.writeError(w, r, err)
		return
	}

	w.Header().Set("ETag", etag(version))
	common.WriteJSONResponse(w, KeyVersionResponse{Key: key, Ref: ref, Version: version}, http.StatusOK)
}

// list handles GET /api/v1/list/{prefix}
//
// @Summary		List keys
// @Description	Lists the readable keys below a container
// @Tags			keys
// @Produce		json
// @Param			recursive	query		bool	false	"List every key below the prefix"
// @Param			data		query		bool	false	"Include key content"
// @Success		200			{object}	ListResponse
// @Router			/api/v1/list/{prefix} [get]
func (routes *Routes) list(w http.ResponseWriter, r *http.Request) {
	prefix, err := common.GetKeyParam(r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	recursive, err := parseBoolQuery(r, "recursive")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	withData, err := parseBoolQuery(r, "data")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	ref := routes.ref(r)
	entries, err := routes.service.GetList(r.Context(), ref, store.ListOptions{
		Prefix:      prefix,
		Recursive:   recursive,
		IncludeData: withData,
	})
	if err != nil {
		routes.writeError(w, r, err)
		return
	}

	resp := ListResponse{
		Ref:     ref,
		Prefix:  prefix,
		Entries: make([]ListEntry, 0, len(entries)),
		Count:   len(entries),
	}
	for _, e := range entries {
		entry := ListEntry{Key: e.Key, Container: e.IsContainer}
		if e.Info != nil {
			meta := e.Info.Meta
			entry.Version = e.Info.Version
			entry.MetaVersion = e.Info.MetaVersion
			entry.MetaData = &meta
			if !e.IsContainer {
				entry.ContentType = meta.GetContentType()
			}
			if withData && !e.IsContainer && e.Info.HasContent() {
				if entry.Content, err = e.Info.ReadAll(r.Context()); err != nil {
					routes.writeError(w, r, err)
					return
				}
			}
		}
		resp.Entries = append(resp.Entries, entry)
	}

	common.WriteJSONResponse(w, resp, http.StatusOK)
}
