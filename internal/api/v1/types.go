package v1

import (
	"github.com/stacklok/gitkv/internal/authz"
	"github.com/stacklok/gitkv/internal/store"
)

// KeyVersionResponse is returned by writes to a key or its metadata
type KeyVersionResponse struct {
	Key     string `json:"key"`
	Ref     string `json:"ref"`
	Version string `json:"version"`
}

// MetaResponse is the metadata that applies to a key or container
type MetaResponse struct {
	Key string `json:"key"`
	Ref string `json:"ref"`
	// Version is empty while only the defaults apply
	Version  string         `json:"version,omitempty"`
	MetaData store.MetaData `json:"metadata"`
}

// ListEntry is one key or sub-container of a listing
type ListEntry struct {
	Key         string          `json:"key"`
	Container   bool            `json:"container,omitempty"`
	Version     string          `json:"version,omitempty"`
	MetaVersion string          `json:"meta_version,omitempty"`
	ContentType string          `json:"content_type,omitempty"`
	MetaData    *store.MetaData `json:"metadata,omitempty"`
	// Content is set when the listing was asked for data
	Content []byte `json:"content,omitempty"`
}

// ListResponse is the result of listing a container
type ListResponse struct {
	Ref     string      `json:"ref"`
	Prefix  string      `json:"prefix"`
	Entries []ListEntry `json:"entries"`
	Count   int         `json:"count"`
}

// UserResponse is a user record without its password hash
type UserResponse struct {
	Realm   string          `json:"realm"`
	Name    string          `json:"name"`
	Version string          `json:"version"`
	Record  *authz.UserData `json:"record"`
}

// UserVersionResponse is returned by writes to a user record
type UserVersionResponse struct {
	Realm   string `json:"realm"`
	Name    string `json:"name"`
	Version string `json:"version"`
}
