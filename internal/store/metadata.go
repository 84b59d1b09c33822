package store

import (
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"strings"
)

const (
	// MetadataSuffix is appended to a key to name its metadata sidecar.
	MetadataSuffix = ".metadata"

	// ContainerMetadataName is the metadata file of a container.
	ContainerMetadataName = ".metadata"

	// UsersPrefix is the reserved tree holding user records.
	UsersPrefix = "users/"

	// DefaultContentType applies to keys without any metadata.
	DefaultContentType = "application/octet-stream"
)

// Header is an extra response header served with a key.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// MetaData holds the attributes of a key.
type MetaData struct {
	ContentType string   `json:"contentType,omitempty"`
	Protected   bool     `json:"protected,omitempty"`
	Hidden      bool     `json:"hidden,omitempty"`
	Headers     []Header `json:"headers,omitempty"`
	ReadRoles   []string `json:"readRoles,omitempty"`
	WriteRoles  []string `json:"writeRoles,omitempty"`
	// Users lists user names granted access regardless of their roles.
	Users []string `json:"users,omitempty"`
}

// DefaultMetaData returns the metadata of a key nothing else applies to.
func DefaultMetaData() MetaData {
	return MetaData{ContentType: DefaultContentType}
}

// GetContentType returns the content type, falling back to DefaultContentType.
func (m MetaData) GetContentType() string {
	if m.ContentType == "" {
		return DefaultContentType
	}
	return m.ContentType
}

// Clone returns a deep copy of m.
func (m MetaData) Clone() MetaData {
	m.Headers = slices.Clone(m.Headers)
	m.ReadRoles = slices.Clone(m.ReadRoles)
	m.WriteRoles = slices.Clone(m.WriteRoles)
	m.Users = slices.Clone(m.Users)
	return m
}

// Marshal encodes m the way it is stored in a sidecar file.
func (m MetaData) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return append(data, '\n'), nil
}

// ParseMetaData validates and decodes a sidecar document.
func ParseMetaData(path, ref string, data []byte) (MetaData, error) {
	if err := ValidateMetaData(path, ref, data); err != nil {
		return MetaData{}, err
	}
	var m MetaData
	if err := json.Unmarshal(data, &m); err != nil {
		return MetaData{}, &ValidationError{Path: path, Ref: ref, Err: err}
	}
	return m, nil
}

// IsMetadataPath reports whether p names a metadata sidecar.
func IsMetadataPath(p string) bool {
	return strings.HasSuffix(p, MetadataSuffix)
}

// IsUserPath reports whether p lies in the reserved users tree.
func IsUserPath(p string) bool {
	return strings.HasPrefix(p, UsersPrefix)
}

// IsContainer reports whether key names a container rather than a key.
func IsContainer(key string) bool {
	return key == "" || strings.HasSuffix(key, "/")
}

// MetadataPath returns the sidecar path of a key, or of a container when key
// ends in a slash.
func MetadataPath(key string) string {
	if IsContainer(key) {
		return key + ContainerMetadataName
	}
	return key + MetadataSuffix
}

// MetadataOwner maps a sidecar path back to the key or container it
// describes. Containers are returned with a trailing slash and the root
// container as the empty string.
func MetadataOwner(p string) string {
	if path.Base(p) == ContainerMetadataName {
		return strings.TrimSuffix(p, ContainerMetadataName)
	}
	return strings.TrimSuffix(p, MetadataSuffix)
}

// UserPath returns the path of a user record.
func UserPath(realm, name string) string {
	return UsersPrefix + realm + "/" + name
}

// ParseUserPath splits a user record path into realm and name.
func ParseUserPath(p string) (realm, name string, ok bool) {
	rest, found := strings.CutPrefix(p, UsersPrefix)
	if !found {
		return "", "", false
	}
	realm, name, found = strings.Cut(rest, "/")
	if !found || realm == "" || name == "" || strings.Contains(name, "/") {
		return "", "", false
	}
	return realm, name, true
}

// ValidateKey rejects keys that cannot name content.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: key cannot be empty", ErrBadRequest)
	case strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/"):
		return fmt.Errorf("%w: key %q must not start or end with a slash", ErrBadRequest, key)
	case IsMetadataPath(key):
		return fmt.Errorf("%w: key %q must not end in %s", ErrBadRequest, key, MetadataSuffix)
	case IsUserPath(key) || key == strings.TrimSuffix(UsersPrefix, "/"):
		return fmt.Errorf("%w: key %q lies in the reserved users tree", ErrBadRequest, key)
	}
	return validateSegments(key)
}

// ValidateContainer rejects container names that cannot hold metadata.
// The root container is the empty string.
func ValidateContainer(key string) error {
	if key == "" {
		return nil
	}
	if !strings.HasSuffix(key, "/") || strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: container %q must end with a single slash", ErrBadRequest, key)
	}
	if IsUserPath(key) {
		return fmt.Errorf("%w: container %q lies in the reserved users tree", ErrBadRequest, key)
	}
	return validateSegments(strings.TrimSuffix(key, "/"))
}

// ValidateUserName rejects realm and user names that cannot form a record path.
func ValidateUserName(realm, name string) error {
	for _, s := range []string{realm, name} {
		if s == "" || s == "." || s == ".." || strings.ContainsAny(s, "/\\") {
			return fmt.Errorf("%w: invalid user path segment %q", ErrBadRequest, s)
		}
	}
	return nil
}

func validateSegments(key string) error {
	for _, seg := range strings.Split(key, "/") {
		switch seg {
		case "", ".", "..", ".git":
			return fmt.Errorf("%w: key %q has an invalid segment %q", ErrBadRequest, key, seg)
		}
	}
	return nil
}

// ancestors returns the containers enclosing key from the nearest outwards,
// ending with the root container "".
func ancestors(key string) []string {
	key = strings.TrimSuffix(key, "/")
	var out []string
	for {
		i := strings.LastIndex(key, "/")
		if i < 0 {
			return append(out, "")
		}
		key = key[:i]
		out = append(out, key+"/")
	}
}
