package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
)

var errNoContent = errors.New("content was not loaded")

// StoreInfo is the content, metadata and version of a key at one commit of a
// ref. It is immutable and must not be modified by callers.
type StoreInfo struct {
	Key  string
	Ref  plumbing.ReferenceName
	Meta MetaData
	// Version is the blob id of the content. It is empty for containers.
	Version string
	// MetaVersion is the blob id of the metadata file that applies to the key,
	// its own sidecar or an inherited container sidecar. It is empty when only
	// the defaults apply.
	MetaVersion string

	open func(context.Context) (io.ReadCloser, error)
}

// Open returns the content of the key.
func (s *StoreInfo) Open(ctx context.Context) (io.ReadCloser, error) {
	if s.open == nil {
		return nil, errNoContent
	}
	return s.open(ctx)
}

// HasContent reports whether Open can serve the content.
func (s *StoreInfo) HasContent() bool {
	return s.open != nil
}

// ReadAll returns the whole content of the key.
func (s *StoreInfo) ReadAll(ctx context.Context) ([]byte, error) {
	rc, err := s.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// NewStaticInfo returns a StoreInfo serving content from memory. A nil
// content leaves it without content.
func NewStaticInfo(key string, ref plumbing.ReferenceName, meta MetaData, version, metaVersion string, content []byte) *StoreInfo {
	info := &StoreInfo{Key: key, Ref: ref, Meta: meta, Version: version, MetaVersion: metaVersion}
	if content != nil {
		info.open = func(context.Context) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(content)), nil
		}
	}
	return info
}

func (s *StoreInfo) withoutContent() *StoreInfo {
	c := *s
	c.open = nil
	return &c
}

type sidecar struct {
	meta    MetaData
	version string
}

// Snapshot is the immutable view of one commit of a ref.
type Snapshot struct {
	Ref    plumbing.ReferenceName
	Commit plumbing.Hash

	gen        uint64
	keys       []string
	infos      map[string]*StoreInfo
	sidecars   map[string]sidecar
	containers map[string]bool
	users      map[string]plumbing.Hash
}

// Get returns the key, or false when the ref has no content for it.
func (s *Snapshot) Get(key string) (*StoreInfo, bool) {
	info, ok := s.infos[key]
	return info, ok
}

// Len returns the number of keys.
func (s *Snapshot) Len() int {
	return len(s.keys)
}

// Keys returns every key in lexicographic order, including hidden ones.
func (s *Snapshot) Keys() []string {
	return slices.Clone(s.keys)
}

// Sidecar returns the metadata file owned by key, or by a container when key
// ends in a slash. It reports false when the owner has no sidecar of its own.
func (s *Snapshot) Sidecar(key string) (MetaData, string, bool) {
	sc, ok := s.sidecars[key]
	return sc.meta, sc.version, ok
}

// Effective returns the metadata that applies to key, or to a container when
// key ends in a slash, whether or not the key exists: its own sidecar, else
// the nearest container sidecar, else the defaults.
func (s *Snapshot) Effective(key string) (MetaData, string) {
	if sc, ok := s.sidecars[key]; ok {
		return sc.meta, sc.version
	}
	if key == "" {
		return DefaultMetaData(), ""
	}
	for _, dir := range ancestors(key) {
		if sc, ok := s.sidecars[dir]; ok {
			return sc.meta, sc.version
		}
	}
	return DefaultMetaData(), ""
}

// IsPhantom reports whether key has a sidecar but no content.
func (s *Snapshot) IsPhantom(key string) bool {
	_, hasMeta := s.sidecars[key]
	_, hasContent := s.infos[key]
	return hasMeta && !hasContent
}

// HasContainer reports whether the container exists in the tree.
func (s *Snapshot) HasContainer(dir string) bool {
	return dir == "" || s.containers[dir]
}

// User returns the blob id of the record of name in realm.
func (s *Snapshot) User(realm, name string) (plumbing.Hash, bool) {
	h, ok := s.users[realm+"/"+name]
	return h, ok
}

// Users returns the names of every user record in realm, sorted.
func (s *Snapshot) Users(realm string) []string {
	var names []string
	for k := range s.users {
		if r, name, ok := strings.Cut(k, "/"); ok && r == realm {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// ListOptions selects the keys returned by List.
type ListOptions struct {
	// Prefix names the container to list. A missing trailing slash is added.
	Prefix string
	// Recursive lists every key below the prefix instead of its direct children.
	Recursive bool
	// IncludeData keeps the content of returned keys readable.
	IncludeData bool
}

// Entry is one result of List.
type Entry struct {
	Key string
	// IsContainer marks a sub-container of a non-recursive listing. Its key
	// ends in a slash and Info carries the container metadata.
	IsContainer bool
	Info        *StoreInfo
}

// List returns the visible keys below a container in lexicographic order.
// Hidden keys, metadata files and user records never appear. Containers are
// listed only when they hold at least one visible key.
func (s *Snapshot) List(opts ListOptions) []Entry {
	prefix := opts.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	start, _ := slices.BinarySearch(s.keys, prefix)
	var (
		out        []Entry
		lastDir    string
		seenDirKey bool
	)
	for _, key := range s.keys[start:] {
		if !strings.HasPrefix(key, prefix) {
			break
		}
		info := s.infos[key]
		if info.Meta.Hidden {
			continue
		}

		rest := key[len(prefix):]
		if !opts.Recursive {
			if i := strings.IndexByte(rest, '/'); i >= 0 {
				dir := prefix + rest[:i+1]
				if seenDirKey && dir == lastDir {
					continue
				}
				lastDir, seenDirKey = dir, true
				meta, version := s.Effective(dir)
				out = append(out, Entry{
					Key:         dir,
					IsContainer: true,
					Info:        &StoreInfo{Key: dir, Ref: s.Ref, Meta: meta, MetaVersion: version},
				})
				continue
			}
		}

		if !opts.IncludeData {
			info = info.withoutContent()
		}
		out = append(out, Entry{Key: key, Info: info})
	}

	slices.SortFunc(out, func(a, b Entry) int {
		return strings.Compare(a.Key, b.Key)
	})
	return out
}
