package store

import (
	"context"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/gitkv/internal/git"
)

func keysOf(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}

func TestList(t *testing.T) {
	t.Parallel()
	e, repo := newTestEngine(t)

	git.CommitFiles(t, repo, plumbing.Master, map[string][]byte{
		"b":                   []byte("1"),
		"a-b":                 []byte("1"),
		"a/x":                 []byte("1"),
		"a/y/z":               []byte("1"),
		"a/.metadata":         []byte(`{"contentType":"text/plain"}`),
		"secret":              []byte("1"),
		"secret.metadata":     []byte(`{"hidden":true}`),
		"shadow/.metadata":    []byte(`{"hidden":true}`),
		"shadow/inner":        []byte("1"),
		"users/user/alice":    []byte(`{"roles":[]}`),
		"mixed/visible":       []byte("1"),
		"mixed/gone":          []byte("1"),
		"mixed/gone.metadata": []byte(`{"hidden":true}`),
	})

	s, err := e.Snapshot(context.Background(), plumbing.Master)
	require.NoError(t, err)

	tests := []struct {
		name string
		opts ListOptions
		want []string
	}{
		{
			name: "root direct children",
			opts: ListOptions{},
			want: []string{"a-b", "a/", "b", "mixed/"},
		},
		{
			name: "root recursive",
			opts: ListOptions{Recursive: true},
			want: []string{"a-b", "a/x", "a/y/z", "b", "mixed/visible"},
		},
		{
			name: "container direct children",
			opts: ListOptions{Prefix: "a/"},
			want: []string{"a/x", "a/y/"},
		},
		{
			name: "prefix without trailing slash names a container",
			opts: ListOptions{Prefix: "a", Recursive: true},
			want: []string{"a/x", "a/y/z"},
		},
		{
			name: "hidden container",
			opts: ListOptions{Prefix: "shadow/", Recursive: true},
			want: nil,
		},
		{
			name: "missing container",
			opts: ListOptions{Prefix: "nope/"},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := s.List(tt.opts)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, keysOf(got))
		})
	}

	root := s.List(ListOptions{})
	for _, entry := range root {
		if entry.Key == "a/" {
			assert.True(t, entry.IsContainer)
			assert.Equal(t, "text/plain", entry.Info.Meta.ContentType)
			assert.Empty(t, entry.Info.Version)
		}
	}
}

func TestEffective(t *testing.T) {
	t.Parallel()
	e, repo := newTestEngine(t)

	git.CommitFiles(t, repo, plumbing.Master, map[string][]byte{
		".metadata":   []byte(`{"contentType":"text/root"}`),
		"a/.metadata": []byte(`{"contentType":"text/a"}`),
		"a/k":         []byte("1"),
		"k":           []byte("1"),
	})
	s, err := e.Snapshot(context.Background(), plumbing.Master)
	require.NoError(t, err)

	tests := []struct {
		key  string
		want string
	}{
		{key: "k", want: "text/root"},
		{key: "a/k", want: "text/a"},
		{key: "a/new/deep", want: "text/a"},
		{key: "b/new", want: "text/root"},
		{key: "a/", want: "text/a"},
		{key: "b/", want: "text/root"},
		{key: "", want: "text/root"},
	}
	for _, tt := range tests {
		meta, version := s.Effective(tt.key)
		assert.Equal(t, tt.want, meta.ContentType, tt.key)
		assert.NotEmpty(t, version, tt.key)
	}

	assert.True(t, s.HasContainer("a/"))
	assert.True(t, s.HasContainer(""))
	assert.False(t, s.HasContainer("b/"))
}
