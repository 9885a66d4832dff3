package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferType(t *testing.T) {
	cases := []struct {
		uri  string
		want Type
	}{
		{"/projects/model", TypeLocalFile},
		{"relative/model", TypeLocalFile},
		{"file:///projects/model", TypeLocalFile},
		{"http://svn.example.org/model/trunk", TypeSVN},
		{"https://svn.example.org/model/trunk", TypeSVN},
		{"svn+ssh://svn.example.org/model", TypeSVN},
	}
	for _, tc := range cases {
		got, err := InferType(tc.uri)
		require.NoError(t, err, tc.uri)
		assert.Equal(t, tc.want, got, tc.uri)
	}

	_, err := InferType("ftp://example.org/model")
	assert.ErrorIs(t, err, ErrConfig)
}

func TestParseType(t *testing.T) {
	typ, err := ParseType("git")
	require.NoError(t, err)
	assert.Equal(t, TypeGit, typ)

	typ, err = ParseType("")
	require.NoError(t, err)
	assert.Equal(t, Type(""), typ)

	_, err = ParseType("cvs")
	assert.ErrorIs(t, err, ErrConfig)
}

func TestNewRejectsUnguessableSource(t *testing.T) {
	_, err := New(context.Background(), Config{URI: "ssh://git.example.org/model.git"})
	assert.ErrorIs(t, err, ErrConfig)

	_, err = New(context.Background(), Config{})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestLocalSourceInPlace(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, DefaultManifest), []byte("runner: NullRunner\n"), 0o644))

	src, err := New(context.Background(), Config{URI: root})
	require.NoError(t, err)

	path, err := src.RetrieveModel(context.Background(), "head", "model", filepath.Join(t.TempDir(), "wc"))
	require.NoError(t, err)
	assert.Equal(t, root, path)

	manifest, err := src.RetrieveManifest(context.Background(), DefaultManifest, "head", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, DefaultManifest), manifest)

	_, err = src.HeadRevision(context.Background())
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestLocalSourceCopy(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "lib", "model.py"), []byte("print(1)\n"), 0o644))

	dest := filepath.Join(t.TempDir(), "wc")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "stale.txt"), []byte("old"), 0o644))

	src, err := New(context.Background(), Config{URI: "file://" + root, CopyLocal: true})
	require.NoError(t, err)

	path, err := src.RetrieveModel(context.Background(), "head", "model", dest)
	require.NoError(t, err)
	assert.Equal(t, dest, path)
	assert.FileExists(t, filepath.Join(dest, "lib", "model.py"))
	assert.NoFileExists(t, filepath.Join(dest, "stale.txt"))
}

func TestLocalSourceCopyRejectsOverlappingDestination(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "model")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "model.py"), []byte("print(1)\n"), 0o644))

	src, err := New(context.Background(), Config{URI: root, CopyLocal: true})
	require.NoError(t, err)

	for _, dest := range []string{root, filepath.Join(root, "wc"), parent} {
		_, err := src.RetrieveModel(context.Background(), "head", "model", dest)
		assert.ErrorIs(t, err, ErrConfig, dest)
		assert.FileExists(t, filepath.Join(root, "model.py"), dest)
	}

	// A sibling whose name merely shares a prefix is fine.
	sibling := filepath.Join(parent, "model-copy")
	path, err := src.RetrieveModel(context.Background(), "head", "model", sibling)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(path, "model.py"))
}

func TestLocalSourceMissingPath(t *testing.T) {
	src, err := New(context.Background(), Config{URI: filepath.Join(t.TempDir(), "missing")})
	require.NoError(t, err)
	_, err = src.RetrieveModel(context.Background(), "head", "model", t.TempDir())
	var opErr *OpError
	assert.ErrorAs(t, err, &opErr)
}

func TestOpErrorMessage(t *testing.T) {
	err := &OpError{Op: "clean", Source: "https://git.example.org/m.git", Revision: "abc", Branch: "rev-abc", Err: os.ErrPermission}
	assert.Equal(t, "clean https://git.example.org/m.git revision abc on branch rev-abc: permission denied", err.Error())
	assert.ErrorIs(t, err, os.ErrPermission)
}
