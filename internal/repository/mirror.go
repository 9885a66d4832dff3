package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"go.uber.org/zap"
)

// mirrorRefSpecs keep the mirror's local branches and tags in step with the
// origin; refreshes prune refs deleted upstream.
var mirrorRefSpecs = []config.RefSpec{
	"+refs/heads/*:refs/heads/*",
	"+refs/tags/*:refs/tags/*",
}

// mirrorLocks serialises creation and refresh of a mirror within this process.
var mirrorLocks sync.Map

// MirrorPath returns the mirror directory for uri under root.
func MirrorPath(root, uri string) string {
	if root == "" {
		root = os.TempDir()
	}
	sum := sha256.Sum256([]byte(uri))
	return filepath.Join(root, hex.EncodeToString(sum[:8]))
}

// openMirror clones uri into its mirror directory the first time and refreshes
// it on every later use. A refresh failure keeps the existing mirror.
func openMirror(ctx context.Context, root, uri string, log *zap.Logger) (*git.Repository, string, error) {
	path := MirrorPath(root, uri)
	mu, _ := mirrorLocks.LoadOrStore(path, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	repo, err := git.PlainOpen(path)
	switch {
	case err == nil:
		log.Info("git mirror already exists, fetching changes", zap.String("mirror", path))
		if err := refreshMirror(ctx, repo); err != nil {
			log.Warn("could not refresh git mirror, using cached copy", zap.String("mirror", path), zap.Error(err))
		}
		return repo, path, nil
	case errors.Is(err, git.ErrRepositoryNotExists):
	default:
		return nil, path, fmt.Errorf("open mirror %s: %w", path, err)
	}

	// Anything at path that is not a repository is a leftover from an interrupted clone.
	if err := os.RemoveAll(path); err != nil {
		return nil, path, fmt.Errorf("clear mirror %s: %w", path, err)
	}
	log.Info("cloning git repository into mirror", zap.String("mirror", path))
	repo, err = git.PlainCloneContext(ctx, path, true, &git.CloneOptions{URL: uri})
	if err != nil {
		_ = os.RemoveAll(path)
		return nil, path, fmt.Errorf("clone %s into mirror: %w", uri, err)
	}
	if err := refreshMirror(ctx, repo); err != nil {
		_ = os.RemoveAll(path)
		return nil, path, fmt.Errorf("fetch branches of %s: %w", uri, err)
	}
	return repo, path, nil
}

func refreshMirror(ctx context.Context, repo *git.Repository) error {
	err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		RefSpecs:   mirrorRefSpecs,
		Force:      true,
		Prune:      true,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}
