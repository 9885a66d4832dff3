package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"
)

// gitSource clones working copies from a local mirror of the origin, trading one
// network clone for many local ones.
type gitSource struct {
	uri     string
	mirror  string
	repo    *git.Repository
	initErr error
	log     *zap.Logger
}

func newGitSource(ctx context.Context, uri, mirrorRoot string, log *zap.Logger) *gitSource {
	repo, path, err := openMirror(ctx, mirrorRoot, uri, log)
	if err != nil {
		log.Error("could not clone git repository", zap.Error(err))
	}
	return &gitSource{uri: uri, mirror: path, repo: repo, initErr: err, log: log}
}

func (g *gitSource) available() error {
	if g.initErr != nil {
		return fmt.Errorf("git repository %s: %w: %w", g.uri, ErrUnavailable, g.initErr)
	}
	return nil
}

// BranchName is the local branch a working copy of revision is checked out on.
func BranchName(revision string) string {
	return "rev-" + revision
}

func (g *gitSource) RetrieveModel(ctx context.Context, revision, name, destPath string) (string, error) {
	if err := g.available(); err != nil {
		return "", err
	}
	branch := BranchName(revision)
	fail := func(op string, err error) error {
		return &OpError{Op: op, Source: g.uri, Revision: revision, Branch: branch, Err: err}
	}

	if err := os.RemoveAll(destPath); err != nil {
		return "", fail("delete working copy", err)
	}

	g.log.Info("cloning working copy from mirror", zap.String("dest", destPath), zap.String("mirror", g.mirror))
	wc, err := git.PlainCloneContext(ctx, destPath, false, &git.CloneOptions{URL: g.mirror})
	if err != nil {
		return "", fail("clone from mirror", err)
	}
	wt, err := wc.Worktree()
	if err != nil {
		return "", fail("clone from mirror", err)
	}

	head, err := wc.Head()
	if err != nil {
		return "", fail("checkout baseline", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: head.Name(), Force: true}); err != nil {
		return "", fail("checkout baseline", err)
	}

	g.log.Debug("force deleting branch", zap.String("branch", branch))
	if err := wc.Storer.RemoveReference(plumbing.NewBranchReferenceName(branch)); err != nil {
		return "", fail("delete stale branch", err)
	}

	g.log.Info("checking out revision on new branch", zap.String("revision", revision), zap.String("branch", branch))
	hash, err := resolveRevision(wc, revision)
	if err != nil {
		return "", fail("create revision branch", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Hash:   hash,
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: true,
		Force:  true,
	}); err != nil {
		return "", fail("create revision branch", err)
	}

	if err := cleanWorkingCopy(wc, wt, destPath); err != nil {
		return "", fail("clean", err)
	}
	g.log.Info("working copy is clean", zap.String("dest", destPath), zap.String("commit", hash.String()))
	return destPath, nil
}

func (g *gitSource) RetrieveManifest(ctx context.Context, filename, revision, destPath string) (string, error) {
	if err := g.available(); err != nil {
		return "", err
	}
	fail := func(err error) error {
		return &OpError{Op: "read manifest " + filename, Source: g.uri, Revision: revision, Err: err}
	}
	hash, err := resolveRevision(g.repo, revision)
	if err != nil {
		return "", fail(err)
	}
	commit, err := g.repo.CommitObject(hash)
	if err != nil {
		return "", fail(err)
	}
	file, err := commit.File(filepath.ToSlash(filename))
	if err != nil {
		return "", fail(err)
	}
	contents, err := file.Contents()
	if err != nil {
		return "", fail(err)
	}
	dst := filepath.Join(destPath, filepath.FromSlash(filename))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fail(err)
	}
	if err := os.WriteFile(dst, []byte(contents), 0o644); err != nil {
		return "", fail(err)
	}
	return dst, nil
}

func (g *gitSource) HeadRevision(ctx context.Context) (string, error) {
	if err := g.available(); err != nil {
		return "", err
	}
	head, err := g.repo.Head()
	if err != nil {
		return "", &OpError{Op: "resolve head", Source: g.uri, Err: err}
	}
	return head.Hash().String(), nil
}

func resolveRevision(repo *git.Repository, revision string) (plumbing.Hash, error) {
	if strings.EqualFold(revision, HeadRevision) {
		head, err := repo.Head()
		if err != nil {
			return plumbing.ZeroHash, err
		}
		return head.Hash(), nil
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(revision))
	if err == nil {
		return *hash, nil
	}
	if remote, rerr := repo.ResolveRevision(plumbing.Revision(git.DefaultRemoteName + "/" + revision)); rerr == nil {
		return *remote, nil
	}
	return plumbing.ZeroHash, fmt.Errorf("%w: %q: %v", ErrBadRevision, revision, err)
}

// cleanWorkingCopy removes untracked files and then anything the index does not
// know about, which covers ignored files as well.
func cleanWorkingCopy(repo *git.Repository, wt *git.Worktree, root string) error {
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return err
	}
	idx, err := repo.Storer.Index()
	if err != nil {
		return err
	}
	tracked := make(map[string]struct{}, len(idx.Entries))
	trackedDirs := make(map[string]struct{})
	for _, e := range idx.Entries {
		tracked[e.Name] = struct{}{}
		for dir := filepath.ToSlash(filepath.Dir(filepath.FromSlash(e.Name))); dir != "."; dir = filepath.ToSlash(filepath.Dir(filepath.FromSlash(dir))) {
			trackedDirs[dir] = struct{}{}
		}
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == git.GitDirName {
				return filepath.SkipDir
			}
			if _, ok := trackedDirs[rel]; !ok {
				if err := os.RemoveAll(path); err != nil {
					return err
				}
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := tracked[rel]; !ok {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}
		return nil
	})
}
