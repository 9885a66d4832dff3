package repository

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

type localSource struct {
	root string
	copy bool
	log  *zap.Logger
}

func (s *localSource) RetrieveModel(ctx context.Context, revision, name, destPath string) (string, error) {
	if _, err := os.Stat(s.root); err != nil {
		return "", &OpError{Op: "stat model", Source: s.root, Err: err}
	}
	if !s.copy {
		s.log.Debug("using local model in place", zap.String("path", s.root))
		return s.root, nil
	}
	if err := checkDisjoint(s.root, destPath); err != nil {
		return "", &OpError{Op: "copy model", Source: s.root, Err: err}
	}
	if err := os.RemoveAll(destPath); err != nil {
		return "", &OpError{Op: "delete working copy", Source: s.root, Err: err}
	}
	s.log.Info("copying local model", zap.String("dest", destPath))
	if err := copyTree(ctx, s.root, destPath); err != nil {
		return "", &OpError{Op: "copy model", Source: s.root, Err: err}
	}
	return destPath, nil
}

func (s *localSource) RetrieveManifest(ctx context.Context, filename, revision, destPath string) (string, error) {
	src := filepath.Join(s.root, filepath.FromSlash(filename))
	if _, err := os.Stat(src); err != nil {
		return "", &OpError{Op: "stat manifest", Source: s.root, Err: err}
	}
	if !s.copy {
		return src, nil
	}
	dst := filepath.Join(destPath, filepath.FromSlash(filename))
	if err := copyFile(src, dst); err != nil {
		return "", &OpError{Op: "copy manifest", Source: s.root, Err: err}
	}
	return dst, nil
}

func (s *localSource) HeadRevision(ctx context.Context) (string, error) {
	return "", fmt.Errorf("head revision of local path %s: %w", s.root, ErrUnsupported)
}

// checkDisjoint rejects a destination that is the source, inside it or above it.
func checkDisjoint(root, dest string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	if within(absRoot, absDest) || within(absDest, absRoot) {
		return fmt.Errorf("%w: destination %s overlaps the model at %s", ErrConfig, absDest, absRoot)
	}
	return nil
}

func within(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
