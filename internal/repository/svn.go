package repository

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// commandRunner runs an external program and returns its stdout.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %v (stderr: %s)", name, strings.Join(args, " "), err,
			strings.TrimSpace(stderrBuf.String()))
	}
	return stdoutBuf.Bytes(), nil
}

// svnSource checks revisions out directly from the server; Subversion supports
// revisioned checkout natively so no mirror is kept.
type svnSource struct {
	uri    string
	runner commandRunner
	log    *zap.Logger
}

func svnRevision(revision string) (string, error) {
	r := strings.TrimSpace(revision)
	if strings.EqualFold(r, HeadRevision) {
		return "HEAD", nil
	}
	if n, err := strconv.ParseInt(r, 10, 64); err != nil || n < 0 {
		return "", fmt.Errorf("%w: subversion revision %q must be a number or %q", ErrBadRevision, revision, HeadRevision)
	}
	return r, nil
}

func (s *svnSource) RetrieveModel(ctx context.Context, revision, name, destPath string) (string, error) {
	rev, err := svnRevision(revision)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", &OpError{Op: "prepare checkout", Source: s.uri, Revision: revision, Err: err}
	}
	s.log.Info("checking out subversion revision", zap.String("revision", rev), zap.String("dest", destPath))
	if _, err := s.runner.Run(ctx, "svn", "checkout", "--non-interactive", "--force",
		"--depth", "infinity", "-r", rev, s.uri, destPath); err != nil {
		return "", &OpError{Op: "checkout", Source: s.uri, Revision: revision, Err: err}
	}
	return destPath, nil
}

func (s *svnSource) RetrieveManifest(ctx context.Context, filename, revision, destPath string) (string, error) {
	rev, err := svnRevision(revision)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(destPath, filepath.FromSlash(filename))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", &OpError{Op: "prepare export", Source: s.uri, Revision: revision, Err: err}
	}
	src := s.uri + "/" + strings.TrimLeft(filename, "/")
	if _, err := s.runner.Run(ctx, "svn", "export", "--non-interactive", "--force", "-r", rev, src, dst); err != nil {
		return "", &OpError{Op: "export manifest", Source: src, Revision: revision, Err: err}
	}
	return dst, nil
}

func (s *svnSource) HeadRevision(ctx context.Context) (string, error) {
	out, err := s.runner.Run(ctx, "svn", "info", "--non-interactive", "--show-item", "revision", "-r", "HEAD", s.uri)
	if err != nil {
		return "", &OpError{Op: "resolve head", Source: s.uri, Err: err}
	}
	rev := strings.TrimSpace(string(out))
	if _, err := strconv.ParseInt(rev, 10, 64); err != nil {
		return "", &OpError{Op: "resolve head", Source: s.uri, Err: fmt.Errorf("unexpected svn info output %q", rev)}
	}
	return rev, nil
}
