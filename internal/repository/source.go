// Package repository provisions model code from a version-control source into a
// local working copy.
//
// A Source is resolved once at construction from the project URI and an optional
// explicit Type. Network-backed Git sources keep a local mirror per URI so that a
// working copy for any revision can be produced from a fast local clone.
package repository

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrConfig reports a malformed URI or an undeterminable repository type.
	ErrConfig = errors.New("invalid repository configuration")
	// ErrUnsupported reports an operation the source variant cannot perform.
	ErrUnsupported = errors.New("operation not supported")
	// ErrUnavailable is returned by every call on a source whose construction failed.
	ErrUnavailable = errors.New("repository unavailable")
	// ErrBadRevision reports a revision the source cannot interpret.
	ErrBadRevision = errors.New("invalid revision")
)

// HeadRevision is the revision alias for the latest revision of a source.
const HeadRevision = "head"

// DefaultManifest is the project manifest file name.
const DefaultManifest = "projectparams.yaml"

// Type selects the source variant.
type Type string

const (
	TypeLocalFile Type = "LOCAL_FILE"
	TypeSVN       Type = "SVN"
	TypeGit       Type = "GIT"
)

// ParseType parses a repository type name, case-insensitively. An empty string
// returns the empty Type, meaning "infer from the URI".
func ParseType(s string) (Type, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case string(TypeLocalFile):
		return TypeLocalFile, nil
	case string(TypeSVN):
		return TypeSVN, nil
	case string(TypeGit):
		return TypeGit, nil
	default:
		return "", fmt.Errorf("%w: unknown repository type %q (want LOCAL_FILE, SVN or GIT)", ErrConfig, s)
	}
}

// InferType guesses the repository type from the URI scheme.
func InferType(uri string) (Type, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: couldn't parse project path %q: %v", ErrConfig, uri, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "", "file":
		return TypeLocalFile, nil
	case "http", "https", "svn", "svn+ssh":
		return TypeSVN, nil
	default:
		return "", fmt.Errorf("%w: no repository type given and none can be guessed from %q; set the type explicitly", ErrConfig, uri)
	}
}

// Source retrieves model code and manifests from one code origin.
type Source interface {
	// RetrieveModel produces a working copy of revision at destPath and returns
	// the path holding the model code.
	RetrieveModel(ctx context.Context, revision, name, destPath string) (string, error)
	// RetrieveManifest fetches filename at revision and returns its local path.
	RetrieveManifest(ctx context.Context, filename, revision, destPath string) (string, error)
	// HeadRevision returns the identifier of the latest revision.
	HeadRevision(ctx context.Context) (string, error)
}

// Config describes a code origin.
type Config struct {
	URI  string
	Type Type
	// MirrorRoot holds the Git mirrors. Defaults to the system temp directory.
	MirrorRoot string
	// CopyLocal makes LOCAL_FILE sources copy into the destination instead of
	// returning the source path.
	CopyLocal bool
	Logger    *zap.Logger
}

// New resolves the source variant for cfg. Configuration errors are returned
// immediately; a Git source whose mirror cannot be built is returned in an
// unavailable state instead.
func New(ctx context.Context, cfg Config) (Source, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, fmt.Errorf("%w: project path is required", ErrConfig)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	typ := cfg.Type
	if typ == "" {
		var err error
		if typ, err = InferType(cfg.URI); err != nil {
			return nil, err
		}
	}
	log = log.With(zap.String("source", cfg.URI), zap.String("type", string(typ)))

	switch typ {
	case TypeLocalFile:
		root, err := localPath(cfg.URI)
		if err != nil {
			return nil, err
		}
		return &localSource{root: root, copy: cfg.CopyLocal, log: log}, nil
	case TypeSVN:
		return &svnSource{uri: strings.TrimRight(cfg.URI, "/"), runner: execRunner{}, log: log}, nil
	case TypeGit:
		return newGitSource(ctx, cfg.URI, cfg.MirrorRoot, log), nil
	default:
		return nil, fmt.Errorf("%w: unknown repository type %q", ErrConfig, typ)
	}
}

func localPath(uri string) (string, error) {
	p := uri
	if u, err := url.Parse(uri); err == nil && strings.EqualFold(u.Scheme, "file") {
		p = u.Path
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("%w: resolve project path %q: %v", ErrConfig, uri, err)
	}
	return abs, nil
}

// OpError records which provisioning step failed and for which revision.
type OpError struct {
	Op       string
	Source   string
	Revision string
	Branch   string
	Err      error
}

func (e *OpError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Op, e.Source)
	if e.Revision != "" {
		fmt.Fprintf(&b, " revision %s", e.Revision)
	}
	if e.Branch != "" {
		fmt.Fprintf(&b, " on branch %s", e.Branch)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *OpError) Unwrap() error { return e.Err }
