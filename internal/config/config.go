// Package config loads the modelrun profile file and resolves settings from
// flags, profiles and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"modelrun/internal/runstore"
)

// ErrConfig marks invalid or conflicting settings.
var ErrConfig = errors.New("invalid configuration")

const (
	EnvDir     = "MODELRUN_HOME"
	EnvDBURL   = "MODELRUN_DB_URL"
	EnvProfile = "MODELRUN_PROFILE"
	EnvSSHUser = "MODELRUN_SSH_USER"

	EnvInsecureHostKey = "MODELRUN_INSECURE_IGNORE_HOST_KEY"

	EnvDBPingTimeout     = "MODELRUN_DB_PING_TIMEOUT"
	EnvDBMaxOpenConns    = "MODELRUN_DB_MAX_OPEN_CONNS"
	EnvDBMaxIdleConns    = "MODELRUN_DB_MAX_IDLE_CONNS"
	EnvDBConnMaxLifetime = "MODELRUN_DB_CONN_MAX_LIFETIME"
)

// File is the on-disk profile file: shared defaults plus named profiles.
type File struct {
	Defaults Profile            `yaml:"defaults"`
	Profiles map[string]Profile `yaml:"profiles"`

	path string
}

// Path is where the file was read from; empty when no file exists.
func (f *File) Path() string {
	if f == nil {
		return ""
	}
	return f.path
}

// Profile holds settings that would otherwise be repeated on every command line.
type Profile struct {
	DBURL           string   `yaml:"db_url"`
	LogFile         string   `yaml:"log_file"`
	ProjectPath     string   `yaml:"project_path"`
	RepoType        string   `yaml:"repo_type"`
	MirrorDir       string   `yaml:"mirror_dir"`
	CopyLocal       *bool    `yaml:"copy_local"`
	OutputDir       string   `yaml:"output_dir"`
	FilenameFilter  string   `yaml:"filename_filter"`
	FilenameFilters []string `yaml:"filename_filters"`
	LocalHostname   string   `yaml:"local_hostname"`
	SSHUser         string   `yaml:"ssh_user"`
	PemFile         string   `yaml:"pem_file"`
	PasswordPrompt  *bool    `yaml:"password_prompt"`
	KnownHosts      string   `yaml:"known_hosts"`
	Runset          string   `yaml:"runset"`
	Runner          string   `yaml:"runner"`
}

// Patterns returns the configured filename filters, single form last.
func (p Profile) Patterns() []string {
	return normalizePatternList(p.FilenameFilter, p.FilenameFilters)
}

// merge overlays the non-empty fields of o onto p.
func (p Profile) merge(o Profile) Profile {
	str := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	str(&p.DBURL, o.DBURL)
	str(&p.LogFile, o.LogFile)
	str(&p.ProjectPath, o.ProjectPath)
	str(&p.RepoType, o.RepoType)
	str(&p.MirrorDir, o.MirrorDir)
	str(&p.OutputDir, o.OutputDir)
	str(&p.LocalHostname, o.LocalHostname)
	str(&p.SSHUser, o.SSHUser)
	str(&p.PemFile, o.PemFile)
	str(&p.KnownHosts, o.KnownHosts)
	str(&p.Runset, o.Runset)
	str(&p.Runner, o.Runner)
	if o.CopyLocal != nil {
		p.CopyLocal = o.CopyLocal
	}
	if o.PasswordPrompt != nil {
		p.PasswordPrompt = o.PasswordPrompt
	}
	if pats := o.Patterns(); len(pats) > 0 {
		p.FilenameFilter = ""
		p.FilenameFilters = pats
	}
	return p
}

// Resolve returns the defaults overlaid with the named profile. An empty name
// returns the defaults alone.
func (f *File) Resolve(name string) (Profile, error) {
	if f == nil {
		if name != "" {
			return Profile{}, fmt.Errorf("%w: profile %q requested but no config file found in %s", ErrConfig, name, pathHint())
		}
		return Profile{}, nil
	}
	if name == "" {
		return f.Defaults, nil
	}
	p, ok := f.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: profile %q not found in %s", ErrConfig, name, f.path)
	}
	return f.Defaults.merge(p), nil
}

// Dir is the modelrun state directory, ~/.modelrun unless MODELRUN_HOME is set.
// It is created if missing.
func Dir() (string, error) {
	dir := os.Getenv(EnvDir)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".modelrun")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func defaultPaths() ([]string, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	return []string{
		filepath.Join(dir, "config.yaml"),
		filepath.Join(dir, "config.yml"),
		filepath.Join(dir, "config.json"),
	}, nil
}

func pathHint() string {
	dir, err := Dir()
	if err != nil {
		return "~/.modelrun/config.(yaml|json)"
	}
	return fmt.Sprintf("%s/config.(yaml|json)", dir)
}

// Load reads the profile file at path, or the first default location that
// exists when path is empty. It returns nil, nil when no default file exists.
func Load(path string) (*File, error) {
	if path != "" {
		expanded, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(expanded)
		if err != nil {
			return nil, err
		}
		return parse(data, expanded)
	}
	paths, err := defaultPaths()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		return parse(data, p)
	}
	return nil, nil
}

// parse accepts YAML or JSON; JSON documents are valid YAML.
func parse(data []byte, path string) (*File, error) {
	f := &File{Profiles: make(map[string]Profile), path: path}
	if len(bytes.TrimSpace(data)) == 0 {
		return f, nil
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if f.Profiles == nil {
		f.Profiles = make(map[string]Profile)
	}
	return f, nil
}

// DefaultDBURL is the SQLite database inside Dir.
func DefaultDBURL() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "runs.db"), nil
}

// Database builds the run store settings. The URL is the first non-empty of
// flagURL, the profile, MODELRUN_DB_URL and the default SQLite file. Pool
// tuning comes from the environment.
func Database(flagURL string, p Profile) (runstore.Config, error) {
	url := FirstNonEmpty(flagURL, p.DBURL, os.Getenv(EnvDBURL))
	if url == "" {
		var err error
		if url, err = DefaultDBURL(); err != nil {
			return runstore.Config{}, err
		}
	} else if !strings.Contains(url, "://") && !strings.HasPrefix(url, "file:") {
		expanded, err := ExpandPath(url)
		if err != nil {
			return runstore.Config{}, err
		}
		url = expanded
	}

	cfg := runstore.Config{URL: url}
	var err error
	if cfg.PingTimeout, err = EnvDuration(EnvDBPingTimeout, 5*time.Second); err != nil {
		return runstore.Config{}, err
	}
	if cfg.MaxOpenConns, err = EnvInt(EnvDBMaxOpenConns, 4); err != nil {
		return runstore.Config{}, err
	}
	if cfg.MaxIdleConns, err = EnvInt(EnvDBMaxIdleConns, 2); err != nil {
		return runstore.Config{}, err
	}
	if cfg.ConnMaxLifetime, err = EnvDuration(EnvDBConnMaxLifetime, 30*time.Minute); err != nil {
		return runstore.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return runstore.Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return cfg, nil
}

// ExpandPath resolves a leading ~ and makes p absolute.
func ExpandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		rest := strings.TrimPrefix(strings.TrimPrefix(p, "~"), "/")
		p = filepath.Join(home, rest)
	}
	return filepath.Abs(p)
}

func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func normalizePatternList(single string, list []string) []string {
	var res []string
	for _, p := range list {
		p = strings.TrimSpace(p)
		if p != "" {
			res = append(res, p)
		}
	}
	if s := strings.TrimSpace(single); s != "" {
		res = append(res, s)
	}
	return res
}
