package remote

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"
)

var (
	// ErrConflictingAuth is returned when both password and key authentication are requested.
	ErrConflictingAuth = errors.New("password prompt and key file are mutually exclusive")
	// ErrNoAuth is returned when no authentication strategy is configured.
	ErrNoAuth = errors.New("either a password prompt or a key file is required")
)

// AuthStrategy supplies the ssh authentication method used for a host.
type AuthStrategy interface {
	AuthMethod(host string) (ssh.AuthMethod, error)
}

// AuthConfig selects exactly one authentication strategy.
type AuthConfig struct {
	User           string
	PasswordPrompt bool
	KeyFile        string
}

func (c AuthConfig) Validate() error {
	if strings.TrimSpace(c.User) == "" {
		return errors.New("ssh user name is required")
	}
	switch {
	case c.PasswordPrompt && c.KeyFile != "":
		return ErrConflictingAuth
	case !c.PasswordPrompt && c.KeyFile == "":
		return ErrNoAuth
	}
	return nil
}

// NewAuth builds the strategy described by cfg. Password prompts read from the
// controlling terminal.
func NewAuth(cfg AuthConfig) (AuthStrategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PasswordPrompt {
		return NewPasswordAuth(TerminalPrompt(os.Stdin, os.Stderr, cfg.User)), nil
	}
	return &KeyFileAuth{Path: cfg.KeyFile}, nil
}

// KeyFileAuth authenticates with an unencrypted PEM private key.
type KeyFileAuth struct {
	Path string

	once   sync.Once
	signer ssh.Signer
	err    error
}

func (k *KeyFileAuth) AuthMethod(host string) (ssh.AuthMethod, error) {
	k.once.Do(func() {
		data, err := os.ReadFile(k.Path)
		if err != nil {
			k.err = fmt.Errorf("read key file: %w", err)
			return
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			k.err = fmt.Errorf("parse key file %s: %w", k.Path, err)
			return
		}
		k.signer = signer
	})
	if k.err != nil {
		return nil, k.err
	}
	return ssh.PublicKeys(k.signer), nil
}

// PasswordAuth asks for the password once per process and reuses it for every host.
type PasswordAuth struct {
	prompt func(host string) (string, error)

	once     sync.Once
	password string
	err      error
}

func NewPasswordAuth(prompt func(host string) (string, error)) *PasswordAuth {
	return &PasswordAuth{prompt: prompt}
}

func (p *PasswordAuth) AuthMethod(host string) (ssh.AuthMethod, error) {
	p.once.Do(func() {
		p.password, p.err = p.prompt(host)
	})
	if p.err != nil {
		return nil, fmt.Errorf("read ssh password: %w", p.err)
	}
	return ssh.Password(p.password), nil
}

// TerminalPrompt returns a prompt that reads a password without echo from in.
func TerminalPrompt(in *os.File, out io.Writer, user string) func(host string) (string, error) {
	return func(host string) (string, error) {
		fd := int(in.Fd())
		if !term.IsTerminal(fd) {
			return "", errors.New("password prompt requires an interactive terminal")
		}
		fmt.Fprintf(out, "Enter the ssh password for %s@%s: ", user, host)
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		return string(pw), nil
	}
}

// HostKeyCallback verifies hosts against a known_hosts file unless insecure is set.
func HostKeyCallback(knownHostsPath string, insecure bool) (ssh.HostKeyCallback, error) {
	if insecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if knownHostsPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		knownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", knownHostsPath, err)
	}
	return cb, nil
}
