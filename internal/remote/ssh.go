package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const defaultSSHPort = 22

// SSHDialer opens ssh sessions and speaks SFTP over them.
type SSHDialer struct {
	User            string
	Auth            AuthStrategy
	HostKeyCallback ssh.HostKeyCallback
	Port            int
	Timeout         time.Duration
	Log             *zap.Logger
}

func (d *SSHDialer) Dial(ctx context.Context, host string) (Conn, error) {
	if d.Auth == nil {
		return nil, ErrNoAuth
	}
	if d.HostKeyCallback == nil {
		return nil, errors.New("host key callback is required")
	}
	method, err := d.Auth.AuthMethod(host)
	if err != nil {
		return nil, err
	}
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		port := d.Port
		if port == 0 {
			port = defaultSSHPort
		}
		addr = net.JoinHostPort(host, strconv.Itoa(port))
	}

	dialer := net.Dialer{Timeout: d.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, &ssh.ClientConfig{
		User:            d.User,
		Auth:            []ssh.AuthMethod{method},
		HostKeyCallback: d.HostKeyCallback,
		Timeout:         d.Timeout,
	})
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("start sftp on %s: %w", addr, err)
	}
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &sftpConn{host: host, ssh: client, sftp: sc, log: log}, nil
}

type sftpConn struct {
	host string
	ssh  io.Closer
	sftp *sftp.Client
	log  *zap.Logger
}

func (c *sftpConn) Download(ctx context.Context, remotePath, localDir string) (string, error) {
	c.log.Debug("downloading", zap.String("host", c.host), zap.String("remote", remotePath), zap.String("local", localDir))
	return downloadTree(ctx, c.sftp, remotePath, localDir)
}

func (c *sftpConn) Close() error {
	err := c.sftp.Close()
	if cerr := c.ssh.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = multierr.Append(err, cerr)
	}
	return err
}

// downloadTree copies remotePath (a file or a directory tree) to localDir/base(remotePath).
func downloadTree(ctx context.Context, client *sftp.Client, remotePath, localDir string) (string, error) {
	root := path.Clean(remotePath)
	target := filepath.Join(localDir, path.Base(root))

	walker := client.Walk(root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return "", fmt.Errorf("walk %s: %w", walker.Path(), err)
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), root), "/")
		local := filepath.Join(target, filepath.FromSlash(rel))
		info := walker.Stat()
		if info.IsDir() {
			if err := os.MkdirAll(local, 0o755); err != nil {
				return "", err
			}
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		if err := fetchFile(client, walker.Path(), local); err != nil {
			return "", err
		}
	}
	return target, nil
}

func fetchFile(client *sftp.Client, remote, local string) error {
	src, err := client.Open(remote)
	if err != nil {
		return fmt.Errorf("open remote %s: %w", remote, err)
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(local)
	if err != nil {
		return err
	}
	if _, err := src.WriteTo(dst); err != nil {
		dst.Close()
		return fmt.Errorf("download %s: %w", remote, err)
	}
	return dst.Close()
}
