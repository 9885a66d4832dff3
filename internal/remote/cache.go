// Package remote moves run output off other machines over pooled ssh connections.
package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Conn is an open, authenticated session to one host.
type Conn interface {
	// Download copies the remote file or directory tree at remotePath into
	// localDir and returns the local path of the copy (localDir/base(remotePath)).
	Download(ctx context.Context, remotePath, localDir string) (string, error)
	Close() error
}

// Dialer opens a new connection to host.
type Dialer interface {
	Dial(ctx context.Context, host string) (Conn, error)
}

// Cache memoises one connection per host. Concurrent Gets for the same host
// share a single dial.
type Cache struct {
	dialer Dialer
	log    *zap.Logger

	group singleflight.Group
	mu    sync.Mutex
	conns map[string]Conn
}

func NewCache(dialer Dialer, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{dialer: dialer, log: log, conns: make(map[string]Conn)}
}

func (c *Cache) lookup(host string) (Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[host]
	return conn, ok
}

// Get returns the connection for host, dialing it on first use.
func (c *Cache) Get(ctx context.Context, host string) (Conn, error) {
	if conn, ok := c.lookup(host); ok {
		return conn, nil
	}
	v, err, _ := c.group.Do(host, func() (any, error) {
		// A previous flight may have finished between lookup and Do.
		if conn, ok := c.lookup(host); ok {
			return conn, nil
		}
		c.log.Info("opening ssh connection", zap.String("host", host))
		conn, err := c.dialer.Dial(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", host, err)
		}
		c.mu.Lock()
		c.conns[host] = conn
		c.mu.Unlock()
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Conn), nil
}

// Hosts lists the hosts with an open connection.
func (c *Cache) Hosts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	hosts := make([]string, 0, len(c.conns))
	for h := range c.conns {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// CloseAll closes every cached connection, even when some fail to close. Each
// failure is logged and the combined error returned; the cache is empty afterwards.
func (c *Cache) CloseAll() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]Conn)
	c.mu.Unlock()

	var errs error
	for host, conn := range conns {
		if err := conn.Close(); err != nil {
			c.log.Warn("error closing ssh connection", zap.String("host", host), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", host, err))
			continue
		}
		c.log.Debug("closed ssh connection", zap.String("host", host))
	}
	return errs
}
