package remote

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubConn struct {
	host     string
	closeErr error
	closed   atomic.Int32
}

func (c *stubConn) Download(ctx context.Context, remotePath, localDir string) (string, error) {
	return localDir, nil
}

func (c *stubConn) Close() error {
	c.closed.Add(1)
	return c.closeErr
}

type stubDialer struct {
	mu       sync.Mutex
	dials    map[string]int
	conns    []*stubConn
	delay    time.Duration
	closeErr map[string]error
	dialErr  error
}

func (d *stubDialer) Dial(ctx context.Context, host string) (Conn, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dials == nil {
		d.dials = make(map[string]int)
	}
	d.dials[host]++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	conn := &stubConn{host: host, closeErr: d.closeErr[host]}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func TestCacheReusesConnectionPerHost(t *testing.T) {
	dialer := &stubDialer{}
	cache := NewCache(dialer, zap.NewNop())
	ctx := context.Background()

	a1, err := cache.Get(ctx, "hpc1")
	require.NoError(t, err)
	a2, err := cache.Get(ctx, "hpc1")
	require.NoError(t, err)
	b, err := cache.Get(ctx, "hpc2")
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, b)
	assert.Equal(t, map[string]int{"hpc1": 1, "hpc2": 1}, dialer.dials)
	assert.Equal(t, []string{"hpc1", "hpc2"}, cache.Hosts())
}

func TestCacheConcurrentGetDialsOnce(t *testing.T) {
	dialer := &stubDialer{delay: 20 * time.Millisecond}
	cache := NewCache(dialer, zap.NewNop())

	var wg sync.WaitGroup
	results := make([]Conn, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := cache.Get(context.Background(), "hpc1")
			assert.NoError(t, err)
			results[i] = conn
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, dialer.dials["hpc1"])
	for _, conn := range results {
		assert.Same(t, results[0], conn)
	}
}

func TestCacheDialFailureIsNotCached(t *testing.T) {
	dialer := &stubDialer{dialErr: errors.New("connection refused")}
	cache := NewCache(dialer, zap.NewNop())

	_, err := cache.Get(context.Background(), "hpc1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to hpc1")
	assert.Empty(t, cache.Hosts())

	dialer.dialErr = nil
	_, err = cache.Get(context.Background(), "hpc1")
	require.NoError(t, err)
	assert.Equal(t, 2, dialer.dials["hpc1"])
}

func TestCloseAllClosesEveryConnection(t *testing.T) {
	dialer := &stubDialer{closeErr: map[string]error{"hpc1": errors.New("broken pipe")}}
	cache := NewCache(dialer, zap.NewNop())
	for _, host := range []string{"hpc1", "hpc2", "hpc3"} {
		_, err := cache.Get(context.Background(), host)
		require.NoError(t, err)
	}

	err := cache.CloseAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
	for _, conn := range dialer.conns {
		assert.EqualValues(t, 1, conn.closed.Load(), conn.host)
	}

	// A second pass has nothing left to close.
	require.NoError(t, cache.CloseAll())
	for _, conn := range dialer.conns {
		assert.EqualValues(t, 1, conn.closed.Load(), conn.host)
	}
}
