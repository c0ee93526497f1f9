package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factgraph/factgraph/internal/config"
)

// fakeConn is a scripted Conn for pool and migration tests.
type fakeConn struct {
	id      string
	handler func(sql string, vars map[string]any) ([]Result, error)

	mu      sync.Mutex
	closed  bool
	queries []string
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Query(_ context.Context, sql string, vars map[string]any) ([]Result, error) {
	c.mu.Lock()
	c.queries = append(c.queries, sql)
	c.mu.Unlock()
	if c.handler != nil {
		return c.handler(sql, vars)
	}
	return []Result{{Status: "OK"}}, nil
}

func (c *fakeConn) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func testPoolConfig(size int, acquireTimeout time.Duration) config.SurrealDBConfig {
	return config.SurrealDBConfig{
		URL:                "ws://localhost:8000/rpc",
		Namespace:          "knowledge",
		Database:           "facts",
		Username:           "root",
		Password:           "root",
		PoolSize:           size,
		AcquireTimeout:     acquireTimeout,
		EmbeddingDimension: 8,
	}
}

// fakeDialer returns a DialFunc producing fakeConns and a slice that tracks
// every connection handed out, in dial order.
func fakeDialer(handler func(sql string, vars map[string]any) ([]Result, error)) (DialFunc, *[]*fakeConn) {
	var mu sync.Mutex
	conns := &[]*fakeConn{}
	dial := func(_ context.Context) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		c := &fakeConn{id: fmt.Sprintf("conn-%d", len(*conns)), handler: handler}
		*conns = append(*conns, c)
		return c, nil
	}
	return dial, conns
}

func TestPoolInitCreatesPoolSizeConnections(t *testing.T) {
	dial, conns := fakeDialer(nil)
	pool := NewPoolWithDialer(testPoolConfig(5, time.Second), dial)

	require.NoError(t, pool.Init(context.Background()))
	assert.Equal(t, 5, len(*conns))
	assert.Equal(t, 5, pool.Idle())
	assert.Equal(t, 5, pool.Size())
}

func TestPoolInitIsIdempotent(t *testing.T) {
	dial, conns := fakeDialer(nil)
	pool := NewPoolWithDialer(testPoolConfig(3, time.Second), dial)

	require.NoError(t, pool.Init(context.Background()))
	require.NoError(t, pool.Init(context.Background()))
	assert.Equal(t, 3, len(*conns), "second Init must not dial again")
}

func TestPoolInitRollsBackOnDialFailure(t *testing.T) {
	var created []*fakeConn
	dialErr := errors.New("connection refused")
	dial := func(_ context.Context) (Conn, error) {
		if len(created) == 2 {
			return nil, dialErr
		}
		c := &fakeConn{id: fmt.Sprintf("conn-%d", len(created))}
		created = append(created, c)
		return c, nil
	}

	pool := NewPoolWithDialer(testPoolConfig(5, time.Second), dial)
	err := pool.Init(context.Background())
	require.ErrorIs(t, err, dialErr)

	require.Len(t, created, 2)
	for _, c := range created {
		assert.True(t, c.isClosed(), "rollback must close %s", c.ID())
	}

	_, _, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestAcquireBeforeInit(t *testing.T) {
	dial, _ := fakeDialer(nil)
	pool := NewPoolWithDialer(testPoolConfig(2, time.Second), dial)

	_, _, err := pool.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestAcquireNeverExceedsPoolSize(t *testing.T) {
	const size = 4
	const workers = 20

	dial, _ := fakeDialer(nil)
	pool := NewPoolWithDialer(testPoolConfig(size, 5*time.Second), dial)
	require.NoError(t, pool.Init(context.Background()))

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pool.WithConn(context.Background(), func(Conn) error {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				current.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(size))
	assert.Equal(t, size, pool.Idle(), "all connections returned")
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	dial, _ := fakeDialer(nil)
	pool := NewPoolWithDialer(testPoolConfig(1, 100*time.Millisecond), dial)
	require.NoError(t, pool.Init(context.Background()))

	_, release, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	start := time.Now()
	_, _, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrAcquireTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 0, pool.Idle(), "timed-out acquire must not disturb the idle set")

	release()
	assert.Equal(t, 1, pool.Idle())
}

func TestAcquireWaitsForRelease(t *testing.T) {
	dial, _ := fakeDialer(nil)
	pool := NewPoolWithDialer(testPoolConfig(1, 200*time.Millisecond), dial)
	require.NoError(t, pool.Init(context.Background()))

	conn, release, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		release()
	}()

	got, release2, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer release2()
	assert.Equal(t, conn.ID(), got.ID(), "the single connection is handed over")
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	dial, _ := fakeDialer(nil)
	pool := NewPoolWithDialer(testPoolConfig(1, 5*time.Second), dial)
	require.NoError(t, pool.Init(context.Background()))

	_, release, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseIsIdempotent(t *testing.T) {
	dial, _ := fakeDialer(nil)
	pool := NewPoolWithDialer(testPoolConfig(2, time.Second), dial)
	require.NoError(t, pool.Init(context.Background()))

	_, release, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	release()
	release()
	assert.Equal(t, 2, pool.Idle(), "double release must not duplicate the connection")
}

func TestWithConnReleasesOnError(t *testing.T) {
	dial, _ := fakeDialer(nil)
	pool := NewPoolWithDialer(testPoolConfig(1, time.Second), dial)
	require.NoError(t, pool.Init(context.Background()))

	sentinel := errors.New("boom")
	err := pool.WithConn(context.Background(), func(Conn) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, pool.Idle())
}

func TestWithConnReleasesOnPanic(t *testing.T) {
	dial, _ := fakeDialer(nil)
	pool := NewPoolWithDialer(testPoolConfig(1, time.Second), dial)
	require.NoError(t, pool.Init(context.Background()))

	assert.Panics(t, func() {
		_ = pool.WithConn(context.Background(), func(Conn) error { panic("boom") })
	})
	assert.Equal(t, 1, pool.Idle())
}

func TestCloseDrainsIdleConnections(t *testing.T) {
	dial, conns := fakeDialer(nil)
	pool := NewPoolWithDialer(testPoolConfig(3, time.Second), dial)
	require.NoError(t, pool.Init(context.Background()))

	require.NoError(t, pool.Close(context.Background()))
	assert.Equal(t, 0, pool.Idle())
	for _, c := range *conns {
		assert.True(t, c.isClosed(), "%s must be closed", c.ID())
	}

	_, _, err := pool.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestReleaseAfterCloseClosesConnection(t *testing.T) {
	dial, conns := fakeDialer(nil)
	pool := NewPoolWithDialer(testPoolConfig(2, time.Second), dial)
	require.NoError(t, pool.Init(context.Background()))

	conn, release, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, pool.Close(context.Background()))
	release()

	assert.Equal(t, 0, pool.Idle(), "late release must not repopulate a closed pool")
	for _, c := range *conns {
		if c.ID() == conn.ID() {
			assert.True(t, c.isClosed(), "connection returned after close must be closed")
		}
	}
}

func TestExecuteSchemaPassesStatementThrough(t *testing.T) {
	var gotSQL string
	var gotVars map[string]any
	dial, _ := fakeDialer(func(sql string, vars map[string]any) ([]Result, error) {
		gotSQL = sql
		gotVars = vars
		return []Result{{Status: "OK", Rows: []map[string]any{{"n": int64(1)}}}}, nil
	})
	pool := NewPoolWithDialer(testPoolConfig(1, time.Second), dial)
	require.NoError(t, pool.Init(context.Background()))

	results, err := pool.ExecuteSchema(context.Background(),
		"SELECT * FROM facts WHERE id = $id;", map[string]any{"id": "facts:1"})
	require.NoError(t, err)

	assert.Equal(t, "SELECT * FROM facts WHERE id = $id;", gotSQL)
	assert.Equal(t, map[string]any{"id": "facts:1"}, gotVars)
	require.Len(t, results, 1)
	assert.Equal(t, "OK", results[0].Status)
	assert.Equal(t, 1, pool.Idle(), "connection released after execute")
}

func TestPingRunsRoundTrip(t *testing.T) {
	dial, _ := fakeDialer(nil)
	pool := NewPoolWithDialer(testPoolConfig(1, time.Second), dial)
	require.NoError(t, pool.Init(context.Background()))

	assert.NoError(t, pool.Ping(context.Background()))

	require.NoError(t, pool.Close(context.Background()))
	assert.ErrorIs(t, pool.Ping(context.Background()), ErrNotInitialized)
}
