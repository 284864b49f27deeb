package client

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sigbridge/internal/channel"
	"github.com/mattjoyce/sigbridge/internal/envelope"
	"github.com/mattjoyce/sigbridge/internal/journal"
	"github.com/mattjoyce/sigbridge/internal/parser"
	"github.com/mattjoyce/sigbridge/internal/server"
)

// staticSource hands out a fixed connection (or nil).
type staticSource struct {
	conn *channel.Conn
}

func (s *staticSource) Conn() *channel.Conn { return s.conn }

// startWorkerLoop wires a real server loop to the worker end of a live
// channel pair and returns the host end.
func startWorkerLoop(t *testing.T) *channel.Conn {
	t.Helper()
	id := channel.NewIdentifier()
	ep, err := channel.Listen(id)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ep.Close() })

	accepted := make(chan *channel.Conn, 1)
	go func() {
		c, err := ep.AcceptConnection(2 * time.Second)
		if err == nil {
			accepted <- c
		}
	}()

	workerConn, err := channel.Connect(id, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = workerConn.Close() })

	loop := server.NewLoop(workerConn, envelope.NewDefaultRegistry(), parser.New())
	go func() { _ = loop.Run() }()

	select {
	case hostConn := <-accepted:
		t.Cleanup(func() { _ = hostConn.Close() })
		return hostConn
	case <-time.After(2 * time.Second):
		t.Fatal("worker never connected")
		return nil
	}
}

func TestRequestWithoutWorkerReturnsNil(t *testing.T) {
	c := New(&staticSource{conn: nil}, envelope.NewDefaultRegistry())

	start := time.Now()
	resp := c.RequestMethodSignature("action Foo()")
	assert.Nil(t, resp)
	assert.Less(t, time.Since(start), time.Second, "must not block while disconnected")
}

func TestRequestRoundTrip(t *testing.T) {
	hostConn := startWorkerLoop(t)
	c := New(&staticSource{conn: hostConn}, envelope.NewDefaultRegistry())

	resp := c.RequestMethodSignature("operation Foo (a : Int) : Unit { }")
	require.NotNil(t, resp)
	assert.Equal(t, "Foo", resp.Name)
	assert.Equal(t, []string{"a"}, resp.ParameterNames)
	assert.Empty(t, resp.TypeParameterNames)
	assert.False(t, resp.HasReturnType)
}

func TestRejectedSignatureCollapsesToNil(t *testing.T) {
	hostConn := startWorkerLoop(t)
	c := New(&staticSource{conn: hostConn}, envelope.NewDefaultRegistry())

	assert.Nil(t, c.RequestMethodSignature("garbage input"))

	// The per-request failure leaves the channel usable.
	resp := c.RequestMethodSignature("action Add(a : Integer, b : Integer) : Integer")
	require.NotNil(t, resp)
	assert.Equal(t, "Add", resp.Name)
	assert.Equal(t, []string{"a", "b"}, resp.ParameterNames)
	assert.True(t, resp.HasReturnType)
}

func TestDeadConnectionReturnsNil(t *testing.T) {
	hostConn := startWorkerLoop(t)
	require.NoError(t, hostConn.Close())

	c := New(&staticSource{conn: hostConn}, envelope.NewDefaultRegistry())
	assert.Nil(t, c.RequestMethodSignature("action Foo()"))
}

func TestRequestOutcomesAreJournaled(t *testing.T) {
	ctx := context.Background()
	jnl, err := journal.Open(ctx, filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer jnl.Close()

	hostConn := startWorkerLoop(t)
	c := New(&staticSource{conn: hostConn}, envelope.NewDefaultRegistry(), WithJournal(jnl))

	require.NotNil(t, c.RequestMethodSignature("action Ok()"))
	assert.Nil(t, c.RequestMethodSignature("nope"))

	records, err := jnl.RecentRequests(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, journal.StatusError, records[0].Status)
	assert.Equal(t, journal.StatusOK, records[1].Status)
}

func TestRequestTimeoutOptionBoundsRead(t *testing.T) {
	// A live channel with no worker loop on the other side never answers;
	// the optional request timeout turns that into a nil result instead of a
	// hang.
	id := channel.NewIdentifier()
	ep, err := channel.Listen(id)
	require.NoError(t, err)
	defer ep.Close()

	accepted := make(chan *channel.Conn, 1)
	go func() {
		c, err := ep.AcceptConnection(2 * time.Second)
		if err == nil {
			accepted <- c
		}
	}()
	silentPeer, err := channel.Connect(id, 2*time.Second)
	require.NoError(t, err)
	defer silentPeer.Close()
	hostConn := <-accepted
	defer hostConn.Close()

	c := New(&staticSource{conn: hostConn}, envelope.NewDefaultRegistry(),
		WithRequestTimeout(200*time.Millisecond))

	start := time.Now()
	assert.Nil(t, c.RequestMethodSignature("action Slow()"))
	assert.Less(t, time.Since(start), 2*time.Second)
}
