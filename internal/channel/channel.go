// Package channel provides the bidirectional local byte stream connecting
// host and worker.
//
// A channel is a unix domain socket under the OS temp directory, named by an
// identifier the host generates fresh for every worker launch. The host
// listens and accepts exactly one peer; the worker dials the identifier it was
// handed on the command line. All reads and writes are blocking; there is no
// multiplexed mode.
package channel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrChannelClosed is returned by reads and writes after Close.
	ErrChannelClosed = errors.New("channel: closed")

	// ErrAcceptTimeout means no peer connected within the accept deadline.
	ErrAcceptTimeout = errors.New("channel: accept timed out")

	// ErrConnectTimeout means the dial side gave up waiting for the listener.
	ErrConnectTimeout = errors.New("channel: connect timed out")
)

// NewIdentifier returns a fresh channel identifier. Identifiers are never
// reused across worker launches.
func NewIdentifier() string {
	return "sigbridge-" + uuid.NewString()
}

// SocketPath maps a channel identifier to its socket path.
func SocketPath(id string) string {
	return filepath.Join(os.TempDir(), id+".sock")
}

// Endpoint is the host-side listening end of a channel.
type Endpoint struct {
	id string
	ln *net.UnixListener
}

// Listen allocates the host-side endpoint for id. The socket file is created
// immediately so a worker spawned afterwards can always find it.
func Listen(id string) (*Endpoint, error) {
	if id == "" {
		return nil, fmt.Errorf("channel: identifier is empty")
	}
	path := SocketPath(id)

	// A stale socket from a previous identifier collision would make Listen
	// fail; identifiers are uuid-fresh, so any leftover file is garbage.
	_ = os.Remove(path)

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("channel: resolve %s: %w", path, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("channel: listen %s: %w", path, err)
	}
	return &Endpoint{id: id, ln: ln}, nil
}

// ID returns the channel identifier.
func (e *Endpoint) ID() string { return e.id }

// AcceptConnection blocks until a peer connects, the timeout elapses, or the
// OS reports a failure. A timeout surfaces as ErrAcceptTimeout.
func (e *Endpoint) AcceptConnection(timeout time.Duration) (*Conn, error) {
	if timeout > 0 {
		if err := e.ln.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("channel: set accept deadline: %w", err)
		}
	}

	nc, err := e.ln.Accept()
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, fmt.Errorf("%w after %v", ErrAcceptTimeout, timeout)
		}
		return nil, fmt.Errorf("channel: accept: %w", err)
	}
	return newConn(e.id, nc), nil
}

// Close releases the listening socket and removes the socket file. Accepted
// connections are unaffected.
func (e *Endpoint) Close() error {
	err := e.ln.Close()
	_ = os.Remove(SocketPath(e.id))
	return err
}

// Connect is the worker-side mirror of AcceptConnection: dial the identifier
// the host created, bounded by timeout.
func Connect(id string, timeout time.Duration) (*Conn, error) {
	if id == "" {
		return nil, fmt.Errorf("channel: identifier is empty")
	}
	path := SocketPath(id)

	deadline := time.Now().Add(timeout)
	for {
		nc, err := net.DialTimeout("unix", path, time.Until(deadline))
		if err == nil {
			return newConn(id, nc), nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s after %v", ErrConnectTimeout, id, timeout)
		}
		// The host may still be between spawn and listen; retry briefly.
		time.Sleep(25 * time.Millisecond)
	}
}

// Conn is one connected end of a channel. Reads and writes block; after Close
// both fail with ErrChannelClosed.
type Conn struct {
	id string
	nc net.Conn

	mu     sync.Mutex
	closed bool
}

func newConn(id string, nc net.Conn) *Conn {
	return &Conn{id: id, nc: nc}
}

// ID returns the channel identifier this connection belongs to.
func (c *Conn) ID() string { return c.id }

// Connected reports whether the connection is still open on this side. It
// cannot observe the peer's state; a dead peer shows up as read/write errors.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *Conn) Read(p []byte) (int, error) {
	if !c.Connected() {
		return 0, ErrChannelClosed
	}
	return c.nc.Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	if !c.Connected() {
		return 0, ErrChannelClosed
	}
	return c.nc.Write(p)
}

// SetReadDeadline bounds the next Read. Zero time clears the deadline.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.nc.SetReadDeadline(t)
}

// Close shuts the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.nc.Close()
}
