// Package client is the host-side synchronous request API.
//
// Callers only ever see "got a structured result" or "got nothing": every
// failure mode underneath (no worker, crashed worker, transport error,
// worker-reported parse error) collapses to a nil result and a log line.
// The editor-integration layer above must never be taken down by a parsing
// hiccup.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/sigbridge/internal/channel"
	"github.com/mattjoyce/sigbridge/internal/envelope"
	"github.com/mattjoyce/sigbridge/internal/frame"
	"github.com/mattjoyce/sigbridge/internal/journal"
	"github.com/mattjoyce/sigbridge/internal/log"
	"github.com/mattjoyce/sigbridge/internal/supervisor"
)

// ConnSource yields the current worker connection, or nil when the worker is
// not ready. Satisfied by *supervisor.Supervisor.
type ConnSource interface {
	Conn() *channel.Conn
}

var _ ConnSource = (*supervisor.Supervisor)(nil)

// Client issues one request at a time over the supervisor's channel. The
// protocol has no request identifiers, so a response frame is always the
// answer to the most recently written request frame; the mutex enforces the
// one-outstanding-request invariant for concurrent callers.
type Client struct {
	source  ConnSource
	reg     *envelope.Registry
	logger  *slog.Logger
	journal *journal.Journal // optional

	// requestTimeout bounds the response read. Zero preserves the original
	// unbounded blocking semantics.
	requestTimeout time.Duration

	mu  sync.Mutex
	buf []byte
}

// Option configures a Client.
type Option func(*Client)

// WithRequestTimeout bounds each round trip's read. Zero or negative
// disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithJournal records request outcomes.
func WithJournal(jnl *journal.Journal) Option {
	return func(c *Client) { c.journal = jnl }
}

// New creates a Client over source.
func New(source ConnSource, reg *envelope.Registry, opts ...Option) *Client {
	c := &Client{
		source: source,
		reg:    reg,
		logger: log.WithComponent("client"),
		buf:    make([]byte, frame.DefaultBufferSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestMethodSignature asks the worker to parse signature and blocks for
// the full round trip. It returns nil, never an error or a panic, when
// anything goes wrong: worker not connected, transport failure, or a parse
// error reported by the worker.
func (c *Client) RequestMethodSignature(signature string) *envelope.MethodSignatureResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn := c.source.Conn()
	if conn == nil {
		c.logger.Debug("request skipped, worker not connected")
		c.recordRequest(signature, journal.StatusNoWorker, "")
		return nil
	}

	resp, err := c.roundTrip(conn, signature)
	if err != nil {
		c.logger.Warn("method signature request failed", "error", err)
		c.recordRequest(signature, journal.StatusError, err.Error())
		return nil
	}
	c.recordRequest(signature, journal.StatusOK, "")
	return resp
}

func (c *Client) roundTrip(conn *channel.Conn, signature string) (*envelope.MethodSignatureResponse, error) {
	body, err := c.reg.Wrap(envelope.MethodSignatureRequest{MethodSignature: signature})
	if err != nil {
		return nil, fmt.Errorf("wrap request: %w", err)
	}
	if err := frame.WriteFrame(conn, body); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	if c.requestTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.requestTimeout))
		defer conn.SetReadDeadline(time.Time{})
	}

	replyBody, err := frame.ReadFrame(conn, c.buf)
	if err != nil {
		if errors.Is(err, frame.ErrEndOfChannel) {
			return nil, fmt.Errorf("channel closed before response")
		}
		return nil, fmt.Errorf("read response: %w", err)
	}

	payload, err := c.reg.Unwrap(replyBody)
	if err != nil {
		return nil, fmt.Errorf("unwrap response: %w", err)
	}

	switch p := payload.(type) {
	case envelope.MethodSignatureResponse:
		return &p, nil
	case envelope.ErrorPayload:
		return nil, fmt.Errorf("worker error %s: %s", p.ErrorType, p.Message)
	default:
		return nil, fmt.Errorf("unexpected response payload %s", payload.Discriminator())
	}
}

// recordRequest journals a request outcome when a journal is attached.
func (c *Client) recordRequest(signature, status, detail string) {
	if c.journal == nil {
		return
	}
	if err := c.journal.RecordRequest(context.Background(), signature, status, detail); err != nil {
		c.logger.Warn("journal write failed", "error", err)
	}
}
