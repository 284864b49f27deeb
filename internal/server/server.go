// Package server implements the worker-side message loop: read a frame,
// unwrap, dispatch, reply. Strictly sequential: one request is processed
// fully before the next frame is read, which is all the protocol allows.
package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"

	"github.com/mattjoyce/sigbridge/internal/envelope"
	"github.com/mattjoyce/sigbridge/internal/frame"
	"github.com/mattjoyce/sigbridge/internal/log"
	"github.com/mattjoyce/sigbridge/internal/parser"
)

// Parser is the parsing collaborator the loop dispatches requests to.
//
//go:generate mockgen -source=server.go -destination=mocks/mock_parser.go -package=mocks Parser
type Parser interface {
	ParseMethodSignature(signature string) (*parser.Signature, error)
}

// Loop runs the request/response cycle for the lifetime of one channel.
type Loop struct {
	conn   io.ReadWriteCloser
	reg    *envelope.Registry
	parser Parser
	logger *slog.Logger
	codec  *frame.Codec
}

// NewLoop creates a Loop over conn.
func NewLoop(conn io.ReadWriteCloser, reg *envelope.Registry, p Parser) *Loop {
	return &Loop{
		conn:   conn,
		reg:    reg,
		parser: p,
		logger: log.WithComponent("server"),
		codec:  frame.NewCodec(conn),
	}
}

// Run processes requests until the channel closes. It returns nil on a clean
// end-of-channel (the host closed the channel; exit 0) and an error when a
// reply can no longer be written (the channel is severed; the host's
// supervisor will observe the exit and restart).
func (l *Loop) Run() error {
	l.logger.Info("message loop started")
	defer l.logger.Info("message loop stopped")

	for {
		body, err := l.codec.Read()
		if err != nil {
			if errors.Is(err, frame.ErrEndOfChannel) {
				return nil
			}
			// A torn read means the channel is unusable; same terminal
			// handling as a write failure.
			_ = l.conn.Close()
			return fmt.Errorf("server: read request: %w", err)
		}

		reply := l.dispatch(body)

		replyBody, err := l.reg.Wrap(reply)
		if err != nil {
			// Only reachable if the reply variant is unregistered, which is
			// a programming error; the host is still owed a response.
			l.logger.Error("wrap reply failed", "error", err)
			replyBody, err = l.reg.Wrap(envelope.ErrorPayload{
				ErrorType: "InternalError",
				Message:   err.Error(),
			})
			if err != nil {
				_ = l.conn.Close()
				return fmt.Errorf("server: wrap reply: %w", err)
			}
		}

		if err := l.codec.Write(replyBody); err != nil {
			_ = l.conn.Close()
			return fmt.Errorf("server: write reply: %w", err)
		}
	}
}

// dispatch decodes one envelope body and produces the reply payload. Failures
// here are per-request: the loop always keeps going.
func (l *Loop) dispatch(body []byte) envelope.Payload {
	payload, err := l.reg.Unwrap(body)
	if err != nil {
		l.logger.Warn("undecodable request", "error", err)
		return envelope.ErrorPayload{
			ErrorType: "UnknownMessageType",
			Message:   err.Error(),
		}
	}

	switch p := payload.(type) {
	case envelope.MethodSignatureRequest:
		return l.parse(p.MethodSignature)
	default:
		l.logger.Warn("unsupported request payload", "discriminator", payload.Discriminator().String())
		return envelope.ErrorPayload{
			ErrorType: "UnsupportedMessageType",
			Message:   fmt.Sprintf("cannot handle %s payload", payload.Discriminator()),
		}
	}
}

// parse invokes the collaborator, converting errors and panics into error
// payloads so a bad signature never terminates the loop.
func (l *Loop) parse(signature string) (reply envelope.Payload) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("parser panicked", "panic", r)
			reply = envelope.ErrorPayload{
				ErrorType:  "ParserPanic",
				Message:    fmt.Sprint(r),
				StackTrace: string(debug.Stack()),
			}
		}
	}()

	sig, err := l.parser.ParseMethodSignature(signature)
	if err != nil {
		errType := "ParseError"
		var perr *parser.Error
		if errors.As(err, &perr) {
			errType = perr.Kind
		}
		l.logger.Debug("signature rejected", "error", err)
		return envelope.ErrorPayload{
			ErrorType: errType,
			Message:   err.Error(),
		}
	}

	return envelope.MethodSignatureResponse{
		Name:               sig.Name,
		ParameterNames:     sig.ParameterNames,
		TypeParameterNames: sig.TypeParameterNames,
		HasReturnType:      sig.HasReturnType,
	}
}
