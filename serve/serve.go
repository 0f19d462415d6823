// Copyright (C) 2025 Arun Grover. All Rights Reserved.

// Package serve implements the answering side of the batch protocol: a
// Handler answers one request, a Mux routes requests to handlers by request
// type, and Loop services the connections accepted from a listener.
package serve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/arungrover/pbspro/batch"
	"github.com/arungrover/pbspro/transport"
	"github.com/arungrover/pbspro/wire"
	"github.com/creachadair/taskgroup"
)

// A Handler answers a single batch request. Returning a nil reply with a
// nil error reports plain success. An error carrying a *batch.Error in its
// chain is reported to the requester with that code; any other error is
// reported as CodeSystem.
type Handler func(ctx context.Context, req *batch.Request) (*batch.Reply, error)

// A Mux routes requests to handlers registered by request type. Its Serve
// method is itself a Handler. Use NewMux to construct one; the zero value
// is not ready for use.
type Mux struct {
	μ        sync.Mutex
	handler  map[batch.ReqType]Handler
	fallback Handler
}

// NewMux constructs an empty Mux. Until handlers are registered, every
// request is answered by the default fallback, which reports
// CodeBadRequest.
func NewMux() *Mux {
	return &Mux{handler: make(map[batch.ReqType]Handler), fallback: rejectRequest}
}

func rejectRequest(_ context.Context, req *batch.Request) (*batch.Reply, error) {
	return nil, batch.Errorf(batch.CodeBadRequest, "no handler for %v request", req.Type)
}

// Handle registers h to answer requests of type t, replacing any existing
// registration for t. If h == nil the registration is removed. It returns
// m to permit chaining.
func (m *Mux) Handle(t batch.ReqType, h Handler) *Mux {
	m.μ.Lock()
	defer m.μ.Unlock()
	if h == nil {
		delete(m.handler, t)
	} else {
		m.handler[t] = h
	}
	return m
}

// Fallback registers h to answer requests whose type has no registered
// handler. If h == nil the default rejecting fallback is restored. It
// returns m to permit chaining.
func (m *Mux) Fallback(h Handler) *Mux {
	m.μ.Lock()
	defer m.μ.Unlock()
	if h == nil {
		h = rejectRequest
	}
	m.fallback = h
	return m
}

// Serve routes req to the handler registered for its type.
func (m *Mux) Serve(ctx context.Context, req *batch.Request) (*batch.Reply, error) {
	m.μ.Lock()
	h, ok := m.handler[req.Type]
	if !ok {
		h = m.fallback
	}
	m.μ.Unlock()
	return h(ctx, req)
}

// ServeConn answers the requests arriving on conn in order, dispatching
// each to h, until the connection closes or ctx ends. Every reply frame
// echoes the correlation id of the request it answers, so ServeConn
// services direct connections and multiplexed links alike. The connection
// is closed before ServeConn returns.
//
// A connection closed by the remote end, or closed because ctx ended, is a
// normal termination and reports nil.
func ServeConn(ctx context.Context, conn transport.Conn, h Handler) error {
	defer conn.Close()
	for {
		f, err := conn.Recv()
		if err != nil {
			if isClosed(err) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive request: %w", err)
		}
		out, err := answer(ctx, f, h)
		if err != nil {
			return fmt.Errorf("encode reply: %w", err)
		}
		if err := conn.Send(out); err != nil {
			if isClosed(err) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("send reply: %w", err)
		}
	}
}

// isClosed reports whether err indicates an orderly connection close.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// answer builds the reply frame for request frame f.
func answer(ctx context.Context, f *wire.Frame, h Handler) (*wire.Frame, error) {
	out, err := wire.PutReply(serveFrame(ctx, f, h))
	if err != nil {
		return nil, err
	}
	out.ID = f.ID
	return out, nil
}

// serveFrame decodes f, dispatches the request to h, and folds the outcome
// into a single reply. Sentinel codes never appear on the wire, so handler
// errors that carry no protocol code map to CodeSystem.
func serveFrame(ctx context.Context, f *wire.Frame, h Handler) *batch.Reply {
	req, err := wire.ReadRequest(f)
	if err != nil {
		return &batch.Reply{Code: batch.CodeBadRequest, Text: err.Error()}
	}
	rep, err := h(ctx, req)
	if err != nil {
		code, text := batch.CodeOf(err), err.Error()
		var berr *batch.Error
		if errors.As(err, &berr) {
			text = berr.Msg
		}
		if code <= batch.CodeOK {
			code = batch.CodeSystem
		}
		return &batch.Reply{Code: code, Text: text}
	}
	if rep == nil {
		rep = &batch.Reply{Code: batch.CodeOK}
	}
	return rep
}

// Loop accepts connections from lst and serves each one with h in its own
// goroutine. Loop continues until lst closes or ctx ends.
//
// When ctx ends, the listener and all open connections are closed. When
// lst closes, Loop waits for the open connections to finish before
// returning.
func Loop(ctx context.Context, lst transport.Listener, h Handler) error {
	// A stream listener does not interrupt a pending Accept when ctx ends,
	// so simulate it by closing the listener. The ok channel releases the
	// watcher when Loop returns before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			lst.Close()
		case <-ok:
			// release the watcher
		}
		return nil
	})

	g := taskgroup.New(nil)
	for {
		conn, err := lst.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				err = nil
			} else {
				err = fmt.Errorf("accept: %w", err)
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			go func() { <-sctx.Done(); conn.Close() }()
			return ServeConn(sctx, conn, h)
		})
	}
}
