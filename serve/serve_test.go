// Copyright (C) 2025 Arun Grover. All Rights Reserved.

package serve_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"testing/synctest"
	"time"

	"github.com/arungrover/pbspro/batch"
	"github.com/arungrover/pbspro/serve"
	"github.com/arungrover/pbspro/transport"
	"github.com/arungrover/pbspro/wire"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
)

func deleteHandler(_ context.Context, req *batch.Request) (*batch.Reply, error) {
	return &batch.Reply{Code: batch.CodeOK, Text: "deleted " + req.JobID}, nil
}

// mustPut encodes req with put and stamps the frame with id.
func mustPut(t *testing.T, put func(*batch.Request) (*wire.Frame, error), req *batch.Request, id string) *wire.Frame {
	t.Helper()
	f, err := put(req)
	if err != nil {
		t.Fatalf("encode %v request: %v", req.Type, err)
	}
	f.ID = id
	return f
}

func TestMux(t *testing.T) {
	mux := serve.NewMux().
		Handle(batch.TypeDeleteJob, deleteHandler).
		Handle(batch.TypeSignalJob, func(context.Context, *batch.Request) (*batch.Reply, error) {
			return nil, errors.New("signal queue jammed")
		})
	ctx := t.Context()

	t.Run("Registered", func(t *testing.T) {
		rep, err := mux.Serve(ctx, batch.New(batch.TypeDeleteJob, "17.svr1"))
		if err != nil {
			t.Fatalf("Serve: unexpected error: %v", err)
		}
		if rep.Code != batch.CodeOK || rep.Text != "deleted 17.svr1" {
			t.Errorf("Serve: got (%v, %q), want (%v, %q)", rep.Code, rep.Text, batch.CodeOK, "deleted 17.svr1")
		}
	})
	t.Run("HandlerError", func(t *testing.T) {
		rep, err := mux.Serve(ctx, batch.New(batch.TypeSignalJob, "17.svr1"))
		if err == nil {
			t.Fatalf("Serve: got %+v, want error", rep)
		}
		if got, want := err.Error(), "signal queue jammed"; got != want {
			t.Errorf("Serve: got error %q, want %q", got, want)
		}
	})
	t.Run("Fallback", func(t *testing.T) {
		rep, err := mux.Serve(ctx, batch.New(batch.TypeRerunJob, "17.svr1"))
		if err == nil {
			t.Fatalf("Serve: got %+v, want error", rep)
		}
		if got := batch.CodeOf(err); got != batch.CodeBadRequest {
			t.Errorf("Serve: got code %v, want %v", got, batch.CodeBadRequest)
		}
	})
	t.Run("CustomFallback", func(t *testing.T) {
		mux := serve.NewMux().Fallback(func(_ context.Context, req *batch.Request) (*batch.Reply, error) {
			return &batch.Reply{Code: batch.CodeOK, Text: "caught " + req.Type.String()}, nil
		})
		rep, err := mux.Serve(ctx, batch.New(batch.TypeRerunJob, "17.svr1"))
		if err != nil {
			t.Fatalf("Serve: unexpected error: %v", err)
		}
		if want := "caught RerunJob"; rep.Text != want {
			t.Errorf("Serve: got text %q, want %q", rep.Text, want)
		}

		// Restoring the default fallback rejects the request again.
		mux.Fallback(nil)
		if rep, err := mux.Serve(ctx, batch.New(batch.TypeRerunJob, "17.svr1")); err == nil {
			t.Errorf("Serve: got %+v, want error", rep)
		}
	})
	t.Run("Remove", func(t *testing.T) {
		mux := serve.NewMux().Handle(batch.TypeDeleteJob, deleteHandler)
		if _, err := mux.Serve(ctx, batch.New(batch.TypeDeleteJob, "2.svr1")); err != nil {
			t.Fatalf("Serve: unexpected error: %v", err)
		}
		mux.Handle(batch.TypeDeleteJob, nil)
		if rep, err := mux.Serve(ctx, batch.New(batch.TypeDeleteJob, "2.svr1")); err == nil {
			t.Errorf("Serve: got %+v, want error", rep)
		}
	})
}

func TestServeConn(t *testing.T) {
	defer leaktest.Check(t)()

	mux := serve.NewMux().
		Handle(batch.TypeDeleteJob, deleteHandler).
		Handle(batch.TypeSignalJob, func(context.Context, *batch.Request) (*batch.Reply, error) {
			return nil, errors.New("signal queue jammed")
		}).
		Handle(batch.TypeTrackJob, func(context.Context, *batch.Request) (*batch.Reply, error) {
			return nil, batch.Errorf(batch.CodeUnreachable, "worker offline")
		}).
		Handle(batch.TypeRerunJob, func(context.Context, *batch.Request) (*batch.Reply, error) {
			return nil, nil // plain success
		})

	client, server := transport.Pipe()
	done := taskgroup.Go(func() error { return serve.ServeConn(t.Context(), server, mux.Serve) })

	// call sends f and decodes the reply, checking the correlation id echo.
	call := func(t *testing.T, f *wire.Frame) *batch.Reply {
		t.Helper()
		if err := client.Send(f); err != nil {
			t.Fatalf("Send: unexpected error: %v", err)
		}
		rf, err := client.Recv()
		if err != nil {
			t.Fatalf("Recv: unexpected error: %v", err)
		}
		if rf.ID != f.ID {
			t.Errorf("Reply id: got %q, want %q", rf.ID, f.ID)
		}
		rep, err := wire.ReadReply(rf)
		if err != nil {
			t.Fatalf("ReadReply: unexpected error: %v", err)
		}
		return rep
	}

	t.Run("OK", func(t *testing.T) {
		req := batch.New(batch.TypeDeleteJob, "31.svr1")
		rep := call(t, mustPut(t, wire.PutManager, req, "m1"))
		if rep.Code != batch.CodeOK || rep.Text != "deleted 31.svr1" {
			t.Errorf("Reply: got (%v, %q), want (%v, %q)", rep.Code, rep.Text, batch.CodeOK, "deleted 31.svr1")
		}
	})
	t.Run("NilReply", func(t *testing.T) {
		req := batch.New(batch.TypeRerunJob, "31.svr1")
		rep := call(t, mustPut(t, wire.PutRerun, req, ""))
		if rep.Code != batch.CodeOK || rep.Text != "" {
			t.Errorf("Reply: got (%v, %q), want (%v, %q)", rep.Code, rep.Text, batch.CodeOK, "")
		}
	})
	t.Run("PlainError", func(t *testing.T) {
		req := batch.New(batch.TypeSignalJob, "31.svr1")
		req.Signal = "SIGTERM"
		rep := call(t, mustPut(t, wire.PutSignal, req, "m2"))
		if rep.Code != batch.CodeSystem || rep.Text != "signal queue jammed" {
			t.Errorf("Reply: got (%v, %q), want (%v, %q)", rep.Code, rep.Text, batch.CodeSystem, "signal queue jammed")
		}
	})
	t.Run("CodedError", func(t *testing.T) {
		req := batch.New(batch.TypeTrackJob, "31.svr1")
		req.Track = &batch.Track{Location: "n4"}
		rep := call(t, mustPut(t, wire.PutTrack, req, "m3"))
		if rep.Code != batch.CodeUnreachable || rep.Text != "worker offline" {
			t.Errorf("Reply: got (%v, %q), want (%v, %q)", rep.Code, rep.Text, batch.CodeUnreachable, "worker offline")
		}
	})
	t.Run("Unhandled", func(t *testing.T) {
		req := batch.New(batch.TypeMessageJob, "31.svr1")
		rep := call(t, mustPut(t, wire.PutMessage, req, "m4"))
		if rep.Code != batch.CodeBadRequest {
			t.Errorf("Reply: got code %v, want %v", rep.Code, batch.CodeBadRequest)
		}
	})
	t.Run("UnknownType", func(t *testing.T) {
		rep := call(t, &wire.Frame{Kind: wire.KindRequest, Type: 9999, ID: "m5"})
		if rep.Code != batch.CodeBadRequest {
			t.Errorf("Reply: got code %v, want %v", rep.Code, batch.CodeBadRequest)
		}
	})
	t.Run("NotARequest", func(t *testing.T) {
		// A reply frame is answered with a failure, not ignored.
		rep := call(t, &wire.Frame{Kind: wire.KindReply, ID: "m6"})
		if rep.Code != batch.CodeBadRequest {
			t.Errorf("Reply: got code %v, want %v", rep.Code, batch.CodeBadRequest)
		}
	})

	client.Close()
	if err := done.Wait(); err != nil {
		t.Errorf("ServeConn: unexpected error: %v", err)
	}
}

func TestLoop(t *testing.T) {
	defer leaktest.Check(t)()

	lst, err := transport.Listen(transport.Direct, "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := lst.Addr()
	t.Logf("Listening at %q", addr)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	mux := serve.NewMux().Handle(batch.TypeStatusJob, func(_ context.Context, req *batch.Request) (*batch.Reply, error) {
		time.Sleep(2 * time.Millisecond)
		return &batch.Reply{
			Code:   batch.CodeOK,
			Choice: batch.ChoiceStatus,
			Status: []batch.StatusEntry{{Name: req.JobID}},
		}, nil
	})
	loop := taskgroup.Go(func() error { return serve.Loop(ctx, lst, mux.Serve) })
	t.Log("Started serve loop...")

	const numClients = 4
	const numCalls = 4
	t.Logf("Clients: %d, calls per client: %d", numClients, numCalls)

	g := taskgroup.New(func(err error) {
		cancel()
		t.Errorf("Client error: %v", err)
	})
	for range numClients {
		g.Go(func() error {
			conn, err := transport.Dial(t.Context(), transport.Direct, addr, nil)
			if err != nil {
				return err
			}
			defer conn.Close()
			for j := range numCalls {
				req := batch.New(batch.TypeStatusJob, fmt.Sprintf("%d.svr1", j+1))
				f, err := wire.PutStatus(req)
				if err != nil {
					return err
				}
				if err := conn.Send(f); err != nil {
					return err
				}
				rf, err := conn.Recv()
				if err != nil {
					return err
				}
				rep, err := wire.ReadReply(rf)
				if err != nil {
					return err
				}
				if rep.Code != batch.CodeOK {
					t.Errorf("Call %d: got code %v, want %v", j+1, rep.Code, batch.CodeOK)
				}
			}
			return nil
		})
	}
	t.Logf("Clients finished, err=%v", g.Wait())
	t.Logf("Closed listener, err=%v", lst.Close())
	if err := loop.Wait(); err != nil {
		t.Errorf("Loop: unexpected error: %v", err)
	}
}

// fakeListener hands out pushed connections, with no real network behind it.
type fakeListener struct {
	conns  chan transport.Conn
	closed chan struct{}
}

func newFakeListener() *fakeListener {
	return &fakeListener{conns: make(chan transport.Conn), closed: make(chan struct{})}
}

func (f *fakeListener) push(c transport.Conn) { f.conns <- c }

func (f *fakeListener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-f.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case c := <-f.conns:
		return c, nil
	}
}

func (f *fakeListener) Addr() string { return "fake:0" }

func (f *fakeListener) Close() error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
		close(f.closed)
		return nil
	}
}

func TestLoopShutdown(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lst := newFakeListener()
		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()

		mux := serve.NewMux().Handle(batch.TypeDeleteJob, deleteHandler)
		loop := taskgroup.Go(func() error { return serve.Loop(ctx, lst, mux.Serve) })

		// Verify a round trip on a live connection.
		client, server := transport.Pipe()
		lst.push(server)
		f := mustPut(t, wire.PutManager, batch.New(batch.TypeDeleteJob, "5.svr1"), "m1")
		if err := client.Send(f); err != nil {
			t.Fatalf("Send: unexpected error: %v", err)
		}
		rf, err := client.Recv()
		if err != nil {
			t.Fatalf("Recv: unexpected error: %v", err)
		}
		if rep, err := wire.ReadReply(rf); err != nil || rep.Code != batch.CodeOK {
			t.Errorf("Reply: got (%+v, %v), want code %v", rep, err, batch.CodeOK)
		}

		// End the loop while the connection is still open.
		cancel()
		if err := loop.Wait(); err != nil {
			t.Errorf("Loop: unexpected error: %v", err)
		}

		// The loop closed the listener on the way out.
		if err := lst.Close(); !errors.Is(err, net.ErrClosed) {
			t.Errorf("Close listener: got %v, want %v", err, net.ErrClosed)
		}

		// The open connection was shut down with the loop.
		if f, err := client.Recv(); !errors.Is(err, io.EOF) {
			t.Errorf("Recv: got (%v, %v), want %v", f, err, io.EOF)
		}
	})
}
