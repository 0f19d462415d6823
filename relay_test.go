// Copyright (C) 2025 Arun Grover. All Rights Reserved.

package pbspro_test

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/arungrover/pbspro"
	"github.com/arungrover/pbspro/batch"
	"github.com/arungrover/pbspro/transport"
	"github.com/arungrover/pbspro/wire"
	"github.com/fortytw2/leaktest"
)

// muxHarness hands out in-memory links in place of real QUIC connections
// and retains the server ends so tests can play the worker.
type muxHarness struct {
	dials atomic.Int32
	conns chan transport.Conn
}

func newMuxHarness() *muxHarness {
	return &muxHarness{conns: make(chan transport.Conn, 4)}
}

func (h *muxHarness) dial(_ context.Context, proto transport.Proto, addr string) (transport.Conn, error) {
	if proto != transport.Mux {
		return nil, fmt.Errorf("unexpected protocol %v for %s", proto, addr)
	}
	client, server := transport.Pipe()
	h.dials.Add(1)
	h.conns <- server
	return client, nil
}

// reply answers the request in frame f on conn with rep.
func reply(t *testing.T, conn transport.Conn, f *wire.Frame, rep *batch.Reply) {
	t.Helper()
	out, err := wire.PutReply(rep)
	if err != nil {
		t.Fatalf("PutReply failed: %v", err)
	}
	out.ID = f.ID
	if err := conn.Send(out); err != nil {
		t.Fatalf("send reply: %v", err)
	}
}

func TestRelayUnorderedReplies(t *testing.T) {
	defer leaktest.Check(t)()
	h := newMuxHarness()
	core := pbspro.New(&pbspro.Options{Dialer: h.dial})
	defer core.Stop()
	w := core.AddWorker("n1", "n1.cluster:15002")

	ctx := context.Background()
	order := make(chan string, 2)
	complete := func(tag string) pbspro.Completer {
		return pbspro.CompleteFunc(func(*pbspro.Task) { order <- tag })
	}

	jobA := &pbspro.Job{ID: "1.svr1", Worker: "n1"}
	reqA := batch.New(batch.TypeSignalJob, jobA.ID)
	reqA.Signal = "SIGTERM"
	taskA, err := core.RelayToWorker(ctx, jobA, reqA, complete("A"))
	if err != nil {
		t.Fatalf("RelayToWorker A failed: %v", err)
	}

	jobB := &pbspro.Job{ID: "2.svr1", Worker: "n1"}
	reqB := batch.New(batch.TypeRerunJob, jobB.ID)
	taskB, err := core.RelayToWorker(ctx, jobB, reqB, complete("B"))
	if err != nil {
		t.Fatalf("RelayToWorker B failed: %v", err)
	}

	if taskA.CorrelationID() == taskB.CorrelationID() {
		t.Fatalf("correlation ids collide: %q", taskA.CorrelationID())
	}
	if got := h.dials.Load(); got != 1 {
		t.Errorf("dials: got %d, want 1 (one shared link)", got)
	}
	if got := core.Pending(w); got != 2 {
		t.Errorf("Pending: got %d, want 2", got)
	}

	server := <-h.conns
	defer server.Close()
	fA, err := server.Recv()
	if err != nil {
		t.Fatalf("recv A: %v", err)
	}
	fB, err := server.Recv()
	if err != nil {
		t.Fatalf("recv B: %v", err)
	}
	if fA.ID != taskA.CorrelationID() || fB.ID != taskB.CorrelationID() {
		t.Fatalf("frame ids %q/%q do not match tasks %q/%q",
			fA.ID, fB.ID, taskA.CorrelationID(), taskB.CorrelationID())
	}

	// Answer B before A: B must complete first while A stays pending.
	reply(t, server, fB, &batch.Reply{Code: batch.CodeOK})
	if got := <-order; got != "B" {
		t.Fatalf("first completion: got %q, want B", got)
	}
	if got := core.Pending(w); got != 1 {
		t.Errorf("Pending after B: got %d, want 1", got)
	}

	reply(t, server, fA, &batch.Reply{Code: batch.CodeOK})
	if got := <-order; got != "A" {
		t.Fatalf("second completion: got %q, want A", got)
	}
	if got := core.Outstanding(); got != 0 {
		t.Errorf("Outstanding: got %d, want 0", got)
	}
	if reqA.Reply == nil || reqB.Reply == nil {
		t.Error("requests did not receive their replies")
	}
}

func TestLinkBreakFailsDeferred(t *testing.T) {
	defer leaktest.Check(t)()
	h := newMuxHarness()
	core := pbspro.New(&pbspro.Options{Dialer: h.dial})
	defer core.Stop()
	w := core.AddWorker("n2", "n2.cluster:15002")

	ctx := context.Background()
	order := make(chan string, 3)
	var count atomic.Int32
	complete := func(tag string) pbspro.Completer {
		return pbspro.CompleteFunc(func(tk *pbspro.Task) {
			count.Add(1)
			if tk.Result() != batch.CodeUnreachable {
				t.Errorf("task %s result: got %v, want %v", tag, tk.Result(), batch.CodeUnreachable)
			}
			order <- tag
		})
	}
	for _, tag := range []string{"A", "B", "C"} {
		job := &pbspro.Job{ID: tag + ".svr1", Worker: "n2"}
		if _, err := core.RelayToWorker(ctx, job, batch.New(batch.TypeRerunJob, job.ID), complete(tag)); err != nil {
			t.Fatalf("RelayToWorker %s failed: %v", tag, err)
		}
	}

	server := <-h.conns
	for range 3 {
		if _, err := server.Recv(); err != nil {
			t.Fatalf("worker recv: %v", err)
		}
	}
	server.Close() // the link drops with three replies owed

	// Every deferred task resolves, in issue order.
	for _, want := range []string{"A", "B", "C"} {
		if got := <-order; got != want {
			t.Errorf("completion order: got %q, want %q", got, want)
		}
	}
	if n := count.Load(); n != 3 {
		t.Errorf("completions: got %d, want 3", n)
	}
	if got := core.Outstanding(); got != 0 {
		t.Errorf("Outstanding: got %d, want 0", got)
	}
	if got := core.Pending(w); got != 0 {
		t.Errorf("Pending: got %d, want 0", got)
	}

	// The next relay dials a fresh link.
	job := &pbspro.Job{ID: "D.svr1", Worker: "n2"}
	done, tasks, _ := collect(1)
	if _, err := core.RelayToWorker(ctx, job, batch.New(batch.TypeRerunJob, job.ID), done); err != nil {
		t.Fatalf("RelayToWorker after break failed: %v", err)
	}
	if got := h.dials.Load(); got != 2 {
		t.Errorf("dials: got %d, want 2", got)
	}
	server2 := <-h.conns
	defer server2.Close()
	f, err := server2.Recv()
	if err != nil {
		t.Fatalf("recv on fresh link: %v", err)
	}
	reply(t, server2, f, &batch.Reply{Code: batch.CodeOK})
	if got := <-tasks; got.Result() != batch.CodeOK {
		t.Errorf("Result after reconnect: got %v, want %v", got.Result(), batch.CodeOK)
	}
}

func TestSendCommand(t *testing.T) {
	defer leaktest.Check(t)()
	h := newMuxHarness()
	core := pbspro.New(&pbspro.Options{Dialer: h.dial})
	defer core.Stop()
	core.AddWorker("n3", "n3.cluster:15002")

	req := batch.New(batch.TypeDeleteJob, "4.svr1")
	done, tasks, _ := collect(1)
	task, err := core.SendCommand(context.Background(), "n3", req, done)
	if err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if got := task.Kind(); got != pbspro.KindMuxCommand {
		t.Errorf("Kind: got %v, want %v", got, pbspro.KindMuxCommand)
	}

	server := <-h.conns
	defer server.Close()
	f, err := server.Recv()
	if err != nil {
		t.Fatalf("worker recv: %v", err)
	}
	in, err := wire.ReadRequest(f)
	if err != nil {
		t.Fatalf("decode command: %v", err)
	}
	if in.Type != batch.TypeDeleteJob || in.JobID != "4.svr1" {
		t.Errorf("command: got %v %q, want %v %q", in.Type, in.JobID, batch.TypeDeleteJob, "4.svr1")
	}
	reply(t, server, f, &batch.Reply{Code: batch.CodeOK, Choice: batch.ChoiceText, Text: "deleted"})

	got := <-tasks
	if got.Request() != nil {
		t.Errorf("Request: got %v, want nil (commands are not retained)", got.Request())
	}
	if rep := got.Reply(); rep == nil || rep.Text != "deleted" {
		t.Errorf("Reply: got %+v, want text %q", rep, "deleted")
	}

	// The command did not claim the request's reply slot.
	if req.Reply != nil {
		t.Errorf("request reply: got %+v, want nil", req.Reply)
	}
}

func TestMuxReleaseKeepsLink(t *testing.T) {
	defer leaktest.Check(t)()
	h := newMuxHarness()
	core := pbspro.New(&pbspro.Options{Dialer: h.dial})
	defer core.Stop()
	core.AddWorker("n4", "n4.cluster:15002")
	ctx := context.Background()

	job := &pbspro.Job{ID: "5.svr1", Worker: "n4"}
	if _, err := core.RelayToWorker(ctx, job, batch.New(batch.TypeDeleteJob, job.ID), pbspro.Release); err != nil {
		t.Fatalf("RelayToWorker failed: %v", err)
	}
	server := <-h.conns
	defer server.Close()
	f, err := server.Recv()
	if err != nil {
		t.Fatalf("worker recv: %v", err)
	}
	reply(t, server, f, &batch.Reply{Code: batch.CodeOK})

	// Release must leave the shared link usable: the next relay arrives on
	// the same connection without another dial.
	job2 := &pbspro.Job{ID: "6.svr1", Worker: "n4"}
	done, tasks, _ := collect(1)
	if _, err := core.RelayToWorker(ctx, job2, batch.New(batch.TypeRerunJob, job2.ID), done); err != nil {
		t.Fatalf("second RelayToWorker failed: %v", err)
	}
	f2, err := server.Recv()
	if err != nil {
		t.Fatalf("worker recv on shared link: %v", err)
	}
	reply(t, server, f2, &batch.Reply{Code: batch.CodeOK})
	<-tasks
	if got := h.dials.Load(); got != 1 {
		t.Errorf("dials: got %d, want 1", got)
	}
}

func TestUnmatchedReplyDropped(t *testing.T) {
	defer leaktest.Check(t)()
	h := newMuxHarness()
	core := pbspro.New(&pbspro.Options{Dialer: h.dial})
	defer core.Stop()
	core.AddWorker("n5", "n5.cluster:15002")

	job := &pbspro.Job{ID: "7.svr1", Worker: "n5"}
	done, tasks, count := collect(1)
	if _, err := core.RelayToWorker(context.Background(), job, batch.New(batch.TypeRerunJob, job.ID), done); err != nil {
		t.Fatalf("RelayToWorker failed: %v", err)
	}
	server := <-h.conns
	defer server.Close()
	f, err := server.Recv()
	if err != nil {
		t.Fatalf("worker recv: %v", err)
	}

	// A reply bearing an unknown correlation id is dropped; the real reply
	// afterwards still resolves the task.
	reply(t, server, &wire.Frame{ID: "no-such-task"}, &batch.Reply{Code: batch.CodeFailed})
	reply(t, server, f, &batch.Reply{Code: batch.CodeOK})

	got := <-tasks
	if got.Result() != batch.CodeOK {
		t.Errorf("Result: got %v, want %v", got.Result(), batch.CodeOK)
	}
	if n := count.Load(); n != 1 {
		t.Errorf("completions: got %d, want 1", n)
	}
	if v := core.Metrics().Get("replies_unmatched").(*expvar.Int).Value(); v != 1 {
		t.Errorf("replies_unmatched: got %d, want 1", v)
	}
}

func TestEmptyCorrelationID(t *testing.T) {
	defer leaktest.Check(t)()
	h := newMuxHarness()
	core := pbspro.New(&pbspro.Options{Dialer: h.dial})
	defer core.Stop()
	core.AddWorker("n10", "n10.cluster:15002")
	ctx := context.Background()

	job := &pbspro.Job{ID: "10.svr1", Worker: "n10"}
	done, tasks, _ := collect(1)
	if _, err := core.RelayToWorker(ctx, job, batch.New(batch.TypeRerunJob, job.ID), done); err != nil {
		t.Fatalf("RelayToWorker failed: %v", err)
	}
	server := <-h.conns
	defer server.Close()
	if _, err := server.Recv(); err != nil {
		t.Fatalf("worker recv: %v", err)
	}

	// A reply with no correlation id cannot be matched to any task; unlike
	// an unknown id it fails the link, and the deferred task with it.
	reply(t, server, &wire.Frame{}, &batch.Reply{Code: batch.CodeOK})
	if got := <-tasks; got.Result() != batch.CodeUnreachable {
		t.Errorf("Result: got %v, want %v", got.Result(), batch.CodeUnreachable)
	}
	if v := core.Metrics().Get("link_failures").(*expvar.Int).Value(); v != 1 {
		t.Errorf("link_failures: got %d, want 1", v)
	}

	// The next relay dials a fresh link.
	job2 := &pbspro.Job{ID: "11.svr1", Worker: "n10"}
	done2, tasks2, _ := collect(1)
	if _, err := core.RelayToWorker(ctx, job2, batch.New(batch.TypeRerunJob, job2.ID), done2); err != nil {
		t.Fatalf("RelayToWorker after link failure failed: %v", err)
	}
	if got := h.dials.Load(); got != 2 {
		t.Errorf("dials: got %d, want 2", got)
	}
	server2 := <-h.conns
	defer server2.Close()
	f2, err := server2.Recv()
	if err != nil {
		t.Fatalf("recv on fresh link: %v", err)
	}
	reply(t, server2, f2, &batch.Reply{Code: batch.CodeOK})
	if got := <-tasks2; got.Result() != batch.CodeOK {
		t.Errorf("Result after reconnect: got %v, want %v", got.Result(), batch.CodeOK)
	}
}

func TestCancelJob(t *testing.T) {
	defer leaktest.Check(t)()
	h := newMuxHarness()
	core := pbspro.New(&pbspro.Options{Dialer: h.dial})
	defer core.Stop()
	w := core.AddWorker("n6", "n6.cluster:15002")
	ctx := context.Background()

	job := &pbspro.Job{ID: "8.svr1", Worker: "n6"}
	done, tasks, count := collect(2)
	for range 2 {
		if _, err := core.RelayToWorker(ctx, job, batch.New(batch.TypeSignalJob, job.ID), done); err != nil {
			t.Fatalf("RelayToWorker failed: %v", err)
		}
	}
	if got := len(core.JobTasks(job.ID)); got != 2 {
		t.Fatalf("JobTasks: got %d, want 2", got)
	}

	if got := core.CancelJob(job.ID); got != 2 {
		t.Errorf("CancelJob: got %d, want 2", got)
	}
	for range 2 {
		if got := <-tasks; got.Result() != batch.CodeFailed {
			t.Errorf("Result: got %v, want %v", got.Result(), batch.CodeFailed)
		}
	}
	if n := count.Load(); n != 2 {
		t.Errorf("completions: got %d, want 2", n)
	}
	if got := core.Pending(w); got != 0 {
		t.Errorf("Pending: got %d, want 0", got)
	}
	if got := core.CancelJob(job.ID); got != 0 {
		t.Errorf("second CancelJob: got %d, want 0", got)
	}

	// A reply arriving after cancellation is dropped. The link reader
	// handles frames in order, so once a later request completes the late
	// reply must already have been discarded.
	server := <-h.conns
	defer server.Close()
	f1, err := server.Recv()
	if err != nil {
		t.Fatalf("worker recv: %v", err)
	}
	if _, err := server.Recv(); err != nil {
		t.Fatalf("worker recv: %v", err)
	}
	reply(t, server, f1, &batch.Reply{Code: batch.CodeOK})

	job2 := &pbspro.Job{ID: "9.svr1", Worker: "n6"}
	done2, tasks2, _ := collect(1)
	if _, err := core.RelayToWorker(ctx, job2, batch.New(batch.TypeRerunJob, job2.ID), done2); err != nil {
		t.Fatalf("RelayToWorker after cancel failed: %v", err)
	}
	f3, err := server.Recv()
	if err != nil {
		t.Fatalf("worker recv: %v", err)
	}
	reply(t, server, f3, &batch.Reply{Code: batch.CodeOK})
	<-tasks2
	if n := count.Load(); n != 2 {
		t.Errorf("cancelled completions: got %d, want 2", n)
	}
	if v := core.Metrics().Get("replies_unmatched").(*expvar.Int).Value(); v != 1 {
		t.Errorf("replies_unmatched: got %d, want 1", v)
	}
}

func TestRelayErrors(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := context.Background()

	t.Run("UnknownWorker", func(t *testing.T) {
		core := pbspro.New(nil)
		defer core.Stop()
		job := &pbspro.Job{ID: "1.svr1", Worker: "nowhere"}
		_, err := core.RelayToWorker(ctx, job, batch.New(batch.TypeRerunJob, job.ID), nil)
		if batch.CodeOf(err) != batch.CodeUnreachable {
			t.Errorf("RelayToWorker: got %v, want code %v", err, batch.CodeUnreachable)
		}
	})
	t.Run("DialFailure", func(t *testing.T) {
		var dials atomic.Int32
		core := pbspro.New(&pbspro.Options{
			Dialer: func(context.Context, transport.Proto, string) (transport.Conn, error) {
				dials.Add(1)
				return nil, errors.New("connection refused")
			},
		})
		defer core.Stop()
		core.AddWorker("n7", "n7.cluster:15002")
		job := &pbspro.Job{ID: "2.svr1", Worker: "n7"}
		_, err := core.RelayToWorker(ctx, job, batch.New(batch.TypeRerunJob, job.ID), nil)
		if batch.CodeOf(err) != batch.CodeUnreachable {
			t.Errorf("RelayToWorker: got %v, want code %v", err, batch.CodeUnreachable)
		}

		// Worker dispatch does not retry: one dial, nothing scheduled.
		if n := dials.Load(); n != 1 {
			t.Errorf("dials: got %d, want 1", n)
		}
		if got := core.Outstanding(); got != 0 {
			t.Errorf("Outstanding: got %d, want 0", got)
		}
	})
	t.Run("NilJob", func(t *testing.T) {
		core := pbspro.New(nil)
		defer core.Stop()
		_, err := core.RelayToWorker(ctx, nil, batch.New(batch.TypeRerunJob, "1.svr1"), nil)
		if batch.CodeOf(err) != batch.CodeBadRequest {
			t.Errorf("RelayToWorker: got %v, want code %v", err, batch.CodeBadRequest)
		}
	})
	t.Run("FailoverOverMux", func(t *testing.T) {
		h := newMuxHarness()
		core := pbspro.New(&pbspro.Options{Dialer: h.dial})
		defer core.Stop()
		core.AddWorker("n9", "n9.cluster:15002")

		// The failover handshake belongs on a dedicated server connection.
		_, err := core.SendCommand(ctx, "n9", batch.New(batch.TypeFailoverNotify, ""), nil)
		if batch.CodeOf(err) != batch.CodeBadRequest {
			t.Errorf("SendCommand: got %v, want code %v", err, batch.CodeBadRequest)
		}
		if got := core.Outstanding(); got != 0 {
			t.Errorf("Outstanding: got %d, want 0", got)
		}
	})
}

func TestRemoveWorker(t *testing.T) {
	defer leaktest.Check(t)()
	h := newMuxHarness()
	core := pbspro.New(&pbspro.Options{Dialer: h.dial})
	defer core.Stop()
	core.AddWorker("n8", "n8.cluster:15002")

	job := &pbspro.Job{ID: "9.svr1", Worker: "n8"}
	done, tasks, _ := collect(1)
	if _, err := core.RelayToWorker(context.Background(), job, batch.New(batch.TypeRerunJob, job.ID), done); err != nil {
		t.Fatalf("RelayToWorker failed: %v", err)
	}
	server := <-h.conns
	defer server.Close()

	core.RemoveWorker("n8")
	if core.Worker("n8") != nil {
		t.Error("Worker: still registered after removal")
	}

	// Closing the link resolves the deferred task through the watcher.
	if got := <-tasks; got.Result() != batch.CodeUnreachable {
		t.Errorf("Result: got %v, want %v", got.Result(), batch.CodeUnreachable)
	}
}
