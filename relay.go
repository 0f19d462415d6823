// Copyright (C) 2025 Arun Grover. All Rights Reserved.

package pbspro

import (
	"context"

	"github.com/arungrover/pbspro/batch"
	"github.com/arungrover/pbspro/transport"
	"go.uber.org/zap"
)

// A Worker is a per-node execution agent reachable over a shared
// multiplexed link. Workers are registered with [Core.AddWorker] and keep
// their own deferred list of tasks awaiting replies on the link. All fields
// beyond the identity are guarded by the core's mutex.
type Worker struct {
	name string
	addr string

	link    transport.Conn   // shared mux link, nil until dialed
	pending []*Task          // deferred list, in issue order
	byID    map[string]*Task // correlation id → deferred task
}

// Name returns the name the worker was registered under.
func (w *Worker) Name() string { return w.name }

// Addr returns the worker's network address.
func (w *Worker) Addr() string { return w.addr }

// A Job identifies a job and the worker node hosting it. The core reads it
// to route relayed requests; the surrounding job machinery owns it.
type Job struct {
	ID     string // job identifier, e.g. "17.svr1"
	Worker string // name of the worker hosting the job
}

// AddWorker registers a worker under the given name, reachable at addr, and
// returns it. Registering a name again returns the existing worker
// unchanged. AddWorker panics if name is empty.
func (c *Core) AddWorker(name, addr string) *Worker {
	if name == "" {
		panic("empty worker name")
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	if w, ok := c.workers[name]; ok {
		return w
	}
	w := &Worker{name: name, addr: addr, byID: make(map[string]*Task)}
	c.workers[name] = w
	return w
}

// Worker returns the worker registered under name, or nil.
func (c *Core) Worker(name string) *Worker {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.workers[name]
}

// RemoveWorker unregisters the named worker and closes its link. Tasks
// still deferred on the link are resolved with an unreachable result by the
// link's watcher.
func (c *Core) RemoveWorker(name string) {
	c.μ.Lock()
	w, ok := c.workers[name]
	if !ok {
		c.μ.Unlock()
		return
	}
	delete(c.workers, name)
	link := w.link
	c.μ.Unlock()
	if link != nil {
		link.Close()
	}
}

// Pending reports the number of tasks deferred on the worker's link.
func (c *Core) Pending(w *Worker) int {
	c.μ.Lock()
	defer c.μ.Unlock()
	return len(w.pending)
}

// workerLink returns the worker's shared link, dialing it on first use. The
// dial happens outside the core lock; when two issuers race, the loser's
// connection is closed and the winner's link is shared.
func (c *Core) workerLink(ctx context.Context, w *Worker) (transport.Conn, error) {
	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		return nil, ErrStopped
	}
	if w.link != nil {
		conn := w.link
		c.μ.Unlock()
		return conn, nil
	}
	c.μ.Unlock()

	conn, err := c.dial(ctx, transport.Mux, w.addr)
	if err != nil {
		return nil, err
	}
	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		conn.Close()
		return nil, ErrStopped
	}
	if w.link != nil {
		existing := w.link
		c.μ.Unlock()
		conn.Close()
		return existing, nil
	}
	w.link = conn
	c.μ.Unlock()

	c.log.Info("worker link up", zap.String("worker", w.name), zap.String("addr", w.addr))
	c.tasks.Go(func() error { c.watchWorker(w, conn); return nil })
	return conn, nil
}

// RelayToWorker sends req to the worker hosting job and returns a task that
// resolves when the worker replies. The task, which is also discoverable
// through the job's id for teardown, rides the worker's shared link; a
// connection failure is reported immediately and never retried, so the
// caller can reject whatever triggered the relay.
func (c *Core) RelayToWorker(ctx context.Context, job *Job, req *batch.Request, done Completer) (*Task, error) {
	if job == nil || req == nil {
		return nil, batch.Errorf(batch.CodeBadRequest, "nil job or request")
	}
	w := c.Worker(job.Worker)
	if w == nil {
		c.m.reqRejected.Add(1)
		return nil, batch.Errorf(batch.CodeUnreachable, "job %s: unknown worker %q", job.ID, job.Worker)
	}
	conn, err := c.workerLink(ctx, w)
	if err != nil {
		c.m.reqRejected.Add(1)
		c.log.Error("relay to worker",
			zap.String("worker", w.name),
			zap.String("job", job.ID),
			zap.Error(err))
		return nil, batch.Errorf(batch.CodeUnreachable, "worker %s unreachable: %v", w.name, err)
	}
	return c.issueMux(conn, w, job.ID, true, req, done)
}

// SendCommand sends a fire-and-forget request to the named worker over its
// shared link. The request is not retained: the completion handler receives
// a freshly allocated reply record that is valid only within the call.
func (c *Core) SendCommand(ctx context.Context, worker string, req *batch.Request, done Completer) (*Task, error) {
	if req == nil {
		return nil, batch.Errorf(batch.CodeBadRequest, "nil request")
	}
	w := c.Worker(worker)
	if w == nil {
		c.m.reqRejected.Add(1)
		return nil, batch.Errorf(batch.CodeUnreachable, "unknown worker %q", worker)
	}
	conn, err := c.workerLink(ctx, w)
	if err != nil {
		c.m.reqRejected.Add(1)
		return nil, batch.Errorf(batch.CodeUnreachable, "worker %s unreachable: %v", w.name, err)
	}
	return c.issueMux(conn, w, "", false, req, done)
}

// JobTasks returns the tasks currently outstanding on behalf of the given
// job. The snapshot is for teardown and introspection; task outcomes are
// only valid within completion handlers.
func (c *Core) JobTasks(jobID string) []*Task {
	c.μ.Lock()
	defer c.μ.Unlock()
	var ts []*Task
	for t := range c.reg {
		if t.jobID == jobID {
			ts = append(ts, t)
		}
	}
	return ts
}

// CancelJob resolves every task issued on behalf of the job with a failure
// result, and reports how many were cancelled. It is the teardown hook for
// jobs with relayed requests still in flight.
func (c *Core) CancelJob(jobID string) int {
	c.μ.Lock()
	var drop []*Task
	for t := range c.reg {
		if t.jobID == jobID {
			drop = append(drop, t)
		}
	}
	for _, t := range drop {
		c.unlinkLocked(t)
	}
	c.μ.Unlock()

	for _, t := range drop {
		c.finish(t, &batch.Reply{Code: batch.CodeFailed, Text: "job cancelled"})
	}
	return len(drop)
}
