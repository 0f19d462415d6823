// Copyright (C) 2025 Arun Grover. All Rights Reserved.

package pbspro

import (
	"fmt"
	"time"

	"github.com/arungrover/pbspro/batch"
	"github.com/arungrover/pbspro/transport"
)

// A Kind describes what a task is waiting for and which dispatch path is
// responsible for resolving it.
type Kind int

const (
	// KindLocal marks a request handed to the in-process handler. The task
	// resolves when the handler posts a reply via [Core.LocalReply].
	KindLocal Kind = 1 + iota

	// KindDirectReply marks a request sent on a dedicated connection. The
	// task resolves when a reply frame arrives on that connection.
	KindDirectReply

	// KindMuxReply marks a request sent on a shared multiplexed link. The
	// task resolves when a reply frame bearing its correlation id arrives.
	KindMuxReply

	// KindTimedRetry marks a dispatch waiting out a transient failure. The
	// task either resolves with a failure at the retry deadline or is
	// superseded by a fresh dispatch when the timer fires.
	KindTimedRetry

	// KindMuxCommand is like KindMuxReply for a fire-and-forget command:
	// the task does not retain the request, and the reply record attached
	// at completion is valid only within the completion handler.
	KindMuxCommand
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindDirectReply:
		return "direct-reply"
	case KindMuxReply:
		return "mux-reply"
	case KindTimedRetry:
		return "timed-retry"
	case KindMuxCommand:
		return "mux-command"
	default:
		return fmt.Sprintf("kind:%d", int(k))
	}
}

// A Completer receives a task after it has resolved. The handler may read
// the task's request, reply, result, and connection, but must not retain
// the task itself beyond the call.
type Completer interface {
	Complete(*Task)
}

// CompleteFunc is a function that implements the [Completer] interface.
type CompleteFunc func(*Task)

// Complete satisfies the [Completer] interface.
func (f CompleteFunc) Complete(t *Task) { f(t) }

// Release is a ready-made [Completer] for fire-and-forget requests: it
// closes the task's connection unless the connection is a shared
// multiplexed link, and lets the request be discarded.
var Release Completer = CompleteFunc(func(t *Task) {
	if c := t.Conn(); c != nil && t.Proto() != transport.Mux {
		c.Close()
	}
})

// A Task tracks one outstanding asynchronous operation from dispatch until
// its completion handler has been invoked. Tasks are created by the issue
// methods of a [Core] and resolved exactly once, by whichever path first
// claims them: a decoded reply, a transport failure, a retry deadline, job
// cancellation, or core shutdown.
type Task struct {
	core *Core
	kind Kind
	prot transport.Proto
	conn transport.Conn // nil for local and retry tasks

	req    *batch.Request // caller-owned; nil for mux commands
	reply  *batch.Reply   // attached by the resolving path
	result batch.Code     // outcome code, valid once resolved
	done   Completer

	msgid  string  // correlation id, mux tasks only
	worker *Worker // deferred-list membership, cleared on unlink
	jobID  string  // owning job, when issued on a job's behalf

	server string      // retry tasks: destination being retried
	fireAt time.Time   // retry tasks: next attempt time
	timer  *time.Timer // retry tasks: pending timer, stopped on unlink
}

// Kind reports which dispatch path owns the task.
func (t *Task) Kind() Kind { return t.kind }

// Proto reports the transport protocol the task was issued over.
func (t *Task) Proto() transport.Proto { return t.prot }

// Conn returns the connection the task was issued on, or nil for local and
// retry tasks.
func (t *Task) Conn() transport.Conn { return t.conn }

// Request returns the request the task was created for. It is nil for
// fire-and-forget commands, whose requests are not retained.
func (t *Task) Request() *batch.Request { return t.req }

// Reply returns the reply attached to the task, either decoded from the
// wire or synthesized by a failure path. It is valid once the completion
// handler has been invoked, and nil before then.
func (t *Task) Reply() *batch.Reply { return t.reply }

// Result returns the task's outcome code. It is valid once the completion
// handler has been invoked.
func (t *Task) Result() batch.Code { return t.result }

// CorrelationID returns the message id assigned at dispatch time, or ""
// for tasks not issued over a multiplexed link.
func (t *Task) CorrelationID() string { return t.msgid }

// JobID returns the id of the job the task was issued on behalf of, or ""
// if the task is not tied to a job.
func (t *Task) JobID() string { return t.jobID }

// String returns a human-friendly rendering of the task for logging.
func (t *Task) String() string {
	if t.req != nil {
		return fmt.Sprintf("Task(%v %v job=%q)", t.kind, t.req.Type, t.req.JobID)
	}
	return fmt.Sprintf("Task(%v id=%q)", t.kind, t.msgid)
}
