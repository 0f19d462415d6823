// Copyright (C) 2025 Arun Grover. All Rights Reserved.

// Package pbspro implements the request-issuing and reply-dispatch core of
// a distributed batch-scheduling server.
//
// A cluster-management server sends job-control requests to peer servers
// and to per-node execution agents ("workers"), and must match the
// asynchronous replies back to the code that asked for them even when
// replies arrive out of order, late, or not at all. This package provides
// the task bookkeeping, protocol-selecting dispatch, transient-failure
// retry, and reply demultiplexing that make that possible.
//
// # The Core
//
// The central type defined by this package is the [Core], which owns the
// registry of outstanding tasks and the set of known workers:
//
//	core := pbspro.New(&pbspro.Options{
//	   Logger: logger,
//	})
//	defer core.Stop()
//
// A nil or zero Options value selects reasonable defaults: a no-op logger,
// the system resolver with a small address cache, and real network
// connections.
//
// # Tasks and completion
//
// Every in-flight operation is tracked by a [Task]. A task records the
// request, the connection it was sent on, and a [Completer] that is invoked
// exactly once when the operation resolves, whether with a decoded reply, a
// synthetic failure after a transport fault, or a retry-deadline expiry.
// Callers own their request values; the core borrows them for the lifetime
// of the task and attaches the reply before completing:
//
//	req := batch.New(batch.TypeSignalJob, "17.svr1")
//	req.Signal = "SIGTERM"
//	task, err := core.Issue(conn, req, pbspro.CompleteFunc(func(t *pbspro.Task) {
//	   log.Printf("job signal finished: %v", t.Result())
//	}))
//
// The [Release] completer is a ready-made handler for fire-and-forget
// requests: it closes the task's connection unless it is a shared
// multiplexed link.
//
// # Issuing requests
//
// [Core.Issue] encodes a request and sends it on a dedicated (direct)
// connection; passing a nil connection hands the request to the configured
// in-process handler instead, with no network involved.
//
// [Core.RelayToWorker] looks up the worker that owns a job and issues the
// request over that worker's shared multiplexed link, where concurrently
// outstanding requests are told apart by correlation id. A connection
// failure here is reported immediately and never retried; the caller
// decides how to answer whoever triggered the relay.
//
// [Core.IssueToServer] wraps dispatch to a peer server with hostname
// resolution and a fixed-interval retry loop for transient failures. A
// transient resolver or connect error schedules a timed retry and reports
// success to the caller; retries continue until the request's age exceeds
// the configured window, after which the completion handler receives a
// failure result. Permanent errors, such as an unknown host, are returned
// immediately and schedule nothing.
//
// # Reply dispatch
//
// Replies on a direct connection are read by a per-connection goroutine
// that resolves the single task pending on that connection. Replies on a
// multiplexed link are read by a per-link goroutine and matched against the
// worker's deferred list by correlation id; replies may legitimately arrive
// in any order. If a link breaks, every task deferred on it is resolved
// with a failure result, so no task is left waiting for a reply that can no
// longer arrive.
//
// # Metrics
//
// A Core maintains a collection of metrics while running. Use the
// [Core.Metrics] method to obtain an [expvar.Map] containing the metrics
// exported by the core:
//
//   - requests_direct: counter of requests issued on direct connections
//   - requests_mux: counter of requests issued on multiplexed links
//   - requests_local: counter of requests handed to the local handler
//   - requests_rejected: counter of requests that failed before send
//   - tasks_active: gauge of tasks currently outstanding
//   - tasks_completed: counter of tasks resolved with a decoded reply
//   - tasks_failed: counter of tasks resolved with a synthetic failure
//   - retries_scheduled: counter of timed retries scheduled
//   - retries_exhausted: counter of retries abandoned at the deadline
//   - link_failures: counter of multiplexed link breaks
//   - replies_unmatched: counter of reply frames dropped with no match
//
// Additional metrics may be added in the future.
package pbspro
