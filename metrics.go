// Copyright (C) 2025 Arun Grover. All Rights Reserved.

package pbspro

import "expvar"

// coreMetrics record request and task activity counters.
type coreMetrics struct {
	reqDirect   expvar.Int
	reqMux      expvar.Int
	reqLocal    expvar.Int
	reqRejected expvar.Int // requests failed before send

	tasksActive    expvar.Int // gauge of tasks outstanding
	tasksCompleted expvar.Int // tasks resolved with a decoded reply
	tasksFailed    expvar.Int // tasks resolved with a synthetic failure

	retrySched     expvar.Int // timed retries scheduled
	retryExhausted expvar.Int // retries abandoned at the deadline
	linkFailures   expvar.Int // multiplexed link breaks
	unmatched      expvar.Int // reply frames dropped with no match

	emap *expvar.Map
}

func newCoreMetrics() *coreMetrics {
	cm := &coreMetrics{emap: new(expvar.Map)}
	cm.emap.Set("requests_direct", &cm.reqDirect)
	cm.emap.Set("requests_mux", &cm.reqMux)
	cm.emap.Set("requests_local", &cm.reqLocal)
	cm.emap.Set("requests_rejected", &cm.reqRejected)
	cm.emap.Set("tasks_active", &cm.tasksActive)
	cm.emap.Set("tasks_completed", &cm.tasksCompleted)
	cm.emap.Set("tasks_failed", &cm.tasksFailed)
	cm.emap.Set("retries_scheduled", &cm.retrySched)
	cm.emap.Set("retries_exhausted", &cm.retryExhausted)
	cm.emap.Set("link_failures", &cm.linkFailures)
	cm.emap.Set("replies_unmatched", &cm.unmatched)
	return cm
}
