// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/bigpool"
)

// LocalExecutor runs jobs in the session's own process. It is used
// for testing and for debugging with standard tooling; its single
// engine is named "local".
type localExecutor struct {
	limiter *limiter.Limiter
	sess    *Session
	procs   int
}

func newLocalExecutor() *localExecutor {
	return &localExecutor{limiter: limiter.New()}
}

func (l *localExecutor) Start(sess *Session) (shutdown func(), err error) {
	l.sess = sess
	l.procs = sess.Parallelism()
	l.limiter.Release(l.procs)
	return func() {}, nil
}

func (l *localExecutor) Runnable(job *Job) {
	job.Lock()
	switch job.state {
	case JobWaiting, JobRunning:
		job.Unlock()
		return
	}
	job.state = JobWaiting
	job.Broadcast()
	job.Unlock()
	go l.run(job)
}

func (l *localExecutor) run(job *Job) {
	ctx := backgroundcontext.Get()
	job.Status.Print("waiting for a proc")
	if err := l.limiter.Acquire(ctx, 1); err != nil {
		job.Error(err)
		return
	}
	defer l.limiter.Release(1)
	job.Status.Print("local")
	job.Set(JobRunning)
	results, err := invokeRecover(job.Invocation)
	if err != nil {
		job.Error(err)
		return
	}
	job.Done("local", results)
}

// invokeRecover invokes inv, converting panics in the invoked func
// into fatal errors.
func invokeRecover(inv bigpool.Invocation) (results []interface{}, err error) {
	defer func() {
		if e := recover(); e != nil {
			stack := debug.Stack()
			err = fmt.Errorf("panic while invoking func: %v\n%s", e, string(stack))
			err = errors.E(err, errors.Fatal)
		}
	}()
	return inv.Invoke()
}

func (l *localExecutor) Engines(ctx context.Context) ([]EngineInfo, error) {
	return []EngineInfo{{
		Addr:     "local",
		Maxprocs: l.procs,
		Health:   "ok",
	}}, nil
}

func (l *localExecutor) Warmup(ctx context.Context, n int) ([]EngineInfo, error) {
	return l.Engines(ctx)
}

func (l *localExecutor) HandleDebug(handler *http.ServeMux) {}

func (l *localExecutor) Name() string { return "local" }
