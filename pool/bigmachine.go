// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"encoding/gob"
	"net/http"
	"time"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
)

func init() {
	gob.Register(&engineService{})
}

// RetryPolicy is the default retry policy used for engine calls.
var retryPolicy = retry.Backoff(time.Second, 5*time.Second, 1.5)

// FatalErr is used to match fatal errors.
var fatalErr = errors.E(errors.Fatal)

// BigmachineExecutor is an executor that runs jobs on bigmachine
// machines. When dial addresses are provided, the executor attaches
// to an externally started pool instead of starting machines itself.
type bigmachineExecutor struct {
	system bigmachine.System
	params []bigmachine.Param

	// dial and dialProcs describe an externally started pool: the
	// engine addresses to attach to and the per-engine proc count
	// recorded in the pool's connection file.
	dial      []string
	dialProcs int

	sess *Session
	b    *bigmachine.B
	mgr  *engineManager

	status *status.Group
}

func newBigmachineExecutor(system bigmachine.System, params ...bigmachine.Param) *bigmachineExecutor {
	return &bigmachineExecutor{system: system, params: params}
}

// Start registers the engine service with bigmachine, starts the
// bigmachine, and kicks off engine management. In dial mode the
// pool's engines are dialed and verified before Start returns, so
// that unreachable pools and mismatched func registries surface as
// errors rather than as pools with no engines.
func (b *bigmachineExecutor) Start(sess *Session) (shutdown func(), err error) {
	b.sess = sess
	b.b = bigmachine.Start(b.system)
	if status := sess.Status(); status != nil {
		b.status = status.Group("engines")
	}
	var (
		maxp     = sess.Parallelism()
		engprocs = b.dialProcs
	)
	if b.dial == nil {
		// Adjust maxLoad so that we are guaranteed at least one proc
		// per engine; otherwise we can get stuck in nasty deadlocks.
		maxprocs := b.b.System().Maxprocs()
		engprocs = int(float64(maxprocs) * sess.MaxLoad())
		if engprocs < 1 {
			engprocs = 1
			maxp = (maxp + maxprocs - 1) / maxprocs
		}
	}
	ctx, cancel := context.WithCancel(backgroundcontext.Get())
	var static []*engine
	if b.dial != nil {
		static, err = dialEngines(ctx, b.b, b.status, engprocs, b.dial)
		if err != nil {
			cancel()
			b.b.Shutdown()
			return nil, err
		}
	}
	b.mgr = newEngineManager(b.b, b.params, b.status, maxp, engprocs, static)
	go b.mgr.Do(ctx)
	return func() {
		cancel()
		b.b.Shutdown()
	}, nil
}

func (b *bigmachineExecutor) Runnable(job *Job) {
	job.Lock()
	switch job.state {
	case JobWaiting, JobRunning:
		job.Unlock()
		return
	}
	job.state = JobWaiting
	job.Broadcast()
	job.Unlock()
	go b.run(job)
}

func (b *bigmachineExecutor) run(job *Job) {
	ctx := backgroundcontext.Get()
	job.Status.Print("waiting for an engine")

	offerc, cancel := b.mgr.Offer(job.Priority, 1, job.Target)
	var e *engine
	select {
	case <-ctx.Done():
		cancel()
		job.Error(ctx.Err())
		return
	case e = <-offerc:
	}
	if e == nil {
		// The request named an engine that has left the pool.
		job.Errorf("engine %s is no longer part of the pool", job.Target)
		return
	}

	// Assign the job to the engine so that, should the engine fail
	// mid-run, the job is promptly marked lost.
	e.Assign(job)
	if job.State() == JobLost {
		e.Done(1, nil)
		return
	}

	numJobs := e.Stats.Int("jobs")
	numJobs.Add(1)
	e.UpdateStatus()
	defer func() {
		numJobs.Add(-1)
		e.UpdateStatus()
	}()

	job.Status.Print(e.Addr)
	job.Set(JobRunning)
	req := runRequest{
		Job:        job.ID,
		Invocation: job.Invocation,
	}
	var reply runReply
	err := e.RetryCall(ctx, "Engine.Run", req, &reply)
	e.Done(1, err)
	switch {
	case err == nil:
		if reply.Err != nil {
			// The invoked func returned an error. This is the job's
			// result; it is not subject to retry.
			job.Error(reply.Err)
		} else {
			job.Done(e.Addr, reply.Results)
		}
	case ctx.Err() != nil:
		job.Error(err)
	case errors.Match(fatalErr, err):
		// Fatal errors aren't retryable.
		job.Error(err)
	default:
		// Everything else we consider as the job being lost. It'll get
		// resubmitted by its supervisor.
		job.Status.Printf("lost job: %v", err)
		job.Lost()
	}
}

// Engines returns a snapshot of the engines currently under
// management.
func (b *bigmachineExecutor) Engines(ctx context.Context) ([]EngineInfo, error) {
	return b.mgr.Info(ctx)
}

// Warmup brings up n engines and returns the resulting snapshot.
func (b *bigmachineExecutor) Warmup(ctx context.Context, n int) ([]EngineInfo, error) {
	return b.mgr.Warm(ctx, n)
}

func (b *bigmachineExecutor) HandleDebug(handler *http.ServeMux) {
	b.b.HandleDebug(handler)
}

func (b *bigmachineExecutor) Name() string {
	if b.dial != nil {
		return "bigmachine/attach"
	}
	return "bigmachine"
}
