// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/once"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigpool"
	"github.com/grailbio/bigpool/stats"
)

// RunRequest contains all data required to run a single job on an
// engine.
type runRequest struct {
	// Job is the job's unique ID. Engines use it to deduplicate
	// replayed runs.
	Job string

	// Invocation is the func invocation to be performed.
	Invocation bigpool.Invocation
}

// RunReply is the result of running a job on an engine. Err is
// non-nil when the invoked func itself returned an error; such
// errors are the job's result and are not subject to retry.
type runReply struct {
	Results []interface{}
	Err     *errors.Error
}

// An engineService is the bigmachine service installed on pool
// engines. It runs func invocations, limits their concurrency to the
// engine's proc count, and serves the replies of previous runs so
// that retried RPCs remain idempotent.
type engineService struct {
	// Exported just satisfies gob's persnickety nature: we need at
	// least one exported field.
	Exported struct{}

	b       *bigmachine.B
	limiter *limiter.Limiter
	stats   *stats.Map

	// Runs ensures that each job is run exactly once on the engine,
	// even when the client retries a Run call after a network failure.
	runs once.Map

	mu      sync.Mutex
	replies map[string]*runReply
}

func (s *engineService) Init(b *bigmachine.B) error {
	s.b = b
	s.stats = stats.NewMap()
	s.replies = make(map[string]*runReply)
	s.limiter = limiter.New()
	procs := b.System().Maxprocs()
	if procs == 0 {
		procs = runtime.GOMAXPROCS(0)
	}
	s.limiter.Release(procs)
	return nil
}

// Run runs the invocation described in the request and stores its
// reply. Run returns a nil error when the invocation ran to
// completion; errors returned by the invoked func are reported in
// the reply, while panics and missing funcs are returned as fatal
// RPC errors.
func (s *engineService) Run(ctx context.Context, req runRequest, reply *runReply) (err error) {
	if err = s.limiter.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.limiter.Release(1)
	err = s.runs.Do(req.Job, func() (err error) {
		defer func() {
			if e := recover(); e != nil {
				stack := debug.Stack()
				err = fmt.Errorf("panic while invoking func: %v\n%s", e, string(stack))
				err = errors.E(err, errors.Fatal)
			}
		}()
		s.stats.Int("run").Add(1)
		results, err := req.Invocation.Invoke()
		if err != nil {
			s.stats.Int("err").Add(1)
			log.Printf("job %s error: %v", req.Job, err)
			s.storeReply(req.Job, &runReply{Err: errors.Recover(err)})
			return nil
		}
		s.stats.Int("ok").Add(1)
		s.storeReply(req.Job, &runReply{Results: results})
		return nil
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	r := s.replies[req.Job]
	s.mu.Unlock()
	if r == nil {
		// The once fn stores a reply before returning nil, so a missing
		// reply means the original run failed fatally and the caller is
		// retrying anyway.
		return errors.E(errors.Fatal, fmt.Sprintf("job %s: no reply recorded", req.Job))
	}
	*reply = *r
	return nil
}

func (s *engineService) storeReply(id string, r *runReply) {
	s.mu.Lock()
	s.replies[id] = r
	s.mu.Unlock()
}

// Stats returns a snapshot of the engine's job counters.
func (s *engineService) Stats(ctx context.Context, _ struct{}, values *stats.Values) error {
	*values = s.stats.Snapshot()
	return nil
}

// FuncLocations returns the engine's registered func locations, used
// by clients to verify that the client and engine binaries share a
// func registry.
func (s *engineService) FuncLocations(ctx context.Context, _ struct{}, locs *[]string) error {
	*locs = bigpool.FuncLocations()
	return nil
}
