// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigpool"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"
)

// maxConsecutiveLost is the maximum number of times a job can be
// resubmitted after being lost before we give up on it.
const maxConsecutiveLost = 5

// LoadBalanced returns a view of the session's pool that submits jobs
// to whichever engine has capacity.
func (s *Session) LoadBalanced() *LoadBalancedView {
	return &LoadBalancedView{sess: s}
}

// Direct returns a view of the session's pool that submits jobs only
// to the engine with the provided address.
func (s *Session) Direct(addr string) *DirectView {
	return &DirectView{sess: s, addr: addr}
}

// A LoadBalancedView submits func invocations to the session's
// engines, balancing load across them.
type LoadBalancedView struct {
	sess *Session
}

// Apply submits an invocation of funcv with the provided arguments
// for execution on any engine with capacity. Apply returns
// immediately with a handle to the pending result. Apply panics with
// a type error if the arguments do not match funcv's signature.
func (v *LoadBalancedView) Apply(funcv *bigpool.FuncValue, args ...interface{}) *Pending {
	return v.sess.apply(funcv, "", args...)
}

// ApplyKeyed is like Apply, but routes the invocation to an engine
// chosen by hashing the provided key over the current engine set.
// Invocations that share a key are routed to the same engine as long
// as the engine set is stable, which lets callers exploit
// engine-local caches.
func (v *LoadBalancedView) ApplyKeyed(ctx context.Context, key string, funcv *bigpool.FuncValue, args ...interface{}) (*Pending, error) {
	infos, err := v.sess.Engines(ctx)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, errors.E(errors.Unavailable, "pool.ApplyKeyed: no engines available")
	}
	addrs := make([]string, len(infos))
	for i, info := range infos {
		addrs[i] = info.Addr
	}
	sort.Strings(addrs)
	addr := addrs[murmur3.Sum32([]byte(key))%uint32(len(addrs))]
	return v.sess.apply(funcv, addr, args...), nil
}

// A DirectView submits func invocations to a single engine,
// identified by address.
type DirectView struct {
	sess *Session
	addr string
}

// Addr returns the address of the view's engine.
func (v *DirectView) Addr() string { return v.addr }

// Apply submits an invocation of funcv with the provided arguments
// for execution on the view's engine, returning a handle to the
// pending result.
func (v *DirectView) Apply(funcv *bigpool.FuncValue, args ...interface{}) *Pending {
	return v.sess.apply(funcv, v.addr, args...)
}

func (s *Session) apply(funcv *bigpool.FuncValue, target string, args ...interface{}) *Pending {
	job := newJob(funcv.Invocation(args...))
	job.Target = target
	if s.status != nil {
		job.Status = s.status.Group("jobs").Start(job.ID)
	}
	p := &Pending{
		sess:  s,
		job:   job,
		donec: make(chan struct{}),
	}
	s.register(p)
	go p.supervise()
	return p
}

// A Pending is a handle to a submitted job. Pendings are returned
// immediately upon submission; the job's completion is observed
// through Wait, Done, and Result.
type Pending struct {
	sess  *Session
	job   *Job
	donec chan struct{}
}

// ID returns the submitted job's unique ID. IDs can be resolved back
// to their handles with Session.Pending.
func (p *Pending) ID() string { return p.job.ID }

// supervise drives the job to completion: it submits the job to the
// session's executor and resubmits it when it is lost, up to
// maxConsecutiveLost times.
func (p *Pending) supervise() {
	var (
		ctx     = p.sess.Context
		job     = p.job
		retries int
	)
	for {
		p.sess.executor.Runnable(job)
		state, err := job.WaitState(ctx, JobOk)
		if err != nil {
			job.Error(err)
			break
		}
		if state != JobLost {
			break
		}
		job.consecutiveLost++
		if job.consecutiveLost >= maxConsecutiveLost {
			job.Errorf("job lost %d times consecutively; giving up", job.consecutiveLost)
			break
		}
		job.Status.Print("lost; resubmitting")
		if err := retry.Wait(ctx, retryPolicy, retries); err != nil {
			job.Error(err)
			break
		}
		retries++
	}
	job.Status.Done()
	close(p.donec)
}

// Done reports whether the job has completed, successfully or not.
func (p *Pending) Done() bool {
	select {
	case <-p.donec:
		return true
	default:
		return false
	}
}

// Wait waits until the job has completed or the context is done.
// Job errors are not returned by Wait; they are reported by Err and
// Result.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.donec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the error, if any, with which the job completed. Err
// returns nil while the job is still outstanding.
func (p *Pending) Err() error {
	if !p.Done() {
		return nil
	}
	return p.job.Err()
}

// Engine returns the address of the engine that computed the job's
// results. It is valid only after the job has completed successfully.
func (p *Pending) Engine() string {
	addr, _ := p.job.Results()
	return addr
}

// Result waits for the job to complete and assigns its results to the
// provided pointers, one per func result. Result returns the job's
// error if it failed.
func (p *Pending) Result(ctx context.Context, out ...interface{}) error {
	if err := p.Wait(ctx); err != nil {
		return err
	}
	if err := p.job.Err(); err != nil {
		return err
	}
	_, results := p.job.Results()
	if len(out) != len(results) {
		return errors.E(errors.Invalid,
			fmt.Sprintf("pool.Result: wrong number of result pointers: func returns %d results, got %d", len(results), len(out)))
	}
	for i, o := range out {
		v := reflect.ValueOf(o)
		if v.Kind() != reflect.Ptr {
			return errors.E(errors.Invalid, fmt.Sprintf("pool.Result: result %d: not a pointer", i))
		}
		r := reflect.ValueOf(results[i])
		if !r.Type().AssignableTo(v.Type().Elem()) {
			return errors.E(errors.Invalid,
				fmt.Sprintf("pool.Result: result %d: cannot assign %s to %s", i, r.Type(), v.Type().Elem()))
		}
		v.Elem().Set(r)
	}
	return nil
}

// WaitAll waits until all of the provided pending jobs have
// completed, or until the context is done. Job errors do not
// interrupt the wait; they are reported by each handle's Err.
func WaitAll(ctx context.Context, pendings ...*Pending) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range pendings {
		p := p
		g.Go(func() error {
			return p.Wait(ctx)
		})
	}
	return g.Wait()
}
