// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigpool"
	"github.com/grailbio/bigpool/stats"
	"golang.org/x/sync/errgroup"
)

const (
	// StatsPollInterval is the period at which engine statistics are
	// polled.
	statsPollInterval = 10 * time.Second

	// StatTimeout is the maximum amount of time allowed to retrieve
	// engine stats, per iteration.
	statTimeout = 5 * time.Second
)

// ProbationTimeout is the amount of time that an engine will remain
// in probation without being explicitly marked healthy.
var ProbationTimeout = 30 * time.Second

// EngineHealth is the overall assessment of engine health by the
// engine manager.
type engineHealth int

const (
	engineOk engineHealth = iota
	engineProbation
	engineLost
)

// An engine manages a single bigmachine.Machine instance on which
// jobs are run.
type engine struct {
	*bigmachine.Machine

	Stats  *stats.Map
	Status *status.Task

	// maxProcs is the maximum number of procs on the engine to which
	// jobs can be assigned. This can be different from Maxprocs, as it
	// is attenuated by the manager's max load.
	maxProcs int

	// procs is the current number of procs on the engine that have
	// jobs assigned. procs is managed by the engineManager.
	procs int

	// health is managed by the engineManager.
	health engineHealth

	// lastFailure is managed by the engineManager.
	lastFailure time.Time

	// index is the engine's index in the manager's priority queue.
	index int

	donec chan engineDone

	mu sync.Mutex

	// Lost indicates whether the engine is considered lost as per
	// bigmachine.
	lost bool

	// Jobs is the set of jobs that have been run on this engine. It is
	// used to mark jobs lost when an engine fails.
	jobs []*Job

	disk bigmachine.DiskInfo
	mem  bigmachine.MemInfo
	load bigmachine.LoadInfo
	vals stats.Values
}

func (e *engine) String() string {
	var health string
	switch e.health {
	case engineOk:
		health = "ok"
	case engineProbation:
		health = "probation"
	case engineLost:
		health = "lost"
	}
	return fmt.Sprintf("%s (%s)", e.Addr, health)
}

// Done returns procs to the engine, and reports any error observed
// while running jobs.
func (e *engine) Done(procs int, err error) {
	e.donec <- engineDone{e, procs, err}
}

// Assign assigns the provided job to this engine. If the engine
// fails, its assigned jobs are marked LOST.
func (e *engine) Assign(job *Job) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lost {
		job.Lost()
	} else {
		e.jobs = append(e.jobs, job)
	}
}

// Go manages an engine: it polls stats at regular intervals and marks
// jobs as lost when the engine fails.
func (e *engine) Go(ctx context.Context) {
	stopped := e.Wait(bigmachine.Stopped)
loop:
	for ctx.Err() == nil {
		tctx, cancel := context.WithTimeout(ctx, statTimeout)
		g, gctx := errgroup.WithContext(tctx)
		var (
			mem  bigmachine.MemInfo
			merr error
			disk bigmachine.DiskInfo
			derr error
			load bigmachine.LoadInfo
			lerr error
			vals stats.Values
			verr error
		)
		g.Go(func() error {
			mem, merr = e.Machine.MemInfo(gctx, false)
			return nil
		})
		g.Go(func() error {
			disk, derr = e.Machine.DiskInfo(gctx)
			return nil
		})
		g.Go(func() error {
			load, lerr = e.Machine.LoadInfo(gctx)
			return nil
		})
		g.Go(func() error {
			vals = make(stats.Values)
			verr = e.Machine.Call(gctx, "Engine.Stats", struct{}{}, &vals)
			return nil
		})
		_ = g.Wait()
		cancel()
		if merr != nil {
			log.Printf("meminfo %s: %v", e.Machine.Addr, merr)
		}
		if derr != nil {
			log.Printf("diskinfo %s: %v", e.Machine.Addr, derr)
		}
		if lerr != nil {
			log.Printf("loadinfo %s: %v", e.Machine.Addr, lerr)
		}
		if verr != nil {
			log.Printf("stats %s: %v", e.Machine.Addr, verr)
		}
		e.mu.Lock()
		if merr == nil {
			e.mem = mem
		}
		if derr == nil {
			e.disk = disk
		}
		if lerr == nil {
			e.load = load
		}
		if verr == nil {
			e.vals = vals
		}
		e.mu.Unlock()
		e.UpdateStatus()
		select {
		case <-time.After(statsPollInterval):
		case <-ctx.Done():
		case <-stopped:
			break loop
		}
	}
	// The engine is dead: mark it as such and also mark its unfinished
	// jobs as lost. Completed job results have already been delivered
	// to the client, so they survive the engine.
	e.mu.Lock()
	e.lost = true
	jobs := e.jobs
	e.jobs = nil
	e.mu.Unlock()
	log.Error.Printf("lost engine %s: marking its unfinished jobs as LOST", e.Machine.Addr)
	for _, job := range jobs {
		job.Lost()
	}
}

// Lost reports whether this engine is considered lost.
func (e *engine) Lost() bool {
	e.mu.Lock()
	lost := e.lost
	e.mu.Unlock()
	return lost
}

// UpdateStatus updates the engine's status line.
func (e *engine) UpdateStatus() {
	e.mu.Lock()
	defer e.mu.Unlock()
	values := e.vals.Copy()
	e.Stats.AddAll(values)
	var health string
	switch e.health {
	case engineOk:
	case engineProbation:
		health = " (probation)"
	case engineLost:
		health = " (lost)"
	}
	e.Status.Printf("mem %s/%s disk %s/%s load %.1f/%.1f/%.1f counters %s%s",
		data.Size(e.mem.System.Used), data.Size(e.mem.System.Total),
		data.Size(e.disk.Usage.Used), data.Size(e.disk.Usage.Total),
		e.load.Averages.Load1, e.load.Averages.Load5, e.load.Averages.Load15,
		values, health,
	)
}

// Load returns the engine's load, i.e., the proportion of its
// capacity that is currently in use.
func (e *engine) Load() float64 {
	return float64(e.procs) / float64(e.maxProcs)
}

// engineFailureQ is a priority queue for engines, prioritized by the
// engine's last failure time.
type engineFailureQ []*engine

func (h engineFailureQ) Len() int           { return len(h) }
func (h engineFailureQ) Less(i, j int) bool { return h[i].lastFailure.Before(h[j].lastFailure) }
func (h engineFailureQ) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *engineFailureQ) Push(x interface{}) {
	e := x.(*engine)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *engineFailureQ) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	x.index = -1
	return x
}

// timer is a wrapper around time.Timer with an API convenient for
// managing probation timeouts.
type timer struct {
	// t is the underlying *time.Timer. It may be nil.
	t *time.Timer
	// at is the time (or later) at which t expired or will expire, if
	// t is non-nil.
	at time.Time
}

// Clear clears t; subsequent calls to C() will return nil. If t is
// already cleared, no-op.
func (t *timer) Clear() {
	if t.t == nil {
		return
	}
	t.t.Stop()
	t.t = nil
}

// Set sets t to expire at at. If the timer was already set to expire
// at at, no-op, even if the timer has already expired.
func (t *timer) Set(at time.Time) {
	if t.t == nil {
		t.at = at
		t.t = time.NewTimer(time.Until(at))
		return
	}
	if t.at == at {
		return
	}
	if !t.t.Stop() {
		<-t.t.C
	}
	t.at = at
	t.t.Reset(time.Until(at))
}

// C returns a channel on which the current time is sent when t
// expires. If t is cleared, returns nil.
func (t *timer) C() <-chan time.Time {
	if t.t == nil {
		return nil
	}
	return t.t.C
}

// EngineDone is used to report that an engine's request is done,
// along with an error used to gauge the engine's health.
type engineDone struct {
	*engine
	// procs is the number of procs to be returned to the pool
	// available for job assignment on the engine.
	procs int
	Err   error
}

// startResult is used to signal the result of attempts to start or
// dial engines.
type startResult struct {
	// engines is a slice of the engines that were successfully
	// started.
	engines []*engine
	// nFailures is the number of engines that we attempted but failed
	// to start.
	nFailures int
}

// StartEngines starts n machines on b, installing the engine service
// on each of them. StartEngines returns a slice of successfully
// started engines when all of them are in bigmachine.Running state.
// If a machine fails to start, it is not included.
func startEngines(ctx context.Context, b *bigmachine.B, group *status.Group, maxProcs, n int, params ...bigmachine.Param) []*engine {
	params = append([]bigmachine.Param{bigmachine.Services{"Engine": &engineService{}}}, params...)
	machines, err := b.Start(ctx, n, params...)
	if err != nil {
		log.Error.Printf("error starting engines: %v", err)
		return nil
	}
	var wg sync.WaitGroup
	engines := make([]*engine, len(machines))
	for i := range machines {
		i := i
		m := machines[i]
		status := group.Start()
		status.Print("waiting for engine to boot")
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-m.Wait(bigmachine.Running)
			if err := m.Err(); err != nil {
				log.Printf("engine %s failed to start: %v", m.Addr, err)
				status.Printf("failed to start: %v", err)
				status.Done()
				return
			}
			if err := verifyFuncs(ctx, m, status); err != nil {
				if errors.Is(errors.Invalid, err) {
					// A mismatched registry on an engine we started
					// ourselves means this binary creates funcs
					// non-deterministically.
					log.Panicf("%v", err)
				}
				return
			}
			status.Title(m.Addr)
			status.Print("running")
			log.Printf("engine %v is ready", m.Addr)
			engines[i] = &engine{
				Machine:  m,
				Stats:    stats.NewMap(),
				Status:   status,
				maxProcs: maxProcs,
			}
		}()
	}
	wg.Wait()
	n = 0
	for _, e := range engines {
		if e != nil {
			engines[n] = e
			n++
		}
	}
	return engines[:n]
}

// DialEngines dials the engines of an externally started pool at the
// provided addresses. Engines that cannot be dialed are skipped, but
// a func registry mismatch fails the whole attachment, as do
// addresses that leave the pool without a single engine.
var dialEngines = func(ctx context.Context, b *bigmachine.B, group *status.Group, maxProcs int, addrs []string) ([]*engine, error) {
	var (
		wg      sync.WaitGroup
		engines = make([]*engine, len(addrs))
		mu      sync.Mutex
		verr    error
	)
	for i := range addrs {
		i := i
		addr := addrs[i]
		status := group.Start()
		status.Print("dialing engine")
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := b.Dial(ctx, addr)
			if err != nil {
				log.Error.Printf("dial engine %s: %v", addr, err)
				status.Printf("failed to dial: %v", err)
				status.Done()
				return
			}
			if err := verifyFuncs(ctx, m, status); err != nil {
				if errors.Is(errors.Invalid, err) {
					mu.Lock()
					verr = err
					mu.Unlock()
				}
				return
			}
			status.Title(addr)
			status.Print("attached")
			engines[i] = &engine{
				Machine:  m,
				Stats:    stats.NewMap(),
				Status:   status,
				maxProcs: maxProcs,
			}
		}()
	}
	wg.Wait()
	if verr != nil {
		return nil, verr
	}
	n := 0
	for _, e := range engines {
		if e != nil {
			engines[n] = e
			n++
		}
	}
	if n == 0 {
		return nil, errors.E(errors.Unavailable,
			fmt.Sprintf("could not dial any of the pool's %d engines", len(addrs)))
	}
	return engines[:n], nil
}

// VerifyFuncs checks that the engine at m shares the client's func
// registry. A mismatched registry is a programming error that would
// cause invocations to call the wrong func; it is reported with kind
// errors.Invalid so that callers can distinguish it from transport
// failures.
func verifyFuncs(ctx context.Context, m *bigmachine.Machine, status *status.Task) error {
	var engineFuncLocs []string
	if err := m.RetryCall(ctx, "Engine.FuncLocations", struct{}{}, &engineFuncLocs); err != nil {
		status.Printf("failed to verify funcs: %v", err)
		status.Done()
		m.Cancel()
		return err
	}
	diff := bigpool.FuncLocationsDiff(bigpool.FuncLocations(), engineFuncLocs)
	if len(diff) > 0 {
		for _, edit := range diff {
			log.Printf("[funcsdiff] %s", edit)
		}
		status.Print("func registry mismatch")
		status.Done()
		m.Cancel()
		return errors.E(errors.Invalid,
			fmt.Sprintf("engine %s has different funcs; check for local or non-deterministic Func creation", m.Addr))
	}
	return nil
}
