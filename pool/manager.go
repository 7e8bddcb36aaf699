// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pool

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
)

// maxStartEngines is the maximum number of engines that may be
// started in one batch.
const maxStartEngines = 10

// An EngineInfo describes an engine of a pool, as reported by
// engine enumeration.
type EngineInfo struct {
	// Addr is the engine's address.
	Addr string
	// Maxprocs is the number of procs available for jobs on the
	// engine.
	Maxprocs int
	// Procs is the number of procs currently occupied by jobs.
	Procs int
	// Health is the manager's assessment of the engine: "ok",
	// "probation", or "lost".
	Health string
}

// EngineManager manages a pool of engines, load balancing requests
// among them. EngineManagers are constructed by newEngineManager.
type engineManager struct {
	b      *bigmachine.B
	params []bigmachine.Param
	group  *status.Group
	maxp   int
	// engprocs is the number of procs each managed engine has
	// available for jobs, taking into account max load.
	engprocs int
	// static, if non-nil, holds the pre-dialed engines of an
	// externally started pool; the manager schedules onto these
	// engines and never starts machines of its own.
	static []*engine
	// schedQ is the priority queue of scheduling requests, which
	// determines the order in which requests are satisfied. See Offer.
	schedQ   scheduleRequestQ
	schedc   chan scheduleRequest
	unschedc chan scheduleRequest
	infoc    chan chan []EngineInfo

	enginesWG sync.WaitGroup
}

// NewEngineManager returns a new engineManager parameterized by the
// provided arguments. Maxp determines the maximum number of procs
// that may be allocated; engprocs is the number of procs each engine
// makes available for jobs. If static is non-nil, the manager
// schedules onto the provided engines and never starts machines of
// its own.
//
// The pool is not managed until engineManager.Do is called by the
// user.
func newEngineManager(b *bigmachine.B, params []bigmachine.Param, group *status.Group, maxp, engprocs int, static []*engine) *engineManager {
	return &engineManager{
		b:        b,
		params:   params,
		group:    group,
		maxp:     maxp,
		engprocs: engprocs,
		static:   static,
		schedc:   make(chan scheduleRequest),
		unschedc: make(chan scheduleRequest),
		infoc:    make(chan chan []EngineInfo),
	}
}

// Offer asks m to offer an engine on which to run work with the given
// priority and number of procs. If addr is nonempty, only the engine
// with that address may satisfy the request. When m schedules the
// request, the engine is sent to the returned channel. If the
// request names an engine that is no longer part of the pool, the
// channel is closed without a delivery. The second return value is a
// function that cancels the request when called. If the request has
// already been serviced (i.e. an engine has already been delivered),
// calling the cancel function is a no-op.
func (m *engineManager) Offer(priority, procs int, addr string) (<-chan *engine, func()) {
	engc := make(chan *engine)
	s := scheduleRequest{
		procs:    procs,
		priority: priority,
		addr:     addr,
		engc:     engc,
	}
	m.schedc <- s
	cancel := func() {
		m.unschedc <- s
	}
	return engc, cancel
}

// Info returns a snapshot of the engines currently under management,
// including engines on probation.
func (m *engineManager) Info(ctx context.Context) ([]EngineInfo, error) {
	c := make(chan []EngineInfo, 1)
	select {
	case m.infoc <- c:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case info := <-c:
		return info, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Warm brings up n engines and returns the resulting engine
// snapshot. It requests each engine's full proc capacity, so each
// request is satisfied only by a fresh engine. It is used by pool
// daemons to start a fixed-size pool before writing its connection
// file. The session's parallelism must cover the requested engines.
func (m *engineManager) Warm(ctx context.Context, n int) ([]EngineInfo, error) {
	engines := make([]*engine, 0, n)
	release := func() {
		for _, e := range engines {
			e.Done(m.engprocs, nil)
		}
		engines = nil
	}
	defer release()
	for i := 0; i < n; i++ {
		offerc, cancel := m.Offer(0, m.engprocs, "")
		select {
		case e := <-offerc:
			engines = append(engines, e)
		case <-ctx.Done():
			cancel()
			return nil, ctx.Err()
		}
	}
	// Return the warmup procs before taking the snapshot so that the
	// engines are reported idle.
	release()
	return m.Info(ctx)
}

// Do starts engine management. The user typically calls this
// asynchronously. Do services requests for engine capacity and
// monitors engine health: stopped engines are considered lost and
// removed from management.
//
// Do attempts to maintain at least as many procs as are currently
// needed; thus when an engine is lost, it may be replaced with
// another should it be needed. In static (attached) mode the set of
// engines is fixed: lost engines are not replaced.
func (m *engineManager) Do(ctx context.Context) {
	var (
		need, pending  int
		startc         = make(chan startResult)
		stoppedc       = make(chan *engine)
		donec          = make(chan engineDone)
		engines        []*engine
		probation      engineFailureQ
		probationTimer timer
		// We track consecutive failures to start engines as a heuristic
		// to decide that there might be a systematic problem preventing
		// engines from starting.
		consecutiveStartFailures int
	)
	if m.static != nil {
		pending += len(m.static) * m.engprocs
		go func() {
			for _, e := range m.static {
				e := e
				m.enginesWG.Add(1)
				go func() {
					e.Go(ctx)
					m.enginesWG.Done()
				}()
			}
			startc <- startResult{engines: m.static}
		}()
	}
	for {
		// Requests are considered in priority order (then procs
		// decreasing, giving first fit decreasing); a request whose
		// address constraint or proc demand cannot currently be met
		// does not block the requests behind it.
		var (
			eng  *engine
			engc chan<- *engine
			reqi = -1
		)
		for i := range m.schedQ {
			e := schedule(m.schedQ[i], engines)
			if e == nil {
				continue
			}
			if reqi < 0 || m.schedQ.Less(i, reqi) {
				reqi, eng = i, e
			}
		}
		if reqi >= 0 {
			engc = m.schedQ[reqi].engc
		}
		if len(probation) == 0 {
			probationTimer.Clear()
		} else {
			probationTimer.Set(probation[0].lastFailure.Add(ProbationTimeout))
		}
		select {
		case engc <- eng:
			eng.procs += m.schedQ[reqi].procs
			heap.Remove(&m.schedQ, reqi)
		case <-probationTimer.C():
			eng := probation[0]
			eng.health = engineOk
			log.Printf("removing engine %s from probation", eng.Addr)
			heap.Remove(&probation, 0)
			engines = appendEngine(engines, eng)
			probationTimer.Clear()
		case done := <-donec:
			need -= done.procs
			eng := done.engine
			eng.procs -= done.procs
			switch {
			case done.Err != nil && !errors.Is(errors.Remote, done.Err) && eng.health == engineOk:
				// We only consider probation if we have problems with RPC
				// machinery, e.g. host unavailable or other network errors.
				// If the error is from application code of an RPC, we defer
				// to the job supervisor for remediation. This is to limit
				// the blast radius of a problematic engine.
				log.Error.Printf("putting engine %s on probation after error: %v", eng, done.Err)
				eng.health = engineProbation
				engines = removeEngine(engines, eng)
				eng.lastFailure = time.Now()
				heap.Push(&probation, eng)
			case done.Err == nil && eng.health == engineProbation:
				log.Printf("engine %s returned successful result; removing probation", eng)
				eng.health = engineOk
				heap.Remove(&probation, eng.index)
				engines = appendEngine(engines, eng)
			case eng.health == engineLost:
				// In this case, the engine has already been removed from
				// the heap.
			case eng.health == engineProbation:
				log.Error.Printf("keeping engine %s on probation after error: %v", eng, done.Err)
				eng.lastFailure = time.Now()
				heap.Fix(&probation, eng.index)
			case eng.health == engineOk:
				// Everything continues merrily.
			default:
				panic("invalid engine state")
			}
		case s := <-m.schedc:
			heap.Push(&m.schedQ, s)
			need += s.procs
		case s := <-m.unschedc:
			// A request that is no longer queued has already been
			// serviced; cancellation is then a no-op.
			for i := range m.schedQ {
				if m.schedQ[i].engc == s.engc {
					need -= s.procs
					heap.Remove(&m.schedQ, i)
					break
				}
			}
		case result := <-startc:
			pending -= m.engprocs * (len(result.engines) + result.nFailures)
			for _, eng := range result.engines {
				engines = appendEngine(engines, eng)
				eng.donec = donec
				go func(eng *engine) {
					<-eng.Wait(bigmachine.Stopped)
					stoppedc <- eng
				}(eng)
			}
			if len(result.engines) > 0 {
				consecutiveStartFailures = 0
			} else {
				consecutiveStartFailures += result.nFailures
				if consecutiveStartFailures > 8 {
					log.Printf("warning: failed to start last %d engines; check for systematic problem preventing engine bootup", consecutiveStartFailures)
				}
			}
		case eng := <-stoppedc:
			// Remove the engine from management. We let the engine
			// instance deal with failing the jobs.
			log.Error.Printf("engine %s stopped with error %s", eng, eng.Err())
			switch eng.health {
			case engineOk:
				engines = removeEngine(engines, eng)
			case engineProbation:
				heap.Remove(&probation, eng.index)
			}
			eng.health = engineLost
			eng.Status.Done()
		case c := <-m.infoc:
			info := make([]EngineInfo, 0, len(engines)+len(probation))
			for _, set := range [][]*engine{engines, probation} {
				for _, eng := range set {
					health := "ok"
					if eng.health == engineProbation {
						health = "probation"
					}
					info = append(info, EngineInfo{
						Addr:     eng.Addr,
						Maxprocs: eng.maxProcs,
						Procs:    eng.procs,
						Health:   health,
					})
				}
			}
			c <- info
		case <-ctx.Done():
			return
		}

		// Fail address-constrained requests that name an engine that is
		// no longer part of the pool: no future engine can satisfy
		// them, and leaving them queued would starve the requests
		// behind them.
		if pending == 0 {
			for i := 0; i < len(m.schedQ); {
				s := m.schedQ[i]
				if s.addr != "" && engineAt(engines, s.addr) == nil && engineAt(probation, s.addr) == nil {
					need -= s.procs
					close(s.engc)
					heap.Remove(&m.schedQ, i)
					i = 0
					continue
				}
				i++
			}
		}

		if m.static != nil {
			continue
		}
		if have := (len(engines) + len(probation)) * m.engprocs; have+pending < need && have+pending < m.maxp {
			var (
				needProcs   = min(need, m.maxp) - have - pending
				needEngines = min((needProcs+m.engprocs-1)/m.engprocs, maxStartEngines)
			)
			pending += needEngines * m.engprocs
			log.Printf("pool: %d engines (%d procs); %d engines pending (%d procs)",
				have/m.engprocs, have, pending/m.engprocs, pending)
			go func() {
				started := startEngines(ctx, m.b, m.group, m.engprocs, needEngines, m.params...)
				for _, eng := range started {
					eng := eng
					m.enginesWG.Add(1)
					go func() {
						eng.Go(ctx)
						m.enginesWG.Done()
					}()
				}
				startc <- startResult{
					engines:   started,
					nFailures: needEngines - len(started),
				}
			}()
		}
	}
}

// schedule returns an engine from engines that can satisfy s, or nil
// if no engine currently can. Address-constrained requests are
// satisfied only by the engine they name.
func schedule(s scheduleRequest, engines []*engine) *engine {
	for _, e := range engines {
		if s.addr != "" && e.Addr != s.addr {
			continue
		}
		if s.procs <= e.maxProcs-e.procs {
			return e
		}
	}
	return nil
}

// engineAt returns the engine in es with the provided address, or
// nil.
func engineAt(es []*engine, addr string) *engine {
	for _, e := range es {
		if e.Addr == addr {
			return e
		}
	}
	return nil
}

func appendEngine(es []*engine, e *engine) []*engine {
	e.index = len(es)
	return append(es, e)
}

func removeEngine(es []*engine, e *engine) []*engine {
	es[e.index] = es[len(es)-1]
	es[e.index].index = e.index
	e.index = -1
	return es[:len(es)-1]
}

type scheduleRequest struct {
	// priority is the priority of the request. Lower values have
	// higher priority. If there is more than one request waiting for
	// an engine, the request with the lowest priority value will be
	// satisfied first.
	priority int
	// procs is the number of procs being requested.
	procs int
	// addr, if nonempty, constrains the request to the engine with
	// this address.
	addr string
	engc chan *engine
	// index is the index of this request in the request heap.
	index int
}

// scheduleRequestQ is a priority queue based on request priority and
// proc demand.
type scheduleRequestQ []scheduleRequest

func (q scheduleRequestQ) Len() int { return len(q) }

func (q scheduleRequestQ) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	// Higher proc demand comes first, as we implement first fit
	// decreasing scheduling.
	return q[i].procs > q[j].procs
}

func (q scheduleRequestQ) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *scheduleRequestQ) Push(x interface{}) {
	n := len(*q)
	s := x.(scheduleRequest)
	s.index = n
	*q = append(*q, s)
}

func (q *scheduleRequestQ) Pop() interface{} {
	old := *q
	n := len(old)
	s := old[n-1]
	s.index = -1
	*q = old[0 : n-1]
	return s
}

func min(x, y int) int {
	if x < y {
		return x
	}
	return y
}
