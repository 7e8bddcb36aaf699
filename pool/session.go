// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pool implements sessions on pools of engines, to which
// registered funcs may be submitted for asynchronous, load balanced
// execution. Pools are either started by the session itself or
// started externally (e.g. by the bigpool command) and attached to by
// profile name.
package pool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/diagnostic/dump"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigpool/profile"
)

// DefaultMaxLoad is the default engine max load.
const DefaultMaxLoad = 0.95

// An Executor runs jobs on behalf of a session. Executors are
// configured by session options.
type Executor interface {
	// Start starts the executor. It is called before the executor
	// receives any jobs, and returns a func that tears the executor
	// down. Executors that attach to externally started pools return
	// an error when the pool cannot be reached or its func registry
	// does not match.
	Start(*Session) (shutdown func(), err error)

	// Runnable submits the provided job for execution. The job's
	// progress is reported through its state.
	Runnable(*Job)

	// Engines returns a snapshot of the engines currently available to
	// the executor.
	Engines(ctx context.Context) ([]EngineInfo, error)

	// Warmup brings up n engines and returns the resulting snapshot.
	Warmup(ctx context.Context, n int) ([]EngineInfo, error)

	// HandleDebug installs debug handlers on the provided mux.
	HandleDebug(handler *http.ServeMux)

	// Name returns a human-readable name for the executor.
	Name() string
}

// Session represents a bigpool compute session. A session shares a
// binary and executor, and is valid for the run of the binary. A
// session can submit many func invocations, which are load balanced
// over the session's engines.
//
// A session is started by the Start method, or attached to a running
// pool by Attach. All funcs must be created before Start or Attach is
// called, and must be created in a deterministic order. This is
// provided by default when funcs are created as part of package
// initialization, which is both safe and encouraged:
//
//	var Sum = bigpool.Func(func(x, y int) int { return x + y })
//
//	// Possibly in another package:
//	func main() {
//		sess := pool.Start()
//		pending := sess.LoadBalanced().Apply(Sum, 1, 2)
//		...
//	}
type Session struct {
	context.Context
	index    int32
	name     string
	shutdown func()
	p        int
	maxLoad  float64
	executor Executor
	status   *status.Status
	eventer  eventlog.Eventer

	mu sync.Mutex
	// pending maps job IDs to their handles, so that outstanding work
	// may be recalled by ID.
	pending map[string]*Pending
}

// nextSessionIndex is the index of the next session that will be
// started by Start. In general, there should be only one session per
// process, but we violate this in some tests.
var nextSessionIndex int32

func newSession() *Session {
	return &Session{
		Context: backgroundcontext.Get(),
		index:   atomic.AddInt32(&nextSessionIndex, 1) - 1,
		pending: make(map[string]*Pending),
		eventer: eventlog.Nop{},
	}
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session with the local in-binary executor.
var Local Option = func(s *Session) {
	s.executor = newLocalExecutor()
}

// Bigmachine configures a session using the bigmachine executor
// configured with the provided system. If any params are provided,
// they are applied to each bigmachine allocated by the session.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.executor = newBigmachineExecutor(system, params...)
	}
}

// Parallelism configures the session with the provided target
// parallelism.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("pool.Parallelism: p <= 0")
	}
	return func(s *Session) {
		s.p = p
	}
}

// MaxLoad configures the session with the provided max engine load.
func MaxLoad(maxLoad float64) Option {
	if maxLoad <= 0 {
		panic("pool.MaxLoad: maxLoad <= 0")
	}
	return func(s *Session) {
		s.maxLoad = maxLoad
	}
}

// Status configures the session with a status object to which
// job and engine statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status

		name := fmt.Sprintf("bigpool-%02d-status", s.index)
		dump.Register(name, func(ctx context.Context, w io.Writer) error {
			return status.Marshal(w)
		})
	}
}

// Eventer configures the session with an Eventer that will be used to
// log session events (for analytics).
func Eventer(e eventlog.Eventer) Option {
	return func(s *Session) {
		s.eventer = e
	}
}

// Start creates and starts a new bigpool session, configuring it
// according to the provided options. The returned session remains
// valid for the lifetime of the binary. If no executor is configured,
// the session is configured to use the bigmachine executor on the
// local system.
func Start(options ...Option) *Session {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	if s.p == 0 {
		s.p = 1
	}
	if s.maxLoad == 0 {
		s.maxLoad = DefaultMaxLoad
	}
	if s.executor == nil {
		s.executor = newBigmachineExecutor(bigmachine.Local)
	}
	if err := s.start(); err != nil {
		log.Panicf("pool.Start: %v", err)
	}
	return s
}

// Attach creates a session attached to the running pool stored under
// the named profile. If no pool is running under the name, Attach
// returns an error with kind errors.NotExist. The executor is
// determined by the pool's connection file: its engines are dialed
// on the system registered under the connection's system name (see
// RegisterSystem), and executor options are not valid. Attach also
// returns an error when the pool cannot be dialed or when its func
// registry does not match this binary's.
func Attach(name string, options ...Option) (*Session, error) {
	conn, err := profile.Read(name)
	if err != nil {
		return nil, err
	}
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	if s.executor != nil {
		return nil, errors.E(errors.Invalid, "pool.Attach: executor options are not valid for attached sessions")
	}
	if s.p == 0 {
		s.p = len(conn.Engines) * conn.Maxprocs
	}
	if s.maxLoad == 0 {
		s.maxLoad = DefaultMaxLoad
	}
	s.name = conn.Name
	system, err := systemFor(conn.System)
	if err != nil {
		return nil, err
	}
	executor := newBigmachineExecutor(system)
	executor.dial = conn.Engines
	executor.dialProcs = conn.Maxprocs
	s.executor = executor
	if err := s.start(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) start() error {
	shutdown, err := s.executor.Start(s)
	if err != nil {
		return err
	}
	s.shutdown = shutdown
	s.eventer.Event("bigpool:sessionStart",
		"command", command(),
		"executorType", s.executor.Name(),
		"pool", s.name,
		"parallelism", s.p,
		"maxLoad", s.maxLoad)
	return nil
}

// Name returns the profile name of the pool to which the session is
// attached, or the empty string for sessions that started their own
// pool.
func (s *Session) Name() string {
	return s.name
}

// Parallelism returns the desired amount of evaluation parallelism.
func (s *Session) Parallelism() int {
	return s.p
}

// MaxLoad returns the maximum load on each allocated engine.
func (s *Session) MaxLoad() float64 {
	return s.maxLoad
}

// Engines enumerates the session's engines.
func (s *Session) Engines(ctx context.Context) ([]EngineInfo, error) {
	return s.executor.Engines(ctx)
}

// Warmup brings up n engines and returns the resulting engine
// snapshot. It is used by pool daemons to start a fixed-size pool
// before accepting clients.
func (s *Session) Warmup(ctx context.Context, n int) ([]EngineInfo, error) {
	return s.executor.Warmup(ctx, n)
}

// Pending returns the handle of the outstanding or completed job with
// the provided ID, together with a boolean indicating whether such a
// job exists in this session.
func (s *Session) Pending(id string) (*Pending, bool) {
	s.mu.Lock()
	p, ok := s.pending[id]
	s.mu.Unlock()
	return p, ok
}

func (s *Session) register(p *Pending) {
	s.mu.Lock()
	s.pending[p.job.ID] = p
	s.mu.Unlock()
}

// Shutdown tears down resources associated with this session. It
// should be called when the session is discarded.
func (s *Session) Shutdown() {
	if s.shutdown != nil {
		s.shutdown()
	}
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}

func (s *Session) HandleDebug(handler *http.ServeMux) {
	s.executor.HandleDebug(handler)
}
