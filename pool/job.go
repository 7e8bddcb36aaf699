// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigpool"
)

// ErrJobLost indicates that a Job was in JobLost state.
var ErrJobLost = errors.New("job was lost")

// JobState represents the runtime state of a Job. JobState values are
// defined so that their magnitudes correspond with job progression.
type JobState int

const (
	// JobInit is the initial state of a job. Jobs in state JobInit have
	// usually not yet been seen by an executor.
	JobInit JobState = iota

	// JobWaiting indicates that a job has been submitted for execution
	// (it is runnable) but has not yet been allocated an engine by the
	// executor.
	JobWaiting
	// JobRunning is the state of a job that's currently being run.
	// After a job is in state JobRunning, it can only enter a
	// larger-valued state.
	JobRunning

	// JobOk indicates that a job has successfully completed; the job's
	// results are available through the job's pending handle.
	//
	// All JobState values greater than JobOk indicate job errors.
	JobOk

	// JobErr indicates that the job experienced a failure while
	// running.
	JobErr
	// JobLost indicates that the job was lost, usually because the
	// engine to which the job was assigned failed. Lost jobs are
	// resubmitted by their supervisors.
	JobLost

	maxJobState
)

var jobStates = [...]string{
	JobInit:    "INIT",
	JobWaiting: "WAITING",
	JobRunning: "RUNNING",
	JobOk:      "OK",
	JobErr:     "ERROR",
	JobLost:    "LOST",
}

// String returns the job state as an upper-case string.
func (s JobState) String() string {
	return jobStates[s]
}

// A Job is a single submitted invocation of a registered func. Jobs
// maintain executor state and are used to coordinate execution
// between a supervisor and an executor. Jobs thus embed a mutex for
// coordination and provide a context-aware conditional variable to
// coordinate runtime state changes.
type Job struct {
	// ID uniquely identifies the job within a session. IDs are used to
	// deduplicate replayed runs on engines.
	ID string
	// Invocation is the func invocation performed by this job.
	Invocation bigpool.Invocation
	// Priority orders scheduling requests for this job. Lower values
	// are scheduled first.
	Priority int
	// Target optionally pins the job to the engine with this address,
	// as used by direct and keyed views.
	Target string

	// Status is a status object to which job status is reported.
	Status *status.Task

	sync.Mutex
	waitc chan struct{}

	// State is the job's state. It is protected by the job's lock and
	// state changes are also broadcast on the job's condition variable.
	state JobState
	// Err is defined when state == JobErr.
	err error

	// Results and addr are set when the job completes successfully.
	results []interface{}
	addr    string

	// consecutiveLost is the number of times this job has been run and
	// lost consecutively. See maxConsecutiveLost.
	consecutiveLost int
}

func newJob(inv bigpool.Invocation) *Job {
	return &Job{
		ID:         uuid.New().String(),
		Invocation: inv,
	}
}

// String returns a short, human-readable string describing the job's
// state.
func (j *Job) String() string {
	// We play fast-and-loose with concurrency here (we read state and
	// err without holding the job's mutex) so that it is safe to call
	// String even when the lock is held.
	s := fmt.Sprintf("job %s %s", j.ID, j.state)
	if j.err != nil {
		s += ": " + j.err.Error()
	}
	return s
}

// Set sets the job's state to the provided state and notifies any
// waiters.
func (j *Job) Set(state JobState) {
	j.Lock()
	j.state = state
	j.Broadcast()
	j.Unlock()
}

// Done sets the job's state to JobOk and records the address of the
// engine that ran it together with its results. Waiters are notified.
func (j *Job) Done(addr string, results []interface{}) {
	j.Lock()
	j.state = JobOk
	j.addr = addr
	j.results = results
	j.Broadcast()
	j.Unlock()
}

// Error sets the job's state to JobErr and its error to the provided
// error. Waiters are notified.
func (j *Job) Error(err error) {
	j.Lock()
	j.state = JobErr
	j.err = err
	j.Status.Print(err.Error())
	j.Broadcast()
	j.Unlock()
}

// Lost marks the job lost and notifies waiters. Jobs that have
// already completed are left alone: a loss reported by a superseded
// run must not clobber the result of a later one.
func (j *Job) Lost() {
	j.Lock()
	if j.state < JobOk {
		j.state = JobLost
		j.Broadcast()
	}
	j.Unlock()
}

// Errorf formats an error message using fmt.Errorf, sets the job's
// state to JobErr and its err to the resulting error message.
func (j *Job) Errorf(format string, v ...interface{}) {
	j.Error(fmt.Errorf(format, v...))
}

// Err returns an error if the job's state is >= JobErr. When the
// state is > JobErr, Err returns an error describing the job's failed
// state, otherwise, j.err is returned.
func (j *Job) Err() error {
	j.Lock()
	defer j.Unlock()
	switch j.state {
	case JobErr:
		if j.err == nil {
			panic("JobErr without an err")
		}
		return j.err
	case JobLost:
		return ErrJobLost
	}
	if j.state >= JobErr {
		panic("unhandled state")
	}
	return nil
}

// State returns the job's current state.
func (j *Job) State() JobState {
	j.Lock()
	state := j.state
	j.Unlock()
	return state
}

// Results returns the job's results and the address of the engine
// that computed them. Results is valid only after the job has reached
// state JobOk.
func (j *Job) Results() (addr string, results []interface{}) {
	j.Lock()
	addr, results = j.addr, j.results
	j.Unlock()
	return
}

// Broadcast notifies waiters of a state change. Broadcast must only
// be called while the job's lock is held.
func (j *Job) Broadcast() {
	if j.waitc != nil {
		close(j.waitc)
		j.waitc = nil
	}
}

// Wait returns after the next call to Broadcast, or if the context is
// complete. The job's lock must be held when calling Wait.
func (j *Job) Wait(ctx context.Context) error {
	if j.waitc == nil {
		j.waitc = make(chan struct{})
	}
	waitc := j.waitc
	j.Unlock()
	var err error
	select {
	case <-waitc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	j.Lock()
	return err
}

// WaitState returns when the job's state is at least the provided
// state, or else when the context is done.
func (j *Job) WaitState(ctx context.Context, state JobState) (JobState, error) {
	j.Lock()
	defer j.Unlock()
	var err error
	for j.state < state && err == nil {
		err = j.Wait(ctx)
	}
	return j.state, err
}
