// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/bigpool"
)

var (
	testAdd = bigpool.Func(func(x, y int) int { return x + y })

	testFail = bigpool.Func(func(msg string) (int, error) {
		return 0, errors.New(msg)
	})

	testPanic = bigpool.Func(func() int {
		panic("job panic")
	})
)

func TestBigmachineExecutor(t *testing.T) {
	x, stop := bigmachineTestExecutor(t)
	defer stop()

	job := newJob(testAdd.Invocation(1, 2))
	// Runnable is idempotent.
	x.Runnable(job)
	x.Runnable(job)
	state, err := job.WaitState(context.Background(), JobOk)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := state, JobOk; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	addr, results := job.Results()
	if addr == "" {
		t.Error("no engine address recorded")
	}
	if got, want := len(results), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := results[0].(int), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestBigmachineExecutorError(t *testing.T) {
	x, stop := bigmachineTestExecutor(t)
	defer stop()

	job := newJob(testFail.Invocation("some error"))
	x.Runnable(job)
	state, err := job.WaitState(context.Background(), JobOk)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := state, JobErr; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := job.Err().Error(), "some error"; !strings.Contains(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	// Errors returned by the invoked func are not fatal RPC errors.
	if errors.Match(fatalErr, job.Err()) {
		t.Errorf("unexpected fatal error: %v", job.Err())
	}
}

func TestBigmachineExecutorPanic(t *testing.T) {
	x, stop := bigmachineTestExecutor(t)
	defer stop()

	job := newJob(testPanic.Invocation())
	x.Runnable(job)
	state, err := job.WaitState(context.Background(), JobOk)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := state, JobErr; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if !errors.Match(fatalErr, job.Err()) {
		t.Errorf("expected fatal error, got %v", job.Err())
	}
}

// TestBigmachineExecutorDedup verifies that replayed runs of the same
// job return the original reply instead of invoking the func again.
func TestBigmachineExecutorDedup(t *testing.T) {
	x, stop := bigmachineTestExecutor(t)
	defer stop()

	job := newJob(testAdd.Invocation(40, 2))
	x.Runnable(job)
	if _, err := job.WaitState(context.Background(), JobOk); err != nil {
		t.Fatal(err)
	}
	_, first := job.Results()

	// Force the job back through the executor; the engine must
	// deduplicate the run by job ID.
	job.Set(JobInit)
	x.Runnable(job)
	state, err := job.WaitState(context.Background(), JobOk)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := state, JobOk; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	_, second := job.Results()
	if got, want := second[0].(int), first[0].(int); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestBigmachineExecutorEngines(t *testing.T) {
	x, stop := bigmachineTestExecutor(t)
	defer stop()

	job := newJob(testAdd.Invocation(1, 2))
	x.Runnable(job)
	if _, err := job.WaitState(context.Background(), JobOk); err != nil {
		t.Fatal(err)
	}
	infos, err := x.Engines(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(infos), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	addr, _ := job.Results()
	if got, want := infos[0].Addr, addr; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func bigmachineTestExecutor(t *testing.T) (exec *bigmachineExecutor, stop func()) {
	t.Helper()
	x := newBigmachineExecutor(testsystem.New())
	ctx, cancel := context.WithCancel(context.Background())
	shutdown, err := x.Start(&Session{
		Context: ctx,
		p:       1,
		maxLoad: 1,
	})
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	return x, func() {
		cancel()
		shutdown()
	}
}
