// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/testsystem"
)

func TestEngineManagerLoad(t *testing.T) {
	for _, maxLoad := range []float64{0.5, 1.0} {
		t.Run(fmt.Sprint("maxLoad=", maxLoad), func(t *testing.T) {
			const (
				Nproc = 100
				Nmach = 10
			)
			njob := int(maxLoad * Nproc * Nmach)
			system, _, mgr, cancel := startTestPool(
				Nproc,
				njob,
				maxLoad,
			)
			defer cancel()

			if got, want := system.N(), 0; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
			ctx := context.Background()
			es := getEngines(ctx, mgr, 1)
			if got, want := system.Wait(1), 1; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
			es = append(es, getEngines(ctx, mgr, njob-1)...)
			if got, want := system.Wait(Nmach), Nmach; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
			mustUnavailable(t, mgr)
			if got, want := system.Wait(Nmach), Nmach; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
			// Engines should be balanced, and allow maxLoad load.
			loads := make(map[*engine]int)
			for i := range es {
				if es[i] != nil {
					loads[es[i]]++
				}
			}
			if got, want := len(loads), Nmach; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
			for e, v := range loads {
				if got, want := v, int(Nproc*maxLoad); got != want {
					t.Errorf("%s: got %v, want %v", e, got, want)
				}
			}
		})
	}
}

func TestEngineManagerProbation(t *testing.T) {
	system, _, mgr, cancel := startTestPool(2, 4, 1.0)
	defer cancel()

	ctx := context.Background()
	es := getEngines(ctx, mgr, 4)
	if got, want := system.N(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	es[0].Done(1, errors.New("some error"))
	mustUnavailable(t, mgr)
	if got, want := es[0].health, engineProbation; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	es[1].Done(1, nil)
	ns := getEngines(ctx, mgr, 2)
	if got, want := ns[0], es[0]; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := ns[1], es[1]; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := es[0].health, engineOk; got != want {
		t.Errorf("got %v, want %v", es[0].health, want)
	}
}

// TestEngineManagerProbationTimeout verifies that engines that have
// been put on probation and do not experience further errors are
// removed from probation.
func TestEngineManagerProbationTimeout(t *testing.T) {
	const engprocs = 2
	const maxp = 16
	// This test takes way too long to recover with the default
	// probation timeout.
	save := ProbationTimeout
	ProbationTimeout = time.Second
	defer func() {
		ProbationTimeout = save
	}()
	_, _, mgr, cancel := startTestPool(engprocs, maxp, 1.0)
	defer cancel()
	ctx := context.Background()
	es := getEngines(ctx, mgr, maxp)
	for i := range es {
		if i%engprocs != 0 {
			continue
		}
		es[i].Done(1, errors.New("some error"))
	}
	// Bring two engines back from probation with successful completions
	// to make sure there's no surprising interaction with timeouts.
	es[0*engprocs].Done(1, nil)
	es[2*engprocs].Done(1, nil)
	ctx, ctxcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ctxcancel()
	for {
		select {
		case <-ctx.Done():
			t.Fatal("took too long")
		default:
		}
		<-time.After(100 * time.Millisecond)
		var healthyCount int
		for i := range es {
			if i%engprocs != 0 {
				continue
			}
			if es[i].health == engineOk {
				healthyCount++
			}
		}
		if healthyCount == maxp/engprocs {
			break
		}
	}
}

func TestEngineManagerLost(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode")
	}
	system, _, mgr, cancel := startTestPool(2, 4, 1.0)
	defer cancel()

	ctx := context.Background()
	es := getEngines(ctx, mgr, 4)
	system.Kill(es[0].Machine)
	for es[0].health != engineLost {
		<-time.After(10 * time.Millisecond)
	}
	if got, want := system.Wait(2), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// TestEngineManagerTargeted verifies that address-constrained
// requests are satisfied only by the engine they name.
func TestEngineManagerTargeted(t *testing.T) {
	_, _, mgr, cancel := startTestPool(2, 4, 1.0)
	defer cancel()

	ctx := context.Background()
	es := getEngines(ctx, mgr, 4)
	var target *engine
	for _, e := range es {
		if e != es[0] {
			target = e
			break
		}
	}
	for _, e := range es {
		e.Done(1, nil)
	}
	offerc, _ := mgr.Offer(0, 1, target.Addr)
	e := <-offerc
	if got, want := e.Addr, target.Addr; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	e.Done(1, nil)
}

// TestEngineManagerTargetedGone verifies that requests naming an
// engine that is not part of the pool are failed instead of queued
// forever.
func TestEngineManagerTargetedGone(t *testing.T) {
	_, _, mgr, cancel := startTestPool(2, 4, 1.0)
	defer cancel()

	ctx := context.Background()
	es := getEngines(ctx, mgr, 4)
	for _, e := range es {
		e.Done(1, nil)
	}
	offerc, _ := mgr.Offer(0, 1, "https://no-such-engine/")
	if e, ok := <-offerc; ok {
		t.Fatalf("unexpected engine %s for nonexistent address", e.Addr)
	}
	// The pool remains serviceable.
	ec, _ := mgr.Offer(1, 1, "")
	e := <-ec
	if e == nil {
		t.Fatal("no engine offered")
	}
	e.Done(1, nil)
}

// TestEngineManagerTargetedBusy verifies that an unsatisfiable
// address-constrained request does not block the requests queued
// behind it.
func TestEngineManagerTargetedBusy(t *testing.T) {
	_, _, mgr, cancel := startTestPool(1, 2, 1.0)
	defer cancel()

	ctx := context.Background()
	es := getEngines(ctx, mgr, 2)
	target, other := es[0], es[1]
	other.Done(1, nil)

	// The target engine is fully occupied, so the higher-priority
	// targeted request must wait; the request behind it is satisfied by
	// the free engine.
	offerc, _ := mgr.Offer(0, 1, target.Addr)
	ec, _ := mgr.Offer(1, 1, "")
	if got, want := <-ec, other; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	target.Done(1, nil)
	if got, want := <-offerc, target; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	target.Done(1, nil)
	other.Done(1, nil)
}

// TestEngineManagerWarm verifies that warmup brings up the requested
// engines and reports them idle.
func TestEngineManagerWarm(t *testing.T) {
	system, _, mgr, cancel := startTestPool(2, 8, 1.0)
	defer cancel()

	ctx := context.Background()
	infos, err := mgr.Warm(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := system.N(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(infos), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for _, info := range infos {
		if got, want := info.Maxprocs, 2; got != want {
			t.Errorf("%s: got %v, want %v", info.Addr, got, want)
		}
		if got, want := info.Procs, 0; got != want {
			t.Errorf("%s: got %v, want %v", info.Addr, got, want)
		}
	}
}

// TestEngineManagerInfo verifies that engine enumeration reports the
// managed engines and their proc accounting.
func TestEngineManagerInfo(t *testing.T) {
	_, _, mgr, cancel := startTestPool(2, 4, 1.0)
	defer cancel()

	ctx := context.Background()
	es := getEngines(ctx, mgr, 3)
	infos, err := mgr.Info(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(infos), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	var procs int
	for _, info := range infos {
		if got, want := info.Health, "ok"; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := info.Maxprocs, 2; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		procs += info.Procs
	}
	if got, want := procs, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for _, e := range es {
		e.Done(1, nil)
	}
}

// TestEngineManagerPriority verifies that higher-priority requests
// are serviced before lower-priority requests.
func TestEngineManagerPriority(t *testing.T) {
	const maxp = 16
	_, _, mgr, cancel := startTestPool(2, maxp, 1.0)
	defer cancel()

	ctx, ctxcancel := context.WithCancel(context.Background())
	defer ctxcancel()
	// Get engines up to our maximum parallelism. Any requests made
	// afterwards will need to be queued until these offers are
	// returned.
	es := getEngines(ctx, mgr, maxp)
	sema := make(chan struct{})
	c := make(chan int)
	// Queue up many offer requests with distinct priorities in
	// [0, maxp*4). We'll expect that the offer requests with priorities
	// in [0, maxp) will be serviced first. Queue in descending priority
	// value in case requests are serviced in FIFO order.
	for i := (maxp * 4) - 1; i >= 0; i-- {
		i := i
		go func() {
			offerc, _ := mgr.Offer(i, 1, "")
			sema <- struct{}{}
			select {
			case <-offerc:
			case <-ctx.Done():
				return
			}
			c <- i
		}()
		// Wait for the goroutine offer request to be queued.
		<-sema
	}
	// Return the original procs to allow the engines to be offered to
	// our blocked requests.
	for _, e := range es {
		e.Done(1, nil)
	}
	for j := 0; j < maxp; j++ {
		i := <-c
		if i >= maxp {
			t.Error("did not respect priority")
		}
	}
}

func startTestPool(machinep, maxp int, maxLoad float64) (system *testsystem.System, b *bigmachine.B, m *engineManager, cancel func()) {
	system = testsystem.New()
	system.Machineprocs = machinep
	// Customize timeouts so that tests run faster.
	system.KeepalivePeriod = time.Second
	system.KeepaliveTimeout = 5 * time.Second
	system.KeepaliveRpcTimeout = time.Second
	b = bigmachine.Start(system)
	ctx, ctxcancel := context.WithCancel(context.Background())
	engprocs := int(float64(machinep) * maxLoad)
	if engprocs < 1 {
		engprocs = 1
		maxp = (maxp + machinep - 1) / machinep
	}
	m = newEngineManager(b, nil, nil, maxp, engprocs, nil)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		m.Do(ctx)
		wg.Done()
	}()
	cancel = func() {
		ctxcancel()
		b.Shutdown()
		wg.Wait()
	}
	return
}

// getEngines gets n single-proc offers from mgr and returns them.
func getEngines(ctx context.Context, mgr *engineManager, n int) []*engine {
	es := make([]*engine, n)
	for i := range es {
		offerc, _ := mgr.Offer(0, 1, "")
		es[i] = <-offerc
	}
	return es
}

// mustUnavailable asserts that no engine is immediately available from mgr.
func mustUnavailable(t *testing.T, mgr *engineManager) {
	t.Helper()
	ctx, ctxcancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer ctxcancel()
	offerc, cancel := mgr.Offer(0, 1, "")
	select {
	case <-offerc:
		t.Fatal("unexpected engine available")
	case <-ctx.Done():
		cancel()
	}
}
