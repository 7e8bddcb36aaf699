// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package example

import (
	"context"
	"testing"

	"github.com/grailbio/bigpool/pool"
)

func TestSumAll(t *testing.T) {
	sess := pool.Start(pool.Local, pool.Parallelism(4))
	defer sess.Shutdown()

	pairs := [][2]int{{1, 2}, {3, 4}, {5, 6}, {7, 8}}
	results, err := SumAll(context.Background(), sess, pairs)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(results), len(pairs); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	seen := make(map[string]bool)
	for i, r := range results {
		if got, want := r.Sum, pairs[i][0]+pairs[i][1]; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := r.Engine, "local"; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if r.Job == "" || seen[r.Job] {
			t.Errorf("bad job ID %q", r.Job)
		}
		seen[r.Job] = true
	}
}
