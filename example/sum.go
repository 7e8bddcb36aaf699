// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package example contains a trivial bigpool computation used to
// illustrate the package's testing facilities. See sum_test.go.
package example

import (
	"context"

	"github.com/grailbio/bigpool"
	"github.com/grailbio/bigpool/pool"
)

// Sum is a registered func that adds two integers. Funcs must be
// registered at package initialization so that client and engine
// binaries share the same registry.
var Sum = bigpool.Func(func(x, y int) int { return x + y })

// A Result records the outcome of a single summation: the job that
// computed it, the engine it ran on, and the sum itself.
type Result struct {
	Job    string
	Engine string
	Sum    int
}

// SumAll submits one Sum invocation per pair, waits for all of them
// to complete, and returns the per-job results in submission order.
func SumAll(ctx context.Context, sess *pool.Session, pairs [][2]int) ([]Result, error) {
	view := sess.LoadBalanced()
	pendings := make([]*pool.Pending, len(pairs))
	for i, pair := range pairs {
		pendings[i] = view.Apply(Sum, pair[0], pair[1])
	}
	if err := pool.WaitAll(ctx, pendings...); err != nil {
		return nil, err
	}
	results := make([]Result, len(pendings))
	for i, p := range pendings {
		var sum int
		if err := p.Result(ctx, &sum); err != nil {
			return nil, err
		}
		results[i] = Result{Job: p.ID(), Engine: p.Engine(), Sum: sum}
	}
	return results, nil
}
