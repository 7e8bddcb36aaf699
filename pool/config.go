// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pool

import (
	"github.com/grailbio/base/config"
	"github.com/grailbio/bigmachine"
)

func init() {
	config.Register("bigpool", func(inst *config.Constructor) {
		sess := newSession()
		inst.IntVar(&sess.p, "parallelism", 1024, "allowable parallelism for the pool")
		var system bigmachine.System
		inst.InstanceVar(&system, "system", "", "the bigmachine system on which engines run")
		inst.FloatVar(&sess.maxLoad, "max-load", DefaultMaxLoad, "per-engine maximum load")
		inst.Doc = "bigpool configures the bigpool runtime"
		inst.New = func() (interface{}, error) {
			if system != nil {
				sess.executor = newBigmachineExecutor(system)
			} else {
				sess.executor = newLocalExecutor()
			}
			if err := sess.start(); err != nil {
				return nil, err
			}
			return sess, nil
		}
	})
}
