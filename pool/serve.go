// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigpool/profile"
)

// Serve publishes the session's pool under the provided profile name
// so that other processes may attach to it. Serve warms up n engines,
// writes the pool's connection file, and then blocks until ctx is
// cancelled, at which point the connection file is removed. Engines
// execute the funcs registered in the serving binary, so applications
// serve pools from binaries that register the same funcs as their
// clients:
//
//	var Sum = bigpool.Func(func(x, y int) int { return x + y })
//
//	func main() {
//		sess := pool.Start(pool.Parallelism(16))
//		log.Fatal(sess.Serve(ctx, "mypool", 4))
//	}
//
// The session's system must be registered with RegisterSystem so that
// attaching binaries can recall it from the connection file. Pools can
// only be served on bigmachine sessions that started their own
// engines.
func (s *Session) Serve(ctx context.Context, name string, n int) error {
	x, ok := s.executor.(*bigmachineExecutor)
	if !ok {
		return errors.E(errors.Invalid, "pool.Serve: pools can only be served on bigmachine sessions")
	}
	if x.dial != nil {
		return errors.E(errors.Invalid, "pool.Serve: cannot serve an attached pool")
	}
	sysname := systemName(x.system)
	if sysname == "" {
		return errors.E(errors.Invalid, "pool.Serve: the session's system is not registered; see pool.RegisterSystem")
	}
	if _, err := profile.Read(name); err == nil {
		return errors.E(fmt.Sprintf("pool.Serve: pool %s already has a connection file at %s; "+
			"if it is not running, remove it with \"bigpool rm %s\"", name, profile.Path(name), name))
	} else if !errors.Is(errors.NotExist, err) {
		return err
	}
	infos, err := s.Warmup(ctx, n)
	if err != nil {
		return err
	}
	conn := profile.Connection{
		Name:    name,
		System:  sysname,
		Created: time.Now().UTC(),
	}
	for _, info := range infos {
		conn.Engines = append(conn.Engines, info.Addr)
		conn.Maxprocs = info.Maxprocs
	}
	if err := profile.Write(conn); err != nil {
		return err
	}
	log.Printf("pool %s is serving %d engines", name, len(conn.Engines))
	<-ctx.Done()
	log.Printf("shutting down pool %s", name)
	return profile.Remove(name)
}
