// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Pprof is included to be exposed on the diagnostic web server.
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigpool/pool"
	"github.com/grailbio/bigpool/profile"
)

func startUsage(flags *flag.FlagSet) {
	fmt.Fprint(os.Stderr, `usage: bigpool start [-n N] [-http address] [-console] name

Command start brings up a named pool of engines and writes its
connection file under `, profile.Dir, `, so that clients may attach to
the pool by name. Start blocks until interrupted; on SIGINT or
SIGTERM the pool is shut down and its profile removed.

Engines execute the funcs registered in the binary that serves the
pool. The stock bigpool binary registers no funcs of its own, so
applications usually serve pools from their own binaries with
pool.Serve; start is most useful for development and smoke tests.

The flags are:
`)
	flags.PrintDefaults()
	os.Exit(2)
}

func startCmd(args []string) {
	var (
		flags    = flag.NewFlagSet("bigpool start", flag.ExitOnError)
		n        = flags.Int("n", 2, "number of engines to start")
		httpaddr = flags.String("http", ":3333", "address on which to serve status and debug pages")
		console  = flags.Bool("console", false, "display engine status on the console")
	)
	flags.Usage = func() { startUsage(flags) }
	flags.Parse(args)
	if flags.NArg() != 1 {
		flags.Usage()
	}
	name := flags.Arg(0)
	if *n < 1 {
		log.Fatal("start: must start at least one engine")
	}

	var st status.Status
	sess := pool.Start(
		pool.Bigmachine(bigmachine.Local),
		pool.Parallelism(*n*runtime.GOMAXPROCS(0)),
		pool.Status(&st),
	)
	if *console {
		var reporter status.Reporter
		go reporter.Go(os.Stdout, &st)
	}
	if *httpaddr != "" {
		mux := http.NewServeMux()
		sess.HandleDebug(mux)
		mux.Handle("/debug/status", status.Handler(&st))
		go func() {
			if err := http.ListenAndServe(*httpaddr, mux); err != nil {
				log.Error.Printf("failed to start HTTP server at %s: %v", *httpaddr, err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(backgroundcontext.Get())
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
	}()
	must.Nil(sess.Serve(ctx, name, *n), "serving pool")
	sess.Shutdown()
}
