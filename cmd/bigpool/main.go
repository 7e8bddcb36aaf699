// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
)

/*
	bigpool start mypool -n 4
	bigpool ls
	bigpool info mypool
	bigpool rm mypool
	bigpool setup-ec2
*/

func usage() {
	fmt.Fprintf(os.Stderr, `Bigpool is a tool for managing pools of bigpool engines.

Usage:

	bigpool <command> [arguments]

The commands are:

	start       start a named pool of engines
	ls          list running pools
	info        show the engines of a pool
	rm          remove a pool's profile
	setup-ec2   configure EC2 for use with bigpool
`)
	os.Exit(2)
}

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("bigpool: ")
	must.Func = log.Fatal
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	default:
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		flag.Usage()
	case "start":
		startCmd(args)
	case "ls":
		lsCmd(args)
	case "info":
		infoCmd(args)
	case "rm":
		rmCmd(args)
	case "setup-ec2":
		setupEc2Cmd(args)
	}
}
