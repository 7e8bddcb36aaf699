// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigpool/profile"
)

func lsCmd(args []string) {
	flags := flag.NewFlagSet("bigpool ls", flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: bigpool ls")
		os.Exit(2)
	}
	flags.Parse(args)
	if flags.NArg() != 0 {
		flags.Usage()
	}
	conns, err := profile.List()
	must.Nil(err, "listing pools")
	tw := tabwriter.NewWriter(os.Stdout, 4, 4, 1, ' ', 0)
	fmt.Fprintln(tw, "name\tsystem\tengines\tprocs\tcreated")
	for _, c := range conns {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
			c.Name, c.System, len(c.Engines), len(c.Engines)*c.Maxprocs,
			c.Created.Local().Format("2006-01-02 15:04:05"))
	}
	tw.Flush()
}

func infoCmd(args []string) {
	flags := flag.NewFlagSet("bigpool info", flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: bigpool info name")
		os.Exit(2)
	}
	flags.Parse(args)
	if flags.NArg() != 1 {
		flags.Usage()
	}
	name := flags.Arg(0)
	c, err := profile.Read(name)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("pool %s (%s), started %s\n", c.Name, c.System, c.Created.Local().Format("2006-01-02 15:04:05"))
	tw := tabwriter.NewWriter(os.Stdout, 4, 4, 1, ' ', 0)
	fmt.Fprintln(tw, "engine\tprocs")
	for _, addr := range c.Engines {
		fmt.Fprintf(tw, "%s\t%d\n", addr, c.Maxprocs)
	}
	tw.Flush()
}

func rmCmd(args []string) {
	flags := flag.NewFlagSet("bigpool rm", flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: bigpool rm name")
		os.Exit(2)
	}
	flags.Parse(args)
	if flags.NArg() != 1 {
		flags.Usage()
	}
	name := flags.Arg(0)
	if _, err := profile.Read(name); err != nil {
		log.Fatal(err)
	}
	must.Nil(profile.Remove(name), "removing pool profile")
	log.Printf("removed pool %s", name)
}
