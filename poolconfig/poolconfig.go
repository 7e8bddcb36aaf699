// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package poolconfig provides a mechanism to create a bigpool
// session from a shared configuration. Poolconfig uses the
// configuration mechanism in package
// github.com/grailbio/base/config, and reads a default profile from
// $HOME/.bigpool/config. Configurations may be provisioned
// using the bigpool command.
package poolconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/bigpool/pool"
)

func init() {
	pool.RegisterSystem("ec2", &ec2system.System{})
}

// Path determines the location of the bigpool profile read
// by Parse.
var Path = os.ExpandEnv("$HOME/.bigpool/config")

// Parse registers configuration flags, bigpool flags, and calls
// flag.Parse. It reads bigpool configuration from Path defined in
// this package. Parse returns session as configured by the
// configuration and any flags provided. Parse panics if session
// creation fails.
func Parse() (sess *pool.Session, shutdown func()) {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	config.Must("bigpool", &sess)
	return sess, sess.Shutdown
}
