// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigpool implements named pools of worker engines to which
	clients submit function calls for load-balanced, asynchronous
	execution. A pool is served independently, either by an application
	binary through pool.Serve or by the bigpool command, and addressed
	by its profile name; clients attach to a
	running pool, enumerate its engines, and submit invocations of
	registered funcs through views. Each submission returns a pending
	result handle that may be waited on individually or in bulk.

	Pools can run locally, but use bigmachine for distribution among a
	cluster of compute nodes. In either case, user code does not
	change; the details of distribution are handled by the combination
	of bigmachine and bigpool.

	Because Go cannot easily serialize code to be sent over the wire
	and executed remotely, bigpool programs have to be written with a
	few constraints:

	1. All funcs invoked on engines must be created by bigpool.Func,
	and all such funcs must be instantiated before pool.Start or
	pool.Attach is called. This rule is easy to follow: if funcs are
	global variables, and sessions are created from a program's main,
	then the program is compliant.

	2. The client binary and the engine binaries must share a func
	registry. Attachment verifies this by exchanging func locations
	with each engine; a mismatch fails the attachment, as it usually
	indicates local or non-deterministic func creation.

	Package pool implements sessions, engines, and views; package
	profile implements named pool profiles and their connection files.
*/
package bigpool
