// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pool

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine"
)

var (
	systemsMu sync.Mutex
	systems   = map[string]bigmachine.System{"local": bigmachine.Local}
)

// RegisterSystem registers a bigmachine system under the provided
// name. The name is recorded in the connection files of pools served
// on the system and recalled by Attach to dial them, so serving and
// attaching binaries must register the same systems. The local
// system is registered by default.
func RegisterSystem(name string, system bigmachine.System) {
	systemsMu.Lock()
	defer systemsMu.Unlock()
	if systems[name] != nil {
		log.Panicf("pool.RegisterSystem: system %s is already registered", name)
	}
	systems[name] = system
}

// systemFor returns the system registered under the provided name.
// The empty name resolves to the local system.
func systemFor(name string) (bigmachine.System, error) {
	if name == "" {
		name = "local"
	}
	systemsMu.Lock()
	system := systems[name]
	systemsMu.Unlock()
	if system == nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("pool: no system is registered under name %s", name))
	}
	return system, nil
}

// systemName returns the name under which the provided system is
// registered, or the empty string.
func systemName(system bigmachine.System) string {
	systemsMu.Lock()
	defer systemsMu.Unlock()
	for name, sys := range systems {
		if sys == system {
			return name
		}
	}
	return ""
}
