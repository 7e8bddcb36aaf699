// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package profile implements named pool profiles. A profile is a
// directory under Dir that holds the connection file of a running
// pool; the connection file records the pool's engine addresses so
// that clients may attach to the pool by name. Connection files are
// written by the process that starts the pool (usually the bigpool
// command) and removed when the pool shuts down.
package profile

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/grailbio/base/errors"
)

// ConnectionFile is the name of the connection file within a
// profile's directory.
const ConnectionFile = "connection.json"

// Dir determines the directory in which pool profiles are stored.
var Dir = defaultDir()

func defaultDir() string {
	if dir := os.Getenv("BIGPOOL_DIR"); dir != "" {
		return dir
	}
	return os.ExpandEnv("$HOME/.bigpool")
}

// A Connection describes a running pool: its name, the addresses of
// its engines, and enough metadata to display the pool's shape.
// Connections are stored as JSON connection files.
type Connection struct {
	// Name is the profile name of the pool.
	Name string `json:"name"`
	// System names the bigmachine system on which the pool's engines
	// run.
	System string `json:"system"`
	// Engines holds the addresses of the pool's engines.
	Engines []string `json:"engines"`
	// Maxprocs is the number of procs available on each engine.
	Maxprocs int `json:"maxprocs"`
	// Created is the time at which the pool was started.
	Created time.Time `json:"created"`
}

// Path returns the path of the named profile's connection file.
func Path(name string) string {
	return filepath.Join(Dir, name, ConnectionFile)
}

// Write stores the connection c under its profile name. The
// connection file is written atomically so that concurrent readers
// never observe a partial file.
func Write(c Connection) error {
	if c.Name == "" {
		return errors.E(errors.Invalid, "profile.Write: empty profile name")
	}
	path := Path(c.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return err
	}
	b, err := json.MarshalIndent(c, "", "\t")
	if err != nil {
		return err
	}
	if err := ioutil.WriteFile(path+".tmp", b, 0666); err != nil {
		return err
	}
	return os.Rename(path+".tmp", path)
}

// Read returns the connection stored under the named profile. If the
// profile does not exist or has no connection file, Read returns an
// error with kind errors.NotExist naming the missing file, since
// this is how clients discover that no pool is running under the
// requested name.
func Read(name string) (Connection, error) {
	path := Path(name)
	b, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Connection{}, errors.E(errors.NotExist,
				fmt.Sprintf("profile %s: no connection file at %s", name, path))
		}
		return Connection{}, err
	}
	var c Connection
	if err := json.Unmarshal(b, &c); err != nil {
		return Connection{}, errors.E(fmt.Sprintf("profile %s: corrupt connection file at %s", name, path), err)
	}
	return c, nil
}

// List returns the connections of all profiles under Dir, sorted by
// name. Profiles without a connection file are skipped.
func List() ([]Connection, error) {
	infos, err := ioutil.ReadDir(Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var conns []Connection
	for _, info := range infos {
		if !info.IsDir() {
			continue
		}
		c, err := Read(info.Name())
		if err != nil {
			if errors.Is(errors.NotExist, err) {
				continue
			}
			return nil, err
		}
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].Name < conns[j].Name })
	return conns, nil
}

// Remove removes the named profile and its connection file.
func Remove(name string) error {
	if name == "" {
		return errors.E(errors.Invalid, "profile.Remove: empty profile name")
	}
	return os.RemoveAll(filepath.Join(Dir, name))
}
