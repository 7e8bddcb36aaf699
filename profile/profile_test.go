// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package profile

import (
	"io/ioutil"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
)

func testDir(t *testing.T) func() {
	t.Helper()
	dir, err := ioutil.TempDir("", "bigpool-profile")
	if err != nil {
		t.Fatal(err)
	}
	save := Dir
	Dir = dir
	return func() {
		Dir = save
		os.RemoveAll(dir)
	}
}

func TestWriteRead(t *testing.T) {
	defer testDir(t)()
	c := Connection{
		Name:     "assembly4",
		System:   "local",
		Engines:  []string{"https://localhost:3333/", "https://localhost:3334/"},
		Maxprocs: 2,
		Created:  time.Now().UTC().Truncate(time.Second),
	}
	if err := Write(c); err != nil {
		t.Fatal(err)
	}
	got, err := Read("assembly4")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, c) {
		t.Errorf("got %+v, want %+v", got, c)
	}
}

func TestReadNotExist(t *testing.T) {
	defer testDir(t)()
	_, err := Read("nosuchpool")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("expected NotExist error, got %v", err)
	}
}

func TestList(t *testing.T) {
	defer testDir(t)()
	for _, name := range []string{"b", "a", "c"} {
		if err := Write(Connection{Name: name, Engines: []string{"addr"}}); err != nil {
			t.Fatal(err)
		}
	}
	conns, err := List()
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, c := range conns {
		names = append(names, c.Name)
	}
	if got, want := names, []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := Remove("b"); err != nil {
		t.Fatal(err)
	}
	conns, err = List()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(conns), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
