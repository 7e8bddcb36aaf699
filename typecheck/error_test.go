// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package typecheck

import (
	"errors"
	"runtime"
	"strings"
	"testing"
)

func errorCaller(calldepth int, err error) (e *Error, file string, line int) {
	_, file, line, ok := runtime.Caller(calldepth + 1)
	if !ok {
		panic("not ok")
	}
	return NewError(calldepth+1, err), file, line
}

func TestError(t *testing.T) {
	e := errors.New("hello world")
	err, file, line := errorCaller(1, e)
	if got, want := err.Err, e; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := err.File, file; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := err.Line, line; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPanicf(t *testing.T) {
	defer func() {
		e := recover()
		err, ok := e.(*Error)
		if !ok {
			t.Fatalf("expected *Error, got %v", e)
		}
		if got, want := err.Err.Error(), "bad arity: 3"; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if !strings.HasSuffix(err.File, "error_test.go") {
			t.Errorf("wrong file %s", err.File)
		}
	}()
	Panicf(0, "bad arity: %d", 3)
}
