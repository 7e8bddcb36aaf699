// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpool

import (
	"encoding/gob"
	"fmt"
	"reflect"
	"runtime"
	"sync/atomic"

	"github.com/grailbio/bigpool/typecheck"
)

func init() {
	gob.Register([]interface{}{})
}

var typeOfError = reflect.TypeOf((*error)(nil)).Elem()

var (
	// Funcs is the global registry of funcs. We rely on deterministic
	// registration order. (This is guaranteed by Go's variable
	// initialization for a single compiler, which is sufficient for our
	// use.) It would definitely be nice to have a nicer way of doing
	// this (without the overhead of users minting their own names).
	funcs []*FuncValue
	// FuncsBusy is used to detect data races in registration.
	funcsBusy int32
)

// A FuncValue represents a bigpool func, as returned by Func. Funcs
// are invoked on engines through invocations; see Invocation.
type FuncValue struct {
	fn       reflect.Value
	args     []reflect.Type
	rets     []reflect.Type
	hasErr   bool
	index    int
	location string
}

// NumIn returns the number of input arguments to f.
func (f *FuncValue) NumIn() int { return len(f.args) }

// In returns the i'th argument type of func f.
func (f *FuncValue) In(i int) reflect.Type { return f.args[i] }

// NumRet returns the number of result values of f, not counting a
// trailing error.
func (f *FuncValue) NumRet() int { return len(f.rets) }

// Location returns the location (file:line) at which f was created.
func (f *FuncValue) Location() string { return f.location }

// Invocation creates an invocation representing the func f applied to
// the provided arguments. Invocation panics with a type error if the
// provided arguments do not match in type or arity.
func (f *FuncValue) Invocation(args ...interface{}) Invocation {
	argTypes := make([]reflect.Type, len(args))
	for i, arg := range args {
		argTypes[i] = reflect.TypeOf(arg)
	}
	f.typecheck(argTypes...)
	return Invocation{Func: uint64(f.index), Args: args}
}

// Apply invokes the func f with the provided arguments, returning the
// computed results. If the func's last result is an error, it is
// split off and returned as Apply's error. Apply panics with a type
// error if argument type or arity do not match.
func (f *FuncValue) Apply(args ...interface{}) ([]interface{}, error) {
	argv := make([]reflect.Value, len(args))
	argTypes := make([]reflect.Type, len(args))
	for i := range argv {
		argv[i] = reflect.ValueOf(args[i])
		argTypes[i] = argv[i].Type()
	}
	f.typecheck(argTypes...)
	out := f.fn.Call(argv)
	var err error
	if f.hasErr {
		if e := out[len(out)-1].Interface(); e != nil {
			err = e.(error)
		}
		out = out[:len(out)-1]
	}
	results := make([]interface{}, len(out))
	for i := range out {
		results[i] = out[i].Interface()
	}
	return results, err
}

func (f *FuncValue) typecheck(args ...reflect.Type) {
	if len(args) != len(f.args) {
		typecheck.Panicf(2, "wrong number of arguments: func takes %d arguments, got %d",
			len(f.args), len(args))
	}
	for i := range args {
		expect, have := f.args[i], args[i]
		switch expect.Kind() {
		case reflect.Interface:
			if !have.Implements(expect) {
				typecheck.Panicf(2, "wrong type for argument %d: type %s does not implement interface %s", i, have, expect)
			}
		default:
			if have != expect {
				typecheck.Panicf(2, "wrong type for argument %d: expected %s, got %s", i, expect, have)
			}
		}
	}
}

// Func creates a bigpool func from the provided function value. The
// function may return any number of results; if its last result is an
// error, a non-nil value is reported as the invocation's error. Funcs
// provide bigpool with a means of dynamic abstraction: since funcs
// can be invoked remotely, they may be named across process
// boundaries.
func Func(fn interface{}) *FuncValue {
	fv := reflect.ValueOf(fn)
	ftype := fv.Type()
	if ftype.Kind() != reflect.Func {
		typecheck.Panicf(1, "bigpool.Func: argument to func is a %T, not a func", fn)
	}
	v := new(FuncValue)
	v.fn = fv
	for i := 0; i < ftype.NumIn(); i++ {
		typ := ftype.In(i)
		v.args = append(v.args, typ)
		if typ.Kind() != reflect.Interface {
			gob.Register(reflect.Zero(typ).Interface())
		}
	}
	for i := 0; i < ftype.NumOut(); i++ {
		typ := ftype.Out(i)
		if i == ftype.NumOut()-1 && typ == typeOfError {
			v.hasErr = true
			break
		}
		v.rets = append(v.rets, typ)
		if typ.Kind() != reflect.Interface {
			gob.Register(reflect.Zero(typ).Interface())
		}
	}
	v.location = "<unknown>"
	if _, file, line, ok := runtime.Caller(1); ok {
		v.location = fmt.Sprintf("%s:%d", file, line)
	}
	if atomic.AddInt32(&funcsBusy, 1) != 1 {
		panic("bigpool.Func: data race")
	}
	v.index = len(funcs)
	funcs = append(funcs, v)
	if atomic.AddInt32(&funcsBusy, -1) != 0 {
		panic("bigpool.Func: data race")
	}
	return v
}

// Invocation represents an invocation of a bigpool func of the same
// binary. Invocations can be transmitted across process boundaries
// and thus may be invoked by remote engines.
type Invocation struct {
	Func uint64
	Args []interface{}
}

// Invoke performs the func invocation represented by this Invocation
// instance, returning the func's results.
func (i Invocation) Invoke() ([]interface{}, error) {
	if i.Func >= uint64(len(funcs)) {
		return nil, fmt.Errorf("bigpool: invalid func index %d", i.Func)
	}
	return funcs[i.Func].Apply(i.Args...)
}
