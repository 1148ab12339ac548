/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package errs provides coded errors shared across staticd's components.
//
// Every package that needs its own error space declares a CodeError const
// block starting at one of the MinPkgXXX offsets below, and registers a
// message function with RegisterMessages. This mirrors the partitioned
// code space used across the wider ecosystem this project grew out of,
// trimmed down to what a single binary needs: no gin integration, no
// stack-of-parents hierarchy, no JSON marshaling - just a code, a message
// and an optional wrapped cause.
package errs

import "fmt"

// CodeError is a small numeric classification for an error, similar in
// spirit to an HTTP status code but scoped per package.
type CodeError uint16

const (
	UnknownError CodeError = 0

	MinPkgQueue     CodeError = 100
	MinPkgCache     CodeError = 200
	MinPkgWorker    CodeError = 300
	MinPkgHandler   CodeError = 400
	MinPkgAdmitter  CodeError = 500
	MinPkgConfig    CodeError = 600
	MinPkgAccessLog CodeError = 700
)

type messageFunc func(code CodeError) string

var registry = make(map[CodeError]messageFunc)

// RegisterMessages associates every code in [base, base+span) with fct.
// Called once from each package's init().
func RegisterMessages(base CodeError, span int, fct messageFunc) {
	for i := 0; i < span; i++ {
		registry[base+CodeError(i)] = fct
	}
}

// Message returns the registered message for code, or a generic fallback.
func (c CodeError) Message() string {
	if c == UnknownError {
		return "unknown error"
	}
	if fct, ok := registry[c]; ok {
		if m := fct(c); m != "" {
			return m
		}
	}
	return "unknown error"
}

// Error builds a Coded wrapping an optional parent error.
func (c CodeError) Error(parent error) Coded {
	return &coded{code: c, msg: c.Message(), parent: parent}
}

// Errorf builds a Coded whose message is the registered message formatted
// with args, falling back to a plain Sprintf when nothing is registered.
func (c CodeError) Errorf(parent error, args ...interface{}) Coded {
	return &coded{code: c, msg: fmt.Sprintf(c.Message(), args...), parent: parent}
}

// Coded is the error interface every staticd package returns at its
// boundaries instead of a bare error, so callers can branch on Code()
// without string matching.
type Coded interface {
	error
	Code() CodeError
	Unwrap() error
}

type coded struct {
	code   CodeError
	msg    string
	parent error
}

func (e *coded) Error() string {
	if e.parent != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.parent)
	}
	return e.msg
}

func (e *coded) Code() CodeError { return e.code }
func (e *coded) Unwrap() error   { return e.parent }

// Is reports whether err is a Coded with the given code.
func Is(err error, code CodeError) bool {
	if c, ok := err.(Coded); ok {
		return c.Code() == code
	}
	return false
}
