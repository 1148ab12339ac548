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

// Package admitter implements the single-goroutine admitter (C8, spec.md
// §4.5): it owns the listening socket, accepts connections in one loop,
// and hands each off to the admission queue, synthesizing a 503 inline
// whenever the queue is full rather than blocking the accept loop.
//
// The startup/shutdown shape (RaiseFileLimit before Listen, WaitNotify
// + graceful Shutdown on SIGINT/SIGTERM) follows
// nabbar-golib/httpserver/server.go's lifecycle closely: bind, serve,
// wait on an OS signal channel, then drain.
package admitter

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nabbar/staticd/errs"
	"github.com/nabbar/staticd/queue"
	"github.com/nabbar/staticd/stats"
)

const (
	ErrorListen errs.CodeError = iota + errs.MinPkgAdmitter
	ErrorAccept
)

func init() {
	errs.RegisterMessages(errs.MinPkgAdmitter, 4, message)
}

func message(code errs.CodeError) string {
	switch code {
	case ErrorListen:
		return "cannot bind listening socket"
	case ErrorAccept:
		return "accept loop terminated"
	}
	return ""
}

// fullResponseBody is the canned body of the inline 503 synthesized when
// the admission queue rejects a connection (spec.md §4.5 "admitter...
// writes 503 directly").
const fullResponseBody = "<html><body><h1>503 Service Unavailable</h1></body></html>"

// fullResponse is built from fullResponseBody's actual length rather than
// a hardcoded Content-Length, so a conformant client never reads a
// truncated or over-long body.
var fullResponse = fmt.Sprintf(
	"HTTP/1.1 503 Service Unavailable\r\nContent-Type: text/html\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
	len(fullResponseBody), fullResponseBody,
)

// Admitter owns the listening socket and the single accept loop.
type Admitter struct {
	ln    net.Listener
	queue *queue.Queue
	stats *stats.Aggregate
	diag  *logrus.Logger

	done chan struct{}
}

// New binds addr (host:port) with net.Listen and returns an Admitter ready
// to Serve. The listen backlog is the operating system's default; the
// queue's capacity is not used to size it.
func New(addr string, q *queue.Queue, s *stats.Aggregate, diag *logrus.Logger) (*Admitter, errs.Coded) {
	if diag == nil {
		diag = logrus.New()
		diag.SetOutput(os.Stderr)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, ErrorListen.Error(err)
	}

	return &Admitter{
		ln:    ln,
		queue: q,
		stats: s,
		diag:  diag,
		done:  make(chan struct{}),
	}, nil
}

// Addr returns the bound local address, useful when addr was given with
// a ":0" port for tests.
func (a *Admitter) Addr() net.Addr { return a.ln.Addr() }

// Serve runs the accept loop until Shutdown closes the listener. Every
// accepted connection is handed to the admission queue via TryEnqueue;
// on ErrorFull the admitter writes fullResponse and closes the
// connection itself, incrementing stats.Rejected, matching spec.md
// §4.5's "the admitter does not block on a full queue."
func (a *Admitter) Serve() errs.Coded {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			select {
			case <-a.done:
				return nil
			default:
				a.diag.WithError(err).Error("accept failed")
				return ErrorAccept.Error(err)
			}
		}

		remote := conn.RemoteAddr().String()
		host, _, _ := net.SplitHostPort(remote)
		if host == "" {
			host = remote
		}

		h := queue.Handle{Conn: conn, RemoteAddr: host, Arrived: time.Now().UnixNano()}

		if e := a.queue.TryEnqueue(h); e != nil {
			a.rejectInline(conn)
			continue
		}

		a.stats.Admitted()
	}
}

// rejectInline writes a synthesized 503 and closes conn without ever
// touching the admission queue or a worker (spec.md §4.5 failure path).
func (a *Admitter) rejectInline(conn net.Conn) {
	_, _ = conn.Write([]byte(fullResponse))
	_ = conn.Close()
	a.stats.Rejected(int64(len(fullResponse)))
}

// Shutdown closes the listening socket, unblocking Serve's Accept call,
// and shuts down the admission queue so every worker's Run loop
// unblocks in turn.
func (a *Admitter) Shutdown() {
	close(a.done)
	_ = a.ln.Close()
	a.queue.Shutdown()
}

// WaitNotify blocks until SIGINT or SIGTERM is received, then calls
// Shutdown. Mirrors nabbar-golib/httpserver/server.go's signal-driven
// graceful shutdown idiom.
func (a *Admitter) WaitNotify() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	signal.Stop(sig)
	a.Shutdown()
}

// RaiseFileLimitError wraps a raise-limit failure so callers can decide
// whether to treat it as fatal (it usually isn't - a lower limit just
// bounds concurrency earlier than the configuration requests).
type RaiseFileLimitError struct {
	Err error
}

func (e *RaiseFileLimitError) Error() string {
	return fmt.Sprintf("raise file descriptor limit: %v", e.Err)
}
func (e *RaiseFileLimitError) Unwrap() error { return e.Err }
