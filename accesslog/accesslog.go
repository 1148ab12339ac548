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

// Package accesslog appends Apache-style access log lines (spec.md §6),
// serialized through a mutex wrapping append-and-flush, the same guard
// nabbar-golib/logger/hookfile.go uses around its file hook. The entry
// format is hand-built rather than delegated to logrus' formatter because
// the wire format is fixed by spec.md, and each line is appended straight
// to the *os.File. A *logrus.Logger, the same type the teacher's Entry is
// backed by, carries only the diagnostic messages about write and
// rotation failures, so they flow through the same leveled logger used
// elsewhere in the process.
package accesslog

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nabbar/staticd/errs"
)

const (
	ErrorOpen errs.CodeError = iota + errs.MinPkgAccessLog
	ErrorWrite
	ErrorRotate
)

func init() {
	errs.RegisterMessages(errs.MinPkgAccessLog, 8, message)
}

func message(code errs.CodeError) string {
	switch code {
	case ErrorOpen:
		return "cannot open access log file"
	case ErrorWrite:
		return "cannot write access log entry"
	case ErrorRotate:
		return "cannot rotate access log file"
	}
	return ""
}

// rotateThreshold is the size (in bytes) above which the next write
// triggers a rename to "<path>.old", per spec.md §6. No numbered backups -
// the partial rotation behavior is the specified one (DESIGN.md, Open
// Question resolution 4).
const rotateThreshold = 10 * 1024 * 1024

// Logger appends one line per served request to an append-mode file,
// serialized by mu so concurrent worker goroutines never interleave
// partial lines.
type Logger struct {
	mu   sync.Mutex
	path string
	f    *os.File
	diag *logrus.Logger
}

// Open creates or appends to path, ready for concurrent Access calls.
// diag receives rotation failures and other diagnostic messages; it may
// be nil, in which case a default stderr logger is used.
func Open(path string, diag *logrus.Logger) (*Logger, errs.Coded) {
	if diag == nil {
		diag = logrus.New()
		diag.SetOutput(os.Stderr)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, ErrorOpen.Error(err)
	}

	return &Logger{path: path, f: f, diag: diag}, nil
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Access appends one Apache-style log line:
//
//	<remote-ip> - - [<dd/Mon/yyyy:HH:MM:SS tz>] "<METHOD> <PATH> <VERSION>" <STATUS> <BYTES>
func (l *Logger) Access(remoteIP string, at time.Time, method, path, version string, status int, bytes int64) {
	line := fmt.Sprintf("%s - - [%s] \"%s %s %s\" %d %d\n",
		remoteIP,
		at.Format("02/Jan/2006:15:04:05 -0700"),
		method, path, version,
		status, bytes,
	)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.rotateIfNeededLocked()

	if _, err := l.f.WriteString(line); err != nil {
		l.diag.WithError(err).Error("failed to write access log entry")
		return
	}
	_ = l.f.Sync()
}

// rotateIfNeededLocked must be called with mu held. It renames the
// current file to "<path>.old" when it has grown past rotateThreshold,
// then reopens path fresh - matching the partial rotation policy spec.md
// §6 specifies (rename on size exceedance, no numbered backups).
func (l *Logger) rotateIfNeededLocked() {
	info, err := l.f.Stat()
	if err != nil || info.Size() <= rotateThreshold {
		return
	}

	_ = l.f.Close()

	if err := os.Rename(l.path, l.path+".old"); err != nil {
		l.diag.WithError(err).Error("failed to rotate access log file")
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.diag.WithError(err).Error("failed to reopen access log file after rotation")
		return
	}

	l.f = f
}
