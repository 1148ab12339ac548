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

// Package handler implements the per-request state machine (C7, spec.md
// §4.4): Read -> Parse -> Validate -> Resolve -> Stat -> ServeDir/ServeFile
// -> Fail(kind) -> Finalize. Every state transition is a method on
// *request; Serve drives them until a terminal Finalize, exactly once,
// on every exit path - the scoped-resource-release idiom spec.md §9
// Design Notes asks for in place of the source's goto-cleanup style.
package handler

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nabbar/staticd/accesslog"
	"github.com/nabbar/staticd/cache"
	"github.com/nabbar/staticd/mime"
	"github.com/nabbar/staticd/queue"
	"github.com/nabbar/staticd/reqline"
	"github.com/nabbar/staticd/stats"
)

// maxRequestBytes bounds how much of the request we will buffer before
// giving up, per spec.md §4.4 "Read" state ("bounded buffer").
const maxRequestBytes = 8192

// Config carries the per-request-handler tunables that come from the
// server Config record (spec.md §3 "Request record" lifetime: created on
// handler entry, destroyed on handler exit - Config itself is shared and
// outlives every request).
type Config struct {
	DocumentRoot   string
	HostDirPrefix  string // optional; empty disables host-directory resolution
	ServerName     string
	ReadTimeout    time.Duration
	CacheCeiling   int64 // bytes; above this, ServeFile streams from disk directly
}

// Handler runs the request state machine against a dequeued connection
// handle, consulting a cache and recording outcomes into shared
// statistics and the access log.
type Handler struct {
	cfg   Config
	cache *cache.Cache
	stats *stats.Aggregate
	log   *accesslog.Logger
}

// New returns a request Handler bound to one worker's cache instance.
func New(cfg Config, c *cache.Cache, s *stats.Aggregate, l *accesslog.Logger) *Handler {
	return &Handler{cfg: cfg, cache: c, stats: s, log: l}
}

// overloadBody is the canned body for a worker-side 503, kept separate from
// the admitter's own inline synthesis (spec.md §4.5) since this one is
// emitted when the internal task queue (spec.md §4.2), not the admission
// queue, is saturated.
const overloadBody = "<html><body><h1>503 Service Unavailable</h1></body></html>"

// RejectOverload writes a synthesized 503 response and closes qh.Conn,
// recording it through the same statistics and access-log paths Finalize
// uses. Called by the worker's main goroutine when Submit to the internal
// task queue fails (spec.md §4.2: "the handler writes a 503 response
// directly and closes the handle").
//
// This path uses stats.Completed, not stats.Rejected: the admitter already
// called stats.Admitted for this handle when it placed it on the admission queue,
// so the in-flight slot opened there must be closed here, not left to leak
// (spec.md §8 "in-flight is 0 after quiescence"). stats.Rejected is
// reserved for the admitter's own inline 503, which never admitted the
// connection in the first place.
func (h *Handler) RejectOverload(qh queue.Handle) {
	now := time.Now()
	defer qh.Conn.Close()

	hdr := fmt.Sprintf(
		"HTTP/1.1 503 Service Unavailable\r\nDate: %s\r\nServer: %s\r\nContent-Type: text/html\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		now.UTC().Format(time.RFC1123), h.cfg.ServerName, len(overloadBody), overloadBody,
	)
	n, _ := io.WriteString(qh.Conn, hdr)
	_ = n

	h.stats.Completed(503, int64(len(overloadBody)), 0)
	h.log.Access(qh.RemoteAddr, now, "-", "-", "-", 503, int64(len(overloadBody)))
}

// kind classifies a terminal Fail state (spec.md §4.4).
type kind int

const (
	badRequest kind = iota
	forbidden
	notFound
	notImplemented
	internal
)

func (k kind) status() int {
	switch k {
	case badRequest:
		return 400
	case forbidden:
		return 403
	case notFound:
		return 404
	case notImplemented:
		return 501
	default:
		return 500
	}
}

func (k kind) text() string {
	switch k {
	case badRequest:
		return "Bad Request"
	case forbidden:
		return "Forbidden"
	case notFound:
		return "Not Found"
	case notImplemented:
		return "Not Implemented"
	default:
		return "Internal Server Error"
	}
}

// request is the per-request scratch state (spec.md §3 "Request record").
// Not shared; created and destroyed around one Serve call.
type request struct {
	h   *Handler
	now time.Time

	conn       net.Conn
	remoteAddr string

	method  string
	path    string
	version string

	resolved string
	isHead   bool

	status      int
	bytesSent   int64
	cacheResult string // "", "hit" or "miss"
}

// Serve runs the full state machine for one dequeued handle and always
// closes the connection before returning (spec.md §4.4 Finalize).
func (h *Handler) Serve(qh queue.Handle) {
	start := time.Now()

	r := &request{
		h:          h,
		now:        start,
		conn:       qh.Conn,
		remoteAddr: qh.RemoteAddr,
	}
	defer r.conn.Close()

	line, err := r.read()
	if err != nil {
		r.fail(badRequest)
		r.finalize(start)
		return
	}

	pl, perr := reqline.Parse(line)
	if perr != nil {
		r.fail(badRequest)
		r.finalize(start)
		return
	}
	r.method, r.path, r.version = pl.Method, pl.Path, pl.Version

	if k, ok := r.validate(); !ok {
		r.fail(k)
		r.finalize(start)
		return
	}

	r.resolve()
	r.serveResolved()
	r.finalize(start)
}

// read performs the Read state: one bounded read of the request line plus
// whatever headers follow (discarded except for the first line), with a
// deadline from Config.ReadTimeout (spec.md §5 "Socket reads carry a
// configured timeout").
func (r *request) read() (string, error) {
	if r.h.cfg.ReadTimeout > 0 {
		_ = r.conn.SetReadDeadline(time.Now().Add(r.h.cfg.ReadTimeout))
	}

	br := bufio.NewReaderSize(io.LimitReader(r.conn, maxRequestBytes), maxRequestBytes)
	line, err := br.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}

	// Drain headers up to the blank line or the bounded-buffer limit;
	// their content is discarded except where a future host-directory
	// feature would extract Host (spec.md §6 wire format note).
	for {
		l, err := br.ReadString('\n')
		if err != nil || l == "\r\n" || l == "\n" || l == "" {
			break
		}
	}

	return line, nil
}

// validate implements the Validate state: reject methods other than
// GET/HEAD, reject traversal, canonicalize trailing "/".
func (r *request) validate() (kind, bool) {
	if r.method != "GET" && r.method != "HEAD" {
		return notImplemented, false
	}

	decoded := urlDecode(r.path)
	if strings.Contains(decoded, "..") {
		return forbidden, false
	}

	if strings.HasSuffix(decoded, "/") {
		decoded += "index.html"
	}

	r.path = decoded
	r.isHead = r.method == "HEAD"
	return 0, true
}

// resolve implements the Resolve state: join document_root with path,
// optionally prefixed by a host directory when one is configured and
// exists on disk.
func (r *request) resolve() {
	root := r.h.cfg.DocumentRoot

	if r.h.cfg.HostDirPrefix != "" {
		candidate := filepath.Join(root, r.h.cfg.HostDirPrefix)
		if st, err := os.Stat(candidate); err == nil && st.IsDir() {
			root = candidate
		}
	}

	r.resolved = filepath.Join(root, filepath.Clean("/"+r.path))
}

// serveResolved implements Stat -> ServeDir -> ServeFile.
func (r *request) serveResolved() {
	info, err := os.Stat(r.resolved)
	if err != nil {
		if os.IsPermission(err) {
			r.fail(forbidden)
		} else {
			r.fail(notFound)
		}
		return
	}

	if info.IsDir() {
		idx := filepath.Join(r.resolved, "index.html")
		idxInfo, err := os.Stat(idx)
		if err != nil || idxInfo.IsDir() {
			r.fail(forbidden)
			return
		}
		r.resolved = idx
		info = idxInfo
	}

	r.serveFile(info)
}

// serveFile implements the ServeFile state: cache-first for payloads at
// or under the configured ceiling, direct disk streaming above it.
func (r *request) serveFile(info os.FileInfo) {
	size := info.Size()

	if size <= r.h.cfg.CacheCeiling {
		if hnd, ok := r.h.cache.Get(r.resolved); ok {
			defer hnd.Release()
			r.cacheResult = "hit"
			r.h.stats.CacheHit()
			r.writeOK(hnd.Bytes(), info)
			return
		}

		r.cacheResult = "miss"
		r.h.stats.CacheMiss()

		data, err := os.ReadFile(r.resolved)
		if err != nil {
			r.fail(notFound)
			return
		}

		_ = r.h.cache.Put(r.resolved, data) // best-effort, per spec.md §4.4
		r.writeOK(data, info)
		return
	}

	// Above the cache ceiling: stream directly from disk.
	f, err := os.Open(r.resolved)
	if err != nil {
		r.fail(notFound)
		return
	}
	defer f.Close()

	r.writeHeader(200, mime.TypeFor(r.resolved), size)
	if !r.isHead {
		n, _ := io.CopyN(r.conn, f, size)
		r.bytesSent += n
	}
}

func (r *request) writeOK(data []byte, info os.FileInfo) {
	r.writeHeader(200, mime.TypeFor(r.resolved), int64(len(data)))
	if !r.isHead {
		n, _ := r.conn.Write(data)
		r.bytesSent += int64(n)
	}
}

// fail implements the Fail(kind) state: a canned status line and a
// minimal HTML body.
func (r *request) fail(k kind) {
	body := fmt.Sprintf("<html><body><h1>%d %s</h1></body></html>", k.status(), k.text())
	r.writeHeader(k.status(), "text/html", int64(len(body)))
	if !r.isHead {
		n, _ := io.WriteString(r.conn, body)
		r.bytesSent += int64(n)
	}
}

// writeHeader writes the status line and headers described in spec.md
// §4.4 "Response format". Write errors (broken pipe) are absorbed per
// spec.md §4.4 failure semantics: statistics still record the attempted
// status. The recorded byte count is what the body writers actually
// wrote, so after a failed write it is lower than Content-Length, not the
// number of bytes the response would have carried.
//
// For GET it does not add contentLength to r.bytesSent: the body writers
// (writeOK, fail, the disk-streaming path) already add the byte count
// they actually wrote, and double-counting here would report twice the
// real body size. HEAD requests never call a body writer, so writeHeader
// adds contentLength itself for them (spec.md §4.4: "HEAD omits the body
// but includes an accurate Content-Length").
func (r *request) writeHeader(status int, contentType string, contentLength int64) {
	r.status = status

	statusText := http1xText(status)
	h := fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nDate: %s\r\nServer: %s\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		status, statusText,
		r.now.UTC().Format(time.RFC1123),
		r.h.cfg.ServerName,
		contentType,
		contentLength,
	)

	_, _ = io.WriteString(r.conn, h)
	if r.isHead {
		r.bytesSent += contentLength
	}
}

// finalize implements the Finalize state: record statistics and emit the
// access log line exactly once.
func (r *request) finalize(start time.Time) {
	elapsed := time.Since(start)

	r.h.stats.Completed(r.status, r.bytesSent, elapsed.Nanoseconds())

	method, path, version := r.method, r.path, r.version
	if method == "" {
		method, path, version = "-", "-", "-"
	}

	r.h.log.Access(r.remoteAddr, start, method, path, version, r.status, r.bytesSent)
}

func http1xText(status int) string {
	switch status {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 501:
		return "Not Implemented"
	case 503:
		return "Service Unavailable"
	default:
		return "Internal Server Error"
	}
}

// urlDecode performs a minimal percent-decoding sufficient to catch
// encoded traversal sequences ("%2e%2e"); malformed escapes pass through
// unchanged rather than erroring, since the only thing that matters to
// Validate is whether ".." appears afterward.
func urlDecode(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if v, err := hexByte(s[i+1], s[i+2]); err == nil {
				b.WriteByte(v)
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}

	return b.String()
}

func hexByte(hi, lo byte) (byte, error) {
	h, err := hexNibble(hi)
	if err != nil {
		return 0, err
	}
	l, err := hexNibble(lo)
	if err != nil {
		return 0, err
	}
	return h<<4 | l, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}
