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

package handler_test

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/staticd/accesslog"
	"github.com/nabbar/staticd/cache"
	"github.com/nabbar/staticd/handler"
	"github.com/nabbar/staticd/queue"
	"github.com/nabbar/staticd/stats"
)

func newFixture(root string) (*handler.Handler, *stats.Aggregate, *accesslog.Logger) {
	s := stats.New()

	logPath := filepath.Join(root, "access.log")
	al, err := accesslog.Open(logPath, nil)
	Expect(err).To(BeNil())

	c := cache.New(1<<20, 1000, 1<<16)

	h := handler.New(handler.Config{
		DocumentRoot: root,
		ServerName:   "staticd-test",
		ReadTimeout:  2 * time.Second,
		CacheCeiling: 1 << 16,
	}, c, s, al)

	return h, s, al
}

func roundTrip(h *handler.Handler, request string) string {
	server, client := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Serve(queue.Handle{Conn: server, RemoteAddr: "127.0.0.1"})
	}()

	_, _ = client.Write([]byte(request + "\r\n\r\n"))

	out, _ := io.ReadAll(client)
	<-done
	return string(out)
}

var _ = Describe("Handler", func() {
	var root string

	BeforeEach(func() {
		var err error
		root, err = os.MkdirTemp("", "staticd-handler-*")
		Expect(err).To(BeNil())
		Expect(os.WriteFile(filepath.Join(root, "index.html"), []byte("<html>hi</html>"), 0o644)).To(BeNil())
		Expect(os.Mkdir(filepath.Join(root, "sub"), 0o755)).To(BeNil())
		Expect(os.WriteFile(filepath.Join(root, "sub", "index.html"), []byte("nested"), 0o644)).To(BeNil())
	})

	AfterEach(func() {
		_ = os.RemoveAll(root)
	})

	It("serves an existing file with 200 and the right Content-Length", func() {
		h, s, _ := newFixture(root)
		resp := roundTrip(h, "GET /index.html HTTP/1.1")

		Expect(resp).To(ContainSubstring("HTTP/1.1 200 OK"))
		Expect(resp).To(ContainSubstring("Content-Length: 15"))
		Expect(resp).To(ContainSubstring("<html>hi</html>"))
		Expect(s.Snapshot().Status2xx).To(Equal(int64(1)))
	})

	It("canonicalizes a trailing slash to index.html", func() {
		h, _, _ := newFixture(root)
		resp := roundTrip(h, "GET /sub/ HTTP/1.1")

		Expect(resp).To(ContainSubstring("HTTP/1.1 200 OK"))
		Expect(resp).To(ContainSubstring("nested"))
	})

	It("omits the body but keeps Content-Length for HEAD", func() {
		h, _, _ := newFixture(root)
		resp := roundTrip(h, "HEAD /index.html HTTP/1.1")

		Expect(resp).To(ContainSubstring("Content-Length: 15"))
		Expect(resp).ToNot(ContainSubstring("<html>hi</html>"))
	})

	It("returns 404 for a missing file", func() {
		h, s, _ := newFixture(root)
		resp := roundTrip(h, "GET /nope.html HTTP/1.1")

		Expect(resp).To(ContainSubstring("HTTP/1.1 404 Not Found"))
		Expect(s.Snapshot().Status4xx).To(Equal(int64(1)))
	})

	It("returns 403 for a path-traversal attempt before touching the filesystem", func() {
		h, s, _ := newFixture(root)
		resp := roundTrip(h, "GET /../../etc/passwd HTTP/1.1")

		Expect(resp).To(ContainSubstring("HTTP/1.1 403 Forbidden"))
		Expect(s.Snapshot().Status4xx).To(Equal(int64(1)))
	})

	It("returns 501 for an unsupported method", func() {
		h, _, _ := newFixture(root)
		resp := roundTrip(h, "POST /index.html HTTP/1.1")

		Expect(resp).To(ContainSubstring("HTTP/1.1 501 Not Implemented"))
	})

	It("returns 400 for a malformed request line", func() {
		h, _, _ := newFixture(root)
		resp := roundTrip(h, "this is not a request line")

		Expect(resp).To(ContainSubstring("HTTP/1.1 400 Bad Request"))
	})

	It("serves a cache hit on the second request for the same file", func() {
		h, s, _ := newFixture(root)

		_ = roundTrip(h, "GET /index.html HTTP/1.1")
		_ = roundTrip(h, "GET /index.html HTTP/1.1")

		snap := s.Snapshot()
		Expect(snap.CacheHits).To(Equal(int64(1)))
		Expect(snap.CacheMisses).To(Equal(int64(1)))
	})

	It("synthesizes a 503 and closes the connection when the worker queue rejects it", func() {
		h, s, _ := newFixture(root)
		s.Admitted()

		server, client := net.Pipe()
		done := make(chan struct{})
		go func() {
			defer close(done)
			h.RejectOverload(queue.Handle{Conn: server, RemoteAddr: "127.0.0.1"})
		}()

		out, _ := io.ReadAll(client)
		<-done

		Expect(string(out)).To(ContainSubstring("HTTP/1.1 503 Service Unavailable"))
		Expect(s.Snapshot().Status5xx).To(Equal(int64(1)))
		Expect(s.Snapshot().PeakInFlight).To(Equal(int64(1)))
	})

	It("writes exactly one access log line per request, even on failure paths", func() {
		h, _, _ := newFixture(root)
		_ = roundTrip(h, "GET /nope.html HTTP/1.1")

		data, err := os.ReadFile(filepath.Join(root, "access.log"))
		Expect(err).To(BeNil())

		sc := bufio.NewScanner(bytes.NewReader(data))
		lines := 0
		for sc.Scan() {
			lines++
		}
		Expect(lines).To(Equal(1))
	})
})
