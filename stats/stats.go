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

// Package stats holds the cross-worker statistics aggregate (C2) described
// in spec.md §3. Every mutation goes through a single mutex; there is no
// per-field atomic shortcut, since several fields (peak concurrency, hit
// ratio) depend on reading more than one counter consistently.
package stats

import "sync"

// Aggregate is the shared statistics record. The zero value is ready to
// use. Safe for concurrent use by every worker goroutine and the admitter.
type Aggregate struct {
	mu sync.Mutex

	totalRequests int64
	bytes         int64
	status2xx     int64
	status4xx     int64
	status5xx     int64
	cacheHits     int64
	cacheMisses   int64
	responseTime  int64 // accumulated nanoseconds

	inFlight int64
	peak     int64
}

// New returns a ready-to-use, empty Aggregate.
func New() *Aggregate {
	return &Aggregate{}
}

// Admitted records one more connection handed off to a worker, updating
// peak concurrency (§11 Supplemented Features). Call Completed once the
// request finishes to release the in-flight slot.
func (a *Aggregate) Admitted() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.inFlight++
	if a.inFlight > a.peak {
		a.peak = a.inFlight
	}
}

// Completed records that one admitted connection has finished (success or
// failure) and its terminal status/byte count/response time.
func (a *Aggregate) Completed(status int, byteCount int64, responseTimeNs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalRequests++
	a.bytes += byteCount
	a.responseTime += responseTimeNs

	switch {
	case status >= 200 && status < 300:
		a.status2xx++
	case status >= 400 && status < 500:
		a.status4xx++
	case status >= 500:
		a.status5xx++
	}

	if a.inFlight > 0 {
		a.inFlight--
	}
}

// Rejected records a connection that never reached a worker (admission
// queue full) and was answered with a synthesized 503 by the admitter.
func (a *Aggregate) Rejected(byteCount int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalRequests++
	a.status5xx++
	a.bytes += byteCount
}

// CacheHit records a cache hit against the derived hit-ratio counters.
func (a *Aggregate) CacheHit() {
	a.mu.Lock()
	a.cacheHits++
	a.mu.Unlock()
}

// CacheMiss records a cache miss.
func (a *Aggregate) CacheMiss() {
	a.mu.Lock()
	a.cacheMisses++
	a.mu.Unlock()
}

// Snapshot is a consistent, immutable copy of the aggregate at one instant.
type Snapshot struct {
	TotalRequests int64
	Bytes         int64
	Status2xx     int64
	Status4xx     int64
	Status5xx     int64
	CacheHits     int64
	CacheMisses   int64
	PeakInFlight  int64
}

// Snapshot returns a consistent copy of every counter.
func (a *Aggregate) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	return Snapshot{
		TotalRequests: a.totalRequests,
		Bytes:         a.bytes,
		Status2xx:     a.status2xx,
		Status4xx:     a.status4xx,
		Status5xx:     a.status5xx,
		CacheHits:     a.cacheHits,
		CacheMisses:   a.cacheMisses,
		PeakInFlight:  a.peak,
	}
}

// CacheHitRatio returns hits / (hits + misses) as a percentage, or 0 when
// no cache lookup has happened yet. Derived, not stored - see
// SPEC_FULL.md §11.
func (a *Aggregate) CacheHitRatio() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := a.cacheHits + a.cacheMisses
	if total == 0 {
		return 0
	}

	return float64(a.cacheHits) / float64(total) * 100
}
