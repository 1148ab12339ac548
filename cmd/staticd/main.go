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

// Command staticd is the process entrypoint: it loads configuration,
// wires the shared statistics aggregate and access logger, starts one
// admitter goroutine and NUM_WORKERS worker goroutine tiers, and blocks
// until a shutdown signal drains everything.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nabbar/staticd/accesslog"
	"github.com/nabbar/staticd/admitter"
	"github.com/nabbar/staticd/cache"
	"github.com/nabbar/staticd/config"
	"github.com/nabbar/staticd/handler"
	"github.com/nabbar/staticd/queue"
	"github.com/nabbar/staticd/stats"
	"github.com/nabbar/staticd/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	diag := logrus.New()
	diag.SetOutput(os.Stderr)
	diag.SetFormatter(&logrus.TextFormatter{})

	cfgPath := "staticd.conf"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, cerr := config.Load(cfgPath, func(format string, args ...interface{}) {
		diag.Warnf(format, args...)
	})
	if cerr != nil {
		diag.WithError(cerr).Error("failed to load configuration")
		return 1
	}

	if err := admitter.RaiseFileLimit(); err != nil {
		diag.WithError(err).Warn("failed to raise file descriptor limit, continuing with process default")
	}

	al, aerr := accesslog.Open(cfg.LogFile, diag)
	if aerr != nil {
		diag.WithError(aerr).Error("failed to open access log")
		return 1
	}
	defer func() { _ = al.Close() }()

	agg := stats.New()
	adm := queue.New(cfg.MaxQueueSize)

	hcfg := handler.Config{
		DocumentRoot: cfg.DocumentRoot,
		ServerName:   "staticd",
		ReadTimeout:  time.Duration(cfg.TimeoutSeconds) * time.Second,
		CacheCeiling: cfg.CacheSizeBytes() / 10, // per-file ceiling: a tenth of the worker's total budget
	}

	pools := make([]*worker.Pool, 0, cfg.NumWorkers)
	for i := 0; i < cfg.NumWorkers; i++ {
		c := cache.New(cfg.CacheSizeBytes(), 10000, hcfg.CacheCeiling)
		h := handler.New(hcfg, c, agg, al)

		p := worker.NewPool(cfg.ThreadsPerWorker, cfg.MaxQueueSize, h.Serve, h.RejectOverload)

		p.Start()
		go p.Run(adm)
		pools = append(pools, p)
	}

	a, lerr := admitter.New(fmt.Sprintf(":%d", cfg.Port), adm, agg, diag)
	if lerr != nil {
		diag.WithError(lerr).Error("failed to bind listening socket")
		return 1
	}

	go a.WaitNotify()

	diag.Infof("staticd listening on %s, document root %s, %d workers x %d threads",
		a.Addr(), cfg.DocumentRoot, cfg.NumWorkers, cfg.ThreadsPerWorker)

	if err := a.Serve(); err != nil {
		diag.WithError(err).Error("accept loop terminated")
	}

	for _, p := range pools {
		p.Shutdown()
	}

	snap := agg.Snapshot()
	diag.Infof("shutdown complete: %d requests served, cache hit ratio %.1f%%", snap.TotalRequests, agg.CacheHitRatio())

	return 0
}
