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

// Package config loads the flat KEY=VALUE configuration file described in
// spec.md §6 into an immutable Config snapshot consumed by every other
// component. Parsing is deliberately a thin, pure-function collaborator:
// no schema framework, no environment overlay, no hot reload.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/nabbar/staticd/errs"
)

const (
	ErrorOpen errs.CodeError = iota + errs.MinPkgConfig
	ErrorParse
	ErrorRange
)

func init() {
	errs.RegisterMessages(errs.MinPkgConfig, 8, message)
}

func message(code errs.CodeError) string {
	switch code {
	case ErrorOpen:
		return "cannot open configuration file"
	case ErrorParse:
		return "malformed configuration line"
	case ErrorRange:
		return "configuration value out of allowed range"
	}
	return ""
}

// Config is an immutable snapshot of every tunable recognized by staticd.
// It is constructed once by Load and passed by value to every component
// that needs it; nothing mutates a Config after construction.
type Config struct {
	Port              int
	DocumentRoot      string
	NumWorkers        int
	ThreadsPerWorker  int
	MaxQueueSize      int
	LogFile           string
	CacheSizeMB       int
	TimeoutSeconds    int
}

// Default returns the configuration defaults from spec.md §6.
func Default() Config {
	return Config{
		Port:             8080,
		DocumentRoot:     "./www",
		NumWorkers:       4,
		ThreadsPerWorker: 10,
		MaxQueueSize:     100,
		LogFile:          "access.log",
		CacheSizeMB:      10,
		TimeoutSeconds:   30,
	}
}

// CacheSizeBytes returns the configured cache budget in bytes.
func (c Config) CacheSizeBytes() int64 {
	return int64(c.CacheSizeMB) * 1024 * 1024
}

type warnFunc func(format string, args ...interface{})

// Load reads a KEY=VALUE file from path, applying spec.md §6 defaults for
// any recognized key that's absent and calling warn for any key it does
// not recognize. warn may be nil.
func Load(path string, warn warnFunc) (Config, errs.Coded) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, ErrorOpen.Error(err)
	}
	defer func() { _ = f.Close() }()

	return parse(f, warn)
}

func parse(r io.Reader, warn warnFunc) (Config, errs.Coded) {
	if warn == nil {
		warn = func(string, ...interface{}) {}
	}

	cfg := Default()
	sc := bufio.NewScanner(r)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return Config{}, ErrorParse.Error(fmt.Errorf("line %d: missing '='", lineNo))
		}

		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)

		if e := apply(&cfg, key, val, warn); e != nil {
			return Config{}, e
		}
	}

	if err := sc.Err(); err != nil {
		return Config{}, ErrorParse.Error(err)
	}

	return cfg, nil
}

func apply(cfg *Config, key, val string, warn warnFunc) errs.Coded {
	switch key {
	case "PORT":
		return setRangedInt(&cfg.Port, key, val, 1, 65535)
	case "DOCUMENT_ROOT":
		cfg.DocumentRoot = val
	case "NUM_WORKERS":
		return setRangedInt(&cfg.NumWorkers, key, val, 1, 64)
	case "THREADS_PER_WORKER":
		return setRangedInt(&cfg.ThreadsPerWorker, key, val, 1, 256)
	case "MAX_QUEUE_SIZE":
		return setRangedInt(&cfg.MaxQueueSize, key, val, 1, 10000)
	case "LOG_FILE":
		cfg.LogFile = val
	case "CACHE_SIZE_MB":
		return setRangedInt(&cfg.CacheSizeMB, key, val, 0, 1024)
	case "TIMEOUT_SECONDS":
		return setRangedInt(&cfg.TimeoutSeconds, key, val, 1, 3600)
	default:
		warn("unknown configuration key %q ignored", key)
	}

	return nil
}

func setRangedInt(dst *int, key, val string, min, max int) errs.Coded {
	n, err := strconv.Atoi(val)
	if err != nil {
		return ErrorParse.Error(fmt.Errorf("key %s: %w", key, err))
	}
	if n < min || n > max {
		return ErrorRange.Error(fmt.Errorf("%s=%d outside [%d,%d]", key, n, min, max))
	}

	*dst = n
	return nil
}
