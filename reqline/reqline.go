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

// Package reqline parses the request line of an HTTP/1.x request.
//
// Parsing is intentionally limited to what spec.md demands: method, path
// and version extraction from the first line, with malformed lines
// rejected. Header parsing beyond that belongs to the handler package.
package reqline

import (
	"errors"
	"strings"
)

// ErrMalformed is returned when the line does not match
// "METHOD SP PATH SP VERSION".
var ErrMalformed = errors.New("malformed request line")

// Line holds the parsed components of an HTTP/1.x request line.
type Line struct {
	Method  string
	Path    string
	Version string
}

// Parse extracts method, path and version from raw, which must be a
// single line; a trailing CR and/or LF is stripped before parsing.
func Parse(raw string) (Line, error) {
	raw = strings.TrimRight(raw, "\r\n")
	if raw == "" {
		return Line{}, ErrMalformed
	}

	parts := strings.Split(raw, " ")
	if len(parts) != 3 {
		return Line{}, ErrMalformed
	}

	method, path, version := parts[0], parts[1], parts[2]

	if method == "" || path == "" || version == "" {
		return Line{}, ErrMalformed
	}
	if path[0] != '/' {
		return Line{}, ErrMalformed
	}
	if !strings.HasPrefix(version, "HTTP/1.") {
		return Line{}, ErrMalformed
	}

	return Line{Method: method, Path: path, Version: version}, nil
}
