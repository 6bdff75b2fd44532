// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package chunkedfile provides multi-unit test fixtures for the
// loader, and utilities for testing that errors are reported in the
// appropriate places.
//
// A chunked file consists of several chunks of source text separated
// by "---" lines. A separator of the form "--- NAME" starts a library
// chunk, the source of namespace NAME; a bare "---" starts a chunk to
// be run. The text before the first separator is a chunk to be run.
// Lines containing "###" in a chunk to be run are expectations of
// failure: the following text is a Go string literal denoting a
// regular expression that should match the failure message.
//
// Example:
//
//	load("my.math", "square")
//	x = square("two") ### "unsupported"
//	--- my.math
//	namespace("my.math")
//	def square(x):
//	    return x * x
//	export(square)
//
// A client test makes the library chunks available to its source
// loader, runs each other chunk, then calls chunk.GotError for each
// error that actually occurred. Any discrepancy between the actual and
// expected errors is reported using the client's reporter, which is
// typically a testing.T.
package chunkedfile // import "github.com/nsload/nsload/internal/chunkedfile"

import (
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// A Chunk is a portion of a fixture file.
type Chunk struct {
	Name   string // namespace of a library chunk; empty for a chunk to run
	Source string // padded with newlines so that line numbers match the file

	filename string
	report   Reporter
	wantErrs map[int]*regexp.Regexp
}

// Reporter is implemented by *testing.T.
type Reporter interface {
	Errorf(format string, args ...interface{})
}

// A File is the parsed content of a fixture file.
type File struct {
	Run       []*Chunk          // chunks to run, in file order
	Libraries map[string]string // source of each library chunk, by namespace
}

// Read parses a chunked file.
// It reports failures using the reporter.
//
// Error messages of the form "file.star:line:col: ..." are prefixed
// by a newline so that the Go source position added by (*testing.T).Errorf
// appears on a separate line so as not to confuse editors.
func Read(filename string, report Reporter) *File {
	data, err := os.ReadFile(filename)
	if err != nil {
		report.Errorf("%s", err)
		return &File{Libraries: map[string]string{}}
	}
	eol := "\n"
	if runtime.GOOS == "windows" {
		eol = "\r\n"
	}
	return readBytes(filename, data, report, eol)
}

func readBytes(filename string, data []byte, report Reporter, eol string) *File {
	file := &File{Libraries: make(map[string]string)}
	lines := strings.Split(string(data), eol)

	cur := &Chunk{filename: filename, report: report, wantErrs: make(map[int]*regexp.Regexp)}
	start := 1 // line number of cur's first line
	var body []string
	flush := func() {
		cur.Source = strings.Repeat("\n", start-1) + strings.Join(body, "\n")
		if cur.Name != "" {
			file.Libraries[cur.Name] = cur.Source
		} else {
			file.Run = append(file.Run, cur)
		}
	}

	for i, line := range lines {
		linenum := i + 1
		if line == "---" || strings.HasPrefix(line, "--- ") {
			flush()
			cur = &Chunk{
				Name:     strings.TrimSpace(strings.TrimPrefix(line, "---")),
				filename: filename,
				report:   report,
				wantErrs: make(map[int]*regexp.Regexp),
			}
			start = linenum + 1
			body = nil
			continue
		}
		body = append(body, line)

		// Parse comments of the form:
		// ### "expected error".
		hashes := strings.Index(line, "###")
		if hashes < 0 {
			continue
		}
		if cur.Name != "" {
			report.Errorf("\n%s:%d: error expectation in library chunk %s", filename, linenum, cur.Name)
			continue
		}
		rest := strings.TrimSpace(line[hashes+len("###"):])
		pattern, err := strconv.Unquote(rest)
		if err != nil {
			report.Errorf("\n%s:%d: not a quoted regexp: %s", filename, linenum, rest)
			continue
		}
		rx, err := regexp.Compile(pattern)
		if err != nil {
			report.Errorf("\n%s:%d: %v", filename, linenum, err)
			continue
		}
		cur.wantErrs[linenum] = rx
	}
	flush()
	return file
}

// GotError should be called by the client to report an error at a particular line.
// GotError reports unexpected errors to the chunk's reporter.
func (chunk *Chunk) GotError(linenum int, msg string) {
	if rx, ok := chunk.wantErrs[linenum]; ok {
		delete(chunk.wantErrs, linenum)
		if !rx.MatchString(msg) {
			chunk.report.Errorf("\n%s:%d: error %q does not match pattern %q", chunk.filename, linenum, msg, rx)
		}
	} else {
		chunk.report.Errorf("\n%s:%d: unexpected error: %v", chunk.filename, linenum, msg)
	}
}

// Done should be called by the client to indicate that the chunk has no more errors.
// Done reports expected errors that did not occur to the chunk's reporter.
func (chunk *Chunk) Done() {
	for linenum, rx := range chunk.wantErrs {
		chunk.report.Errorf("\n%s:%d: expected error matching %q", chunk.filename, linenum, rx)
	}
}
