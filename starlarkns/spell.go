// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package starlarkns

// This file defines a simple spell checker for use in namespace errors
// ("namespace my.maths is not defined (did you mean my.math?)").

import (
	"strings"
	"unicode"
)

// nearest returns the element of candidates nearest to x using the
// Levenshtein metric, or "" if none is close enough.
func nearest(x string, candidates []string) string {
	// Ignore underscores, hyphens and case when matching.
	fold := func(s string) string {
		return strings.Map(func(r rune) rune {
			if r == '_' || r == '-' {
				return -1
			}
			return unicode.ToLower(r)
		}, s)
	}

	x = fold(x)

	var best string
	bestD := (len(x) + 1) / 2 // allow up to 50% typos
	for _, c := range candidates {
		d := levenshtein(x, fold(c), bestD)
		if d < bestD {
			bestD = d
			best = c
		}
	}
	return best
}

// levenshtein returns the edit distance between the byte strings x
// and y. If the distance exceeds max, it may return early with an
// approximate value > max.
func levenshtein(x, y string, max int) int {
	// This implementation is derived from one by Laurent Le Brun in
	// Bazel that uses the single-row space efficiency trick
	// described at bitbucket.org/clearer/iosifovich.

	// Let x be the shorter string.
	if len(x) > len(y) {
		x, y = y, x
	}

	// Remove common prefix.
	i := 0
	for i < len(x) && x[i] == y[i] {
		i++
	}
	x, y = x[i:], y[i:]
	if x == "" {
		return len(y)
	}

	row := make([]int, len(y)+1)
	for i := range row {
		row[i] = i
	}
	for i := 1; i <= len(x); i++ {
		row[0] = i
		best := i
		prev := i - 1
		for j := 1; j <= len(y); j++ {
			a := prev
			if x[i-1] != y[j-1] {
				a++ // substitution
			}
			b := 1 + row[j-1] // deletion
			c := 1 + row[j]   // insertion
			k := min3(a, b, c)
			prev, row[j] = row[j], k
			if k < best {
				best = k
			}
		}
		if best > max {
			return best
		}
	}
	return row[len(y)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
