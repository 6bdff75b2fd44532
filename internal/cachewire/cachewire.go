// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cachewire defines the serialized form of the compile cache.
//
// A blob is the fixed Prefix followed by the standard base64 encoding
// of a sequence of protocol-buffer records (field 1, one per entry).
// An empty cache encodes as Prefix alone. Entries are written in the
// order given; callers sort them to make dumps deterministic.
package cachewire // import "github.com/nsload/nsload/internal/cachewire"

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// Prefix begins every blob. It doubles as a format version.
const Prefix = "nsload-cache/1:"

// An Entry is one memoized compilation.
type Entry struct {
	Key          string
	Unit         string
	Bindings     []string
	Fingerprint  string // compiler configuration
	Code         []byte
	Namespaces   []string
	Dependencies []string
	Exports      []string
}

const (
	fieldEntry = 1

	fieldKey          = 1
	fieldUnit         = 2
	fieldBindings     = 3
	fieldCode         = 4
	fieldNamespaces   = 5
	fieldDependencies = 6
	fieldExports      = 7
	fieldFingerprint  = 8
)

// Encode returns the blob for entries.
func Encode(entries []Entry) string {
	var b []byte
	for i := range entries {
		b = protowire.AppendTag(b, fieldEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, appendEntry(nil, &entries[i]))
	}
	return Prefix + base64.StdEncoding.EncodeToString(b)
}

func appendEntry(b []byte, e *Entry) []byte {
	str := func(num protowire.Number, s string) {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	str(fieldKey, e.Key)
	str(fieldUnit, e.Unit)
	for _, s := range e.Bindings {
		str(fieldBindings, s)
	}
	b = protowire.AppendTag(b, fieldCode, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Code)
	for _, s := range e.Namespaces {
		str(fieldNamespaces, s)
	}
	for _, s := range e.Dependencies {
		str(fieldDependencies, s)
	}
	for _, s := range e.Exports {
		str(fieldExports, s)
	}
	if e.Fingerprint != "" {
		str(fieldFingerprint, e.Fingerprint)
	}
	return b
}

// Decode parses a blob produced by Encode.
func Decode(blob string) ([]Entry, error) {
	if !strings.HasPrefix(blob, Prefix) {
		return nil, errors.New("missing " + Prefix + " header")
	}
	data, err := base64.StdEncoding.DecodeString(blob[len(Prefix):])
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		if num != fieldEntry || typ != protowire.BytesType {
			return nil, fmt.Errorf("unexpected field %d of type %d", num, typ)
		}
		rec, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		e, err := decodeEntry(rec)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", len(entries), err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func decodeEntry(b []byte) (Entry, error) {
	var e Entry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			// Skip fields written by a later version.
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return e, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldKey:
			e.Key = string(v)
		case fieldUnit:
			e.Unit = string(v)
		case fieldBindings:
			e.Bindings = append(e.Bindings, string(v))
		case fieldCode:
			e.Code = append([]byte(nil), v...)
		case fieldNamespaces:
			e.Namespaces = append(e.Namespaces, string(v))
		case fieldDependencies:
			e.Dependencies = append(e.Dependencies, string(v))
		case fieldExports:
			e.Exports = append(e.Exports, string(v))
		case fieldFingerprint:
			e.Fingerprint = string(v)
		}
	}
	if e.Key == "" {
		return e, errors.New("entry has no key")
	}
	return e, nil
}
