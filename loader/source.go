// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import (
	"context"

	"github.com/nsload/nsload/nsid"
)

// A Source is the text of a namespace obtained by a SourceLoader.
type Source struct {
	Filename string // used as the unit name; defaults to the namespace name
	Text     string
}

// A SourceLoader fetches the source of a namespace that is required
// but not yet defined.
//
// Load returns (nil, nil) if it has no source for the namespace.
// A non-nil error signals a hard failure distinct from "not found".
type SourceLoader interface {
	Load(ctx context.Context, id nsid.ID) (*Source, error)
}

// SourceLoaderFunc adapts a function to the SourceLoader interface.
type SourceLoaderFunc func(ctx context.Context, id nsid.ID) (*Source, error)

func (f SourceLoaderFunc) Load(ctx context.Context, id nsid.ID) (*Source, error) {
	return f(ctx, id)
}
