// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
)

// NewLocalGroup returns the comms for an in-process group of the
// given size. Comm r is meant to be used by the goroutine running
// worker r.
func NewLocalGroup(size int) ([]Comm, error) {
	if size <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("collective: invalid group size %d", size))
	}
	box := newMailbox(size)
	comms := make([]Comm, size)
	for r := range comms {
		e := &endpoint{rank: r, size: size}
		if r == Root {
			e.box = box
		} else {
			e.hub = localTransport{box}
		}
		comms[r] = e
	}
	return comms, nil
}

// LocalTransport delivers directly to the root's mailbox. Payloads
// are copied in both directions so that workers never share memory.
type localTransport struct{ box *mailbox }

func (t localTransport) Post(ctx context.Context, seq uint64, rank int, data []byte) error {
	return t.box.Post(ctx, seq, rank, clone(data))
}

func (t localTransport) Fetch(ctx context.Context, seq uint64, rank int) ([]byte, error) {
	data, err := t.box.Fetch(ctx, seq, rank)
	return clone(data), err
}

func (t localTransport) Abort(_ context.Context, err error) {
	t.box.Abort(err)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
