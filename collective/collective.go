// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package collective implements blocking collective operations over a
// fixed group of workers. Workers are identified by a rank in
// [0, size); all traffic flows through the root worker (rank 0), which
// hosts a mailbox for the group. Workers never communicate with each
// other directly.
//
// Every worker in a group must issue the same sequence of collective
// calls. Each call blocks until the operation has completed for the
// calling worker; the root additionally waits for every other worker
// to reach the matching call. Data gathered at the root are placed by
// rank, independently of arrival order.
//
// Groups are provided in-process (NewLocalGroup), where each worker is
// a goroutine, and over bigmachine (Service), where each worker is a
// machine.
package collective

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/grailbio/base/errors"
)

// Root is the rank of the worker through which collective traffic
// flows.
const Root = 0

// A Comm is a worker's handle on its group. Comms are not safe for
// concurrent use: a worker issues its collective calls one at a time.
type Comm interface {
	// Rank returns the worker's rank in the group.
	Rank() int
	// Size returns the number of workers in the group.
	Size() int

	// Barrier returns after every worker has entered the barrier.
	Barrier(ctx context.Context) error
	// Bcast distributes data from the root to every worker. The
	// argument is ignored on workers other than the root.
	Bcast(ctx context.Context, data []byte) ([]byte, error)
	// Scatterv distributes send[displs[r]:displs[r]+counts[r]] from the
	// root to worker r. The arguments are ignored on workers other
	// than the root.
	Scatterv(ctx context.Context, send []byte, counts, displs []int) ([]byte, error)
	// GatherInt gathers one integer per worker at the root, in rank
	// order. Workers other than the root receive nil.
	GatherInt(ctx context.Context, v int) ([]int, error)
	// Gatherv gathers each worker's send buffer into the root's recv
	// buffer: worker r's data are placed at recv[displs[r]:] and must be
	// exactly counts[r] bytes long. Recv, counts, and displs are
	// ignored on workers other than the root.
	Gatherv(ctx context.Context, send, recv []byte, counts, displs []int) error

	// Abort fails the group: every pending and future collective call
	// on every worker returns an error wrapping err. A worker that
	// cannot continue must abort so that the others do not block
	// forever.
	Abort(ctx context.Context, err error)
}

// A transport carries a non-root worker's traffic to the root's
// mailbox.
type transport interface {
	Post(ctx context.Context, seq uint64, rank int, data []byte) error
	Fetch(ctx context.Context, seq uint64, rank int) ([]byte, error)
	Abort(ctx context.Context, err error)
}

// Endpoint implements Comm. On the root, box is the group's mailbox;
// on other workers, hub carries traffic to it.
type endpoint struct {
	rank, size int
	seq        uint64
	box        *mailbox
	hub        transport
}

func (e *endpoint) Rank() int { return e.rank }
func (e *endpoint) Size() int { return e.size }

func (e *endpoint) next() uint64 {
	e.seq++
	return e.seq
}

func (e *endpoint) isRoot() bool { return e.rank == Root }

func (e *endpoint) Barrier(ctx context.Context) error {
	seq := e.next()
	if !e.isRoot() {
		if err := e.hub.Post(ctx, seq, e.rank, nil); err != nil {
			return err
		}
		_, err := e.hub.Fetch(ctx, seq, e.rank)
		return err
	}
	if _, err := e.box.Collect(ctx, seq); err != nil {
		return err
	}
	for r := 0; r < e.size; r++ {
		if r != Root {
			e.box.Publish(seq, r, nil)
		}
	}
	return nil
}

func (e *endpoint) Bcast(ctx context.Context, data []byte) ([]byte, error) {
	seq := e.next()
	if !e.isRoot() {
		return e.hub.Fetch(ctx, seq, e.rank)
	}
	for r := 0; r < e.size; r++ {
		if r != Root {
			e.box.Publish(seq, r, data)
		}
	}
	return data, nil
}

func (e *endpoint) Scatterv(ctx context.Context, send []byte, counts, displs []int) ([]byte, error) {
	seq := e.next()
	if !e.isRoot() {
		return e.hub.Fetch(ctx, seq, e.rank)
	}
	if err := e.checkLayout(len(send), counts, displs); err != nil {
		return nil, err
	}
	for r := 0; r < e.size; r++ {
		if r != Root {
			e.box.Publish(seq, r, send[displs[r]:displs[r]+counts[r]])
		}
	}
	own := make([]byte, counts[Root])
	copy(own, send[displs[Root]:])
	return own, nil
}

func (e *endpoint) GatherInt(ctx context.Context, v int) ([]int, error) {
	seq := e.next()
	if !e.isRoot() {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v))
		return nil, e.hub.Post(ctx, seq, e.rank, b[:])
	}
	posts, err := e.box.Collect(ctx, seq)
	if err != nil {
		return nil, err
	}
	vals := make([]int, e.size)
	for r := range vals {
		if r == Root {
			vals[r] = v
			continue
		}
		if len(posts[r]) != 8 {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("gather: worker %d sent %d bytes, want 8", r, len(posts[r])))
		}
		vals[r] = int(int64(binary.LittleEndian.Uint64(posts[r])))
	}
	return vals, nil
}

func (e *endpoint) Gatherv(ctx context.Context, send, recv []byte, counts, displs []int) error {
	seq := e.next()
	if !e.isRoot() {
		return e.hub.Post(ctx, seq, e.rank, send)
	}
	if err := e.checkLayout(len(recv), counts, displs); err != nil {
		return err
	}
	posts, err := e.box.Collect(ctx, seq)
	if err != nil {
		return err
	}
	posts[Root] = send
	for r, data := range posts {
		if len(data) != counts[r] {
			return errors.E(errors.Integrity,
				fmt.Sprintf("gatherv: worker %d sent %d bytes, want %d", r, len(data), counts[r]))
		}
		copy(recv[displs[r]:], data)
	}
	return nil
}

func (e *endpoint) Abort(ctx context.Context, err error) {
	if err == nil {
		err = errors.New("aborted")
	}
	if e.isRoot() {
		e.box.Abort(err)
	} else {
		e.hub.Abort(ctx, err)
	}
}

// CheckLayout verifies that counts and displs describe one range per
// worker, each inside a buffer of n bytes.
func (e *endpoint) checkLayout(n int, counts, displs []int) error {
	if len(counts) != e.size || len(displs) != e.size {
		return errors.E(errors.Invalid,
			fmt.Sprintf("collective: got %d counts and %d displacements for a group of %d", len(counts), len(displs), e.size))
	}
	for r := range counts {
		if counts[r] < 0 || displs[r] < 0 || displs[r]+counts[r] > n {
			return errors.E(errors.Invalid,
				fmt.Sprintf("collective: worker %d range [%d, %d) outside buffer of %d bytes", r, displs[r], displs[r]+counts[r], n))
		}
	}
	return nil
}
