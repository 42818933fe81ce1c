// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"context"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/sync/ctxsync"
)

type slot struct {
	Seq  uint64
	Rank int
}

// A mailbox is the root's rendezvous point for a group. Workers post
// their contributions to a collective call, keyed by the call's
// sequence number and their rank; the root collects them once every
// worker has posted. In the other direction, the root publishes a
// payload for each worker, which the worker then fetches.
//
// Published payloads are retained until the mailbox is released so
// that fetches may be retried.
type mailbox struct {
	size int

	mu        sync.Mutex
	cond      *ctxsync.Cond
	posted    map[slot][]byte
	published map[slot][]byte
	err       error
}

func newMailbox(size int) *mailbox {
	m := &mailbox{
		size:      size,
		posted:    make(map[slot][]byte),
		published: make(map[slot][]byte),
	}
	m.cond = ctxsync.NewCond(&m.mu)
	return m
}

// Post deposits a worker's contribution to call seq.
func (m *mailbox) Post(ctx context.Context, seq uint64, rank int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.posted[slot{seq, rank}] = data
	m.cond.Broadcast()
	return nil
}

// Collect waits until every worker other than the root has posted its
// contribution to call seq, and returns the contributions indexed by
// rank. The root's entry is nil.
func (m *mailbox) Collect(ctx context.Context, seq uint64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.err != nil {
			return nil, m.err
		}
		n := 0
		for r := 0; r < m.size; r++ {
			if _, ok := m.posted[slot{seq, r}]; ok {
				n++
			}
		}
		if n == m.size-1 {
			break
		}
		if err := m.cond.Wait(ctx); err != nil {
			return nil, err
		}
	}
	posts := make([][]byte, m.size)
	for r := range posts {
		if r == Root {
			continue
		}
		key := slot{seq, r}
		posts[r] = m.posted[key]
		delete(m.posted, key)
	}
	return posts, nil
}

// Publish makes data available to the given worker for call seq.
func (m *mailbox) Publish(seq uint64, rank int, data []byte) {
	m.mu.Lock()
	m.published[slot{seq, rank}] = data
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Fetch waits for the root to publish the payload for the given
// worker and call seq.
func (m *mailbox) Fetch(ctx context.Context, seq uint64, rank int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.err != nil {
			return nil, m.err
		}
		if data, ok := m.published[slot{seq, rank}]; ok {
			return data, nil
		}
		if err := m.cond.Wait(ctx); err != nil {
			return nil, err
		}
	}
}

// Abort fails the mailbox. The first abort wins; later ones are
// ignored.
func (m *mailbox) Abort(err error) {
	if err == nil {
		err = errors.New("unknown cause")
	}
	m.mu.Lock()
	if m.err == nil {
		m.err = errors.E(errors.Canceled, "collective: group aborted", err)
	}
	m.cond.Broadcast()
	m.mu.Unlock()
}
