// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigmachine"
)

func init() {
	gob.Register(&Service{})
}

// DialPolicy is the retry policy used when dialing the root machine.
var dialPolicy = retry.Backoff(100*time.Millisecond, 5*time.Second, 1.5)

const maxDialRetries = 10

// Service carries collective traffic between bigmachine machines. It
// must be installed on every machine of a group, under the name given
// in Join. Services are usually embedded in a larger bigmachine
// service, which exposes Post, Fetch, Abort, and Release as its own
// methods.
//
// A service hosts the mailboxes of every group for which its machine
// is the root. Groups are identified by a run ID, so that a machine
// can take part in successive runs.
type Service struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}

	b *bigmachine.B

	mu       sync.Mutex
	boxes    map[uint64]*mailbox
	released map[uint64]bool
}

// Init implements bigmachine service initialization.
func (s *Service) Init(b *bigmachine.B) error {
	s.b = b
	s.boxes = make(map[uint64]*mailbox)
	s.released = make(map[uint64]bool)
	return nil
}

// Message is the payload of Post and Fetch calls.
type Message struct {
	// Run and Size identify the group.
	Run  uint64
	Size int
	// Seq is the sequence number of the collective call.
	Seq  uint64
	Rank int
	Data []byte
}

// AbortRequest is the payload of Abort calls.
type AbortRequest struct {
	Run    uint64
	Size   int
	Reason string
}

// Mailbox returns the mailbox of a run, creating it if needed. The
// mailboxes of released runs are never recreated: calls that arrive
// after Release fail with errors.NotExist.
func (s *Service) mailbox(run uint64, size int) (*mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released[run] {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("collective: run %x was released", run))
	}
	box := s.boxes[run]
	if box == nil {
		box = newMailbox(size)
		s.boxes[run] = box
	}
	return box, nil
}

// Post deposits a worker's contribution in the root's mailbox.
func (s *Service) Post(ctx context.Context, msg Message, _ *struct{}) error {
	box, err := s.mailbox(msg.Run, msg.Size)
	if err != nil {
		return err
	}
	return box.Post(ctx, msg.Seq, msg.Rank, msg.Data)
}

// Fetch retrieves the payload published by the root for a worker.
func (s *Service) Fetch(ctx context.Context, msg Message, data *[]byte) error {
	box, err := s.mailbox(msg.Run, msg.Size)
	if err != nil {
		return err
	}
	*data, err = box.Fetch(ctx, msg.Seq, msg.Rank)
	return err
}

// Abort fails the group with the provided reason.
func (s *Service) Abort(ctx context.Context, req AbortRequest, _ *struct{}) error {
	box, err := s.mailbox(req.Run, req.Size)
	if err != nil {
		return err
	}
	box.Abort(errors.New(req.Reason))
	return nil
}

// Release discards the mailbox of a run. It should be called after
// every worker of the run has returned. Later calls for the run fail.
func (s *Service) Release(ctx context.Context, run uint64, _ *struct{}) error {
	s.mu.Lock()
	delete(s.boxes, run)
	s.released[run] = true
	s.mu.Unlock()
	return nil
}

// A JoinRequest describes a worker's membership in a group.
type JoinRequest struct {
	// Service is the name under which the Service is installed on the
	// group's machines.
	Service string
	// Run identifies the group.
	Run uint64
	// Rank and Size are the worker's rank and the group size.
	Rank, Size int
	// RootAddr is the bigmachine address of the root machine.
	RootAddr string
}

// Join returns the comm of the worker described by req, which runs on
// the machine hosting service s.
func Join(ctx context.Context, s *Service, req JoinRequest) (Comm, error) {
	if req.Size <= 0 || req.Rank < 0 || req.Rank >= req.Size {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("collective: invalid rank %d in group of %d", req.Rank, req.Size))
	}
	e := &endpoint{rank: req.Rank, size: req.Size}
	if req.Rank == Root {
		box, err := s.mailbox(req.Run, req.Size)
		if err != nil {
			return nil, err
		}
		e.box = box
		return e, nil
	}
	var (
		root *bigmachine.Machine
		err  error
	)
	for retries := 0; ; retries++ {
		root, err = s.b.Dial(ctx, req.RootAddr)
		if err == nil {
			break
		}
		if retries == maxDialRetries {
			return nil, errors.E(fmt.Sprintf("collective: dial root %s", req.RootAddr), err)
		}
		log.Printf("collective: dial root %s: %v; retrying", req.RootAddr, err)
		if err := retry.Wait(ctx, dialPolicy, retries); err != nil {
			return nil, err
		}
	}
	e.hub = &machineTransport{
		machine: root,
		service: req.Service,
		run:     req.Run,
		size:    req.Size,
	}
	return e, nil
}

// MachineTransport carries a worker's traffic to the root machine
// over bigmachine RPC.
type machineTransport struct {
	machine *bigmachine.Machine
	service string
	run     uint64
	size    int
}

func (t *machineTransport) Post(ctx context.Context, seq uint64, rank int, data []byte) error {
	msg := Message{Run: t.run, Size: t.size, Seq: seq, Rank: rank, Data: data}
	return t.machine.RetryCall(ctx, t.service+".Post", msg, nil)
}

func (t *machineTransport) Fetch(ctx context.Context, seq uint64, rank int) ([]byte, error) {
	var (
		msg  = Message{Run: t.run, Size: t.size, Seq: seq, Rank: rank}
		data []byte
	)
	err := t.machine.RetryCall(ctx, t.service+".Fetch", msg, &data)
	return data, err
}

func (t *machineTransport) Abort(ctx context.Context, err error) {
	req := AbortRequest{Run: t.run, Size: t.size, Reason: err.Error()}
	if err := t.machine.Call(ctx, t.service+".Abort", req, nil); err != nil {
		log.Error.Printf("collective: abort run %x on %s: %v", t.run, t.machine.Addr, err)
	}
}
