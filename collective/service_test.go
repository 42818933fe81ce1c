// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"context"
	"encoding/gob"
	"reflect"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/testsystem"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&testWorker{})
}

// TestWorker is a bigmachine service that runs a small SPMD program
// over the group it is asked to join.
type testWorker struct {
	Service
}

func (w *testWorker) Init(b *bigmachine.B) error {
	return w.Service.Init(b)
}

type gatherReply struct {
	Ranks []int
	Data  []byte
}

func (w *testWorker) Gather(ctx context.Context, req JoinRequest, reply *gatherReply) error {
	comm, err := Join(ctx, &w.Service, req)
	if err != nil {
		return err
	}
	if err := comm.Barrier(ctx); err != nil {
		return err
	}
	seed, err := comm.Bcast(ctx, []byte{7})
	if err != nil {
		return err
	}
	send := make([]byte, comm.Rank())
	for i := range send {
		send[i] = seed[0] + byte(comm.Rank())
	}
	counts, err := comm.GatherInt(ctx, len(send))
	if err != nil {
		return err
	}
	var (
		recv   []byte
		displs []int
	)
	if comm.Rank() == Root {
		displs = make([]int, len(counts))
		total := 0
		for r, c := range counts {
			displs[r] = total
			total += c
		}
		recv = make([]byte, total)
	}
	if err := comm.Gatherv(ctx, send, recv, counts, displs); err != nil {
		return err
	}
	if err := comm.Barrier(ctx); err != nil {
		return err
	}
	reply.Ranks = counts
	reply.Data = recv
	return nil
}

func TestServiceGather(t *testing.T) {
	const N = 3
	ctx := context.Background()
	b := bigmachine.Start(testsystem.New())
	defer b.Shutdown()
	machines, err := b.Start(ctx, N, bigmachine.Services{"Worker": &testWorker{}})
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range machines {
		<-m.Wait(bigmachine.Running)
		if err := m.Err(); err != nil {
			t.Fatal(err)
		}
	}
	replies := make([]gatherReply, N)
	g, gctx := errgroup.WithContext(ctx)
	for r := range machines {
		r := r
		g.Go(func() error {
			req := JoinRequest{
				Service:  "Worker",
				Run:      1,
				Rank:     r,
				Size:     N,
				RootAddr: machines[Root].Addr,
			}
			return machines[r].Call(gctx, "Worker.Gather", req, &replies[r])
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got, want := replies[Root].Ranks, []int{0, 1, 2}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := replies[Root].Data, []byte{8, 9, 9}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	for r := 1; r < N; r++ {
		if replies[r].Data != nil {
			t.Errorf("worker %d holds gathered data", r)
		}
	}
	if err := machines[Root].Call(ctx, "Worker.Release", uint64(1), nil); err != nil {
		t.Fatal(err)
	}
}

func TestServiceReleased(t *testing.T) {
	var s Service
	if err := s.Init(nil); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	msg := Message{Run: 7, Size: 2, Seq: 1, Rank: 1, Data: []byte{1}}
	if err := s.Post(ctx, msg, nil); err != nil {
		t.Fatal(err)
	}
	if got, want := len(s.boxes), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if err := s.Release(ctx, 7, nil); err != nil {
		t.Fatal(err)
	}
	// Late calls for a released run fail instead of recreating its
	// mailbox and blocking.
	var data []byte
	if err := s.Fetch(ctx, msg, &data); !errors.Is(errors.NotExist, err) {
		t.Errorf("fetch: got %v, want not exist", err)
	}
	if err := s.Post(ctx, msg, nil); !errors.Is(errors.NotExist, err) {
		t.Errorf("post: got %v, want not exist", err)
	}
	if err := s.Abort(ctx, AbortRequest{Run: 7, Size: 2, Reason: "late"}, nil); !errors.Is(errors.NotExist, err) {
		t.Errorf("abort: got %v, want not exist", err)
	}
	if _, err := Join(ctx, &s, JoinRequest{Run: 7, Rank: Root, Size: 2}); !errors.Is(errors.NotExist, err) {
		t.Errorf("join: got %v, want not exist", err)
	}
	if got, want := len(s.boxes), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Other runs are unaffected.
	if err := s.Post(ctx, Message{Run: 8, Size: 2, Seq: 1, Rank: 1}, nil); err != nil {
		t.Error(err)
	}
}
