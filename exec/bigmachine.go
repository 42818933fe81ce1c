// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"net/http"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigsift"
	"github.com/grailbio/bigsift/collective"
	"github.com/grailbio/bigsift/stats"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&worker{})
}

// WorkerService is the name under which the worker service is
// installed on each machine.
const workerService = "Worker"

// BigmachineExecutor is an executor that runs each worker of a group
// on its own bigmachine machine. The machine of rank 0 hosts the
// group's mailbox; the other workers reach it over RPC.
type bigmachineExecutor struct {
	system bigmachine.System
	params []bigmachine.Param

	sess   *Session
	b      *bigmachine.B
	status *status.Group

	// Mu serializes machine startup.
	mu       sync.Mutex
	machines []*bigmachine.Machine
}

func newBigmachineExecutor(system bigmachine.System, params ...bigmachine.Param) *bigmachineExecutor {
	return &bigmachineExecutor{system: system, params: params}
}

func (b *bigmachineExecutor) Name() string {
	return "bigmachine:" + b.system.Name()
}

// Start starts bigmachine. Machines are started when the first
// run needs them, and are kept for subsequent runs.
func (b *bigmachineExecutor) Start(sess *Session) (shutdown func()) {
	b.sess = sess
	b.b = bigmachine.Start(b.system)
	if status := sess.Status(); status != nil {
		b.status = status.Group("bigmachine")
	}
	return b.b.Shutdown
}

// Start returns the session's machines, starting them if needed. All
// machines are running when start returns without error.
func (b *bigmachineExecutor) start(ctx context.Context) ([]*bigmachine.Machine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.machines {
		if m.State() != bigmachine.Running {
			log.Printf("machine %s is %v; restarting all machines", m.Addr, m.State())
			for _, m := range b.machines {
				m.Cancel()
			}
			b.machines = nil
			break
		}
	}
	if b.machines != nil {
		return b.machines, nil
	}
	machines := startMachines(ctx, b.b, b.status, b.sess.p, b.params...)
	if got, want := len(machines), b.sess.p; got != want {
		for _, m := range machines {
			m.Cancel()
		}
		return nil, errors.E(fmt.Sprintf("started %d machines, want %d", got, want))
	}
	b.machines = machines
	return machines, nil
}

func (b *bigmachineExecutor) Run(ctx context.Context, req bigsift.Request, group *status.Group) ([]*bigsift.Result, error) {
	machines, err := b.start(ctx)
	if err != nil {
		return nil, err
	}
	root := machines[collective.Root]
	var (
		results = make([]*bigsift.Result, len(machines))
		errs    = make([]error, len(machines))
	)
	// Workers share the caller's context: a failing worker aborts the
	// group, which ends the calls of the others with its cause.
	var g errgroup.Group
	for rank, m := range machines {
		rank, m := rank, m
		task := group.Start(fmt.Sprintf("worker %d", rank))
		task.Title(m.Addr)
		g.Go(func() error {
			defer task.Done()
			task.Print("running")
			wreq := runRequest{
				Request: req,
				Join: collective.JoinRequest{
					Service:  workerService,
					Run:      req.RunID,
					Rank:     rank,
					Size:     len(machines),
					RootAddr: root.Addr,
				},
			}
			res := new(bigsift.Result)
			if err := m.Call(ctx, workerService+".Run", wreq, res); err != nil {
				errs[rank] = errors.E(fmt.Sprintf("worker %d (%s)", rank, m.Addr), err)
				task.Printf("error: %v", err)
				return errs[rank]
			}
			results[rank] = res
			task.Printf("done: %d keypoints", res.Stats[stats.Keypoints])
			return nil
		})
	}
	err = g.Wait()
	if rerr := root.Call(ctx, workerService+".Release", req.RunID, nil); rerr != nil {
		log.Error.Printf("release run %d on %s: %v", req.RunID, root.Addr, rerr)
	}
	if err != nil {
		return nil, firstError(errs)
	}
	return results, nil
}

func (b *bigmachineExecutor) HandleDebug(handler *http.ServeMux) {
	b.b.HandleDebug(handler)
}

// StartMachines starts n machines on b, installing a worker service
// on each of them. StartMachines returns the machines that reached
// bigmachine.Running, in the order in which they were started.
func startMachines(ctx context.Context, b *bigmachine.B, group *status.Group, n int, params ...bigmachine.Param) []*bigmachine.Machine {
	params = append([]bigmachine.Param{bigmachine.Services{workerService: &worker{}}}, params...)
	machines, err := b.Start(ctx, n, params...)
	if err != nil {
		log.Error.Printf("error starting machines: %v", err)
		return nil
	}
	var (
		wg      sync.WaitGroup
		running = make([]bool, len(machines))
	)
	for i := range machines {
		i, m := i, machines[i]
		status := group.Start()
		status.Print("waiting for machine to boot")
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-m.Wait(bigmachine.Running)
			if err := m.Err(); err != nil {
				log.Printf("machine %s failed to start: %v", m.Addr, err)
				status.Printf("failed to start: %v", err)
				status.Done()
				return
			}
			status.Title(m.Addr)
			status.Print("running")
			log.Printf("machine %v is ready", m.Addr)
			running[i] = true
		}()
	}
	wg.Wait()
	n = 0
	for i, m := range machines {
		if running[i] {
			machines[n] = m
			n++
		}
	}
	return machines[:n]
}

// A worker is the bigmachine service that runs a worker of a group.
// The worker on the root machine also hosts the group's mailbox,
// which the other workers reach through the embedded collective
// service's methods.
type worker struct {
	collective.Service
}

func (w *worker) Init(b *bigmachine.B) error {
	return w.Service.Init(b)
}

// RunRequest is the argument of Worker.Run.
type runRequest struct {
	Request bigsift.Request
	Join    collective.JoinRequest
}

// Run joins the group described by req and runs the request as a
// member of it.
func (w *worker) Run(ctx context.Context, req runRequest, res *bigsift.Result) error {
	comm, err := collective.Join(ctx, &w.Service, req.Join)
	if err != nil {
		return err
	}
	r, err := bigsift.Run(ctx, comm, req.Request)
	if err != nil {
		return err
	}
	*res = *r
	return nil
}
