// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec runs bigsift requests on groups of workers. A session
// owns an executor, which provides the workers and the transport that
// connects them: goroutines in the current process, or bigmachine
// machines.
package exec

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigsift"
	"github.com/grailbio/bigsift/stats"
)

// An executor provides groups of workers on which runs execute.
type executor interface {
	// Name returns a human-friendly name for this executor.
	Name() string
	// Start starts the executor. It is called once, when the session
	// is started, and returns a function that releases the executor's
	// resources.
	Start(*Session) (shutdown func())
	// Run executes req on a group of the session's parallelism. It
	// returns the result of every worker, indexed by rank.
	Run(ctx context.Context, req bigsift.Request, group *status.Group) ([]*bigsift.Result, error)
	// HandleDebug adds executor-specific debug handlers.
	HandleDebug(*http.ServeMux)
}

// Session represents a bigsift compute session. A session owns an
// executor and is valid for the run of the binary; it can execute
// many requests, one after the other or concurrently.
//
// A session is started by the Start function. Some executors launch
// additional copies of the binary: in these worker processes, Start
// does not return.
type Session struct {
	p        int
	executor executor
	status   *status.Status
	shutdown func()
	nextRun  uint64
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session with the in-process executor. Its
// workers are goroutines.
var Local Option = func(s *Session) {
	s.executor = newLocalExecutor()
}

// Bigmachine configures a session using the bigmachine executor
// configured with the provided system. If any params are provided,
// they are applied to each machine allocated by the session.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.executor = newBigmachineExecutor(system, params...)
	}
}

// Parallelism configures the session with the number of workers in
// each run's group.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("exec.Parallelism: p <= 0")
	}
	return func(s *Session) {
		s.p = p
	}
}

// Status configures the session with a status object to which
// run and worker statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
	}
}

// Start creates and starts a new session, configuring it according
// to the provided options. If no executor is configured, the session
// uses the bigmachine executor with bigmachine.Local.
func Start(options ...Option) *Session {
	s := new(Session)
	for _, opt := range options {
		opt(s)
	}
	if s.p == 0 {
		s.p = 1
	}
	if s.executor == nil {
		s.executor = newBigmachineExecutor(bigmachine.Local)
	}
	s.shutdown = s.executor.Start(s)
	return s
}

// Run executes req on a group of workers and returns the root's
// result. The counters of every worker are added into the result's
// Stats. Run assigns the request its run ID; it is safe to call Run
// concurrently.
func (s *Session) Run(ctx context.Context, req bigsift.Request) (*bigsift.Result, error) {
	req.RunID = atomic.AddUint64(&s.nextRun, 1)
	var group *status.Group
	if s.status != nil {
		group = s.status.Groupf("run %d: %s", req.RunID, req.Input)
	}
	log.Printf("run %d: %s on %d workers (%s, mode %v, detector %s)",
		req.RunID, req.Input, s.p, s.executor.Name(), req.Mode, req.Detector)
	results, err := s.executor.Run(ctx, req, group)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("run %d", req.RunID), err)
	}
	total := make(stats.Values)
	for _, res := range results {
		if res != nil {
			total.Add(res.Stats)
		}
	}
	res := results[0]
	res.Stats = total
	log.Printf("run %d: %s", req.RunID, summary(res))
	return res, nil
}

// Summary describes a run's result and the time its workers spent in
// each phase, summed over workers.
func summary(res *bigsift.Result) string {
	return fmt.Sprintf("%d keypoints in %s (detect %s, exchange %s): %s",
		len(res.Keypoints), res.Elapsed,
		res.Stats.Duration(stats.DetectNanos), res.Stats.Duration(stats.ExchangeNanos),
		res.Stats)
}

// Parallelism returns the number of workers in each run's group.
func (s *Session) Parallelism() int {
	return s.p
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}

// HandleDebug registers the executor's debug handlers on handler.
func (s *Session) HandleDebug(handler *http.ServeMux) {
	s.executor.HandleDebug(handler)
}

// Shutdown tears down resources associated with this session.
// It should be called when the session is discarded.
func (s *Session) Shutdown() {
	if s.shutdown != nil {
		s.shutdown()
	}
}

// FirstError returns the most informative of a group's errors: the
// first one that does not merely report that the group was aborted.
func firstError(errs []error) error {
	var canceled error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if !errors.Is(errors.Canceled, err) {
			return err
		}
		if canceled == nil {
			canceled = err
		}
	}
	return canceled
}
