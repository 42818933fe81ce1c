// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"net/http"

	"github.com/grailbio/base/status"
	"github.com/grailbio/bigsift"
	"github.com/grailbio/bigsift/collective"
	"github.com/grailbio/bigsift/stats"
	"golang.org/x/sync/errgroup"
)

// LocalExecutor is an executor that runs each worker of a group in
// its own goroutine. Workers communicate through an in-process
// collective group.
type localExecutor struct {
	sess *Session
}

func newLocalExecutor() *localExecutor {
	return new(localExecutor)
}

func (*localExecutor) Name() string {
	return "local"
}

func (l *localExecutor) Start(sess *Session) (shutdown func()) {
	l.sess = sess
	return func() {}
}

func (l *localExecutor) Run(ctx context.Context, req bigsift.Request, group *status.Group) ([]*bigsift.Result, error) {
	comms, err := collective.NewLocalGroup(l.sess.p)
	if err != nil {
		return nil, err
	}
	var (
		results = make([]*bigsift.Result, len(comms))
		errs    = make([]error, len(comms))
	)
	var g errgroup.Group
	for rank := range comms {
		rank := rank
		task := group.Start(fmt.Sprintf("worker %d", rank))
		g.Go(func() error {
			defer task.Done()
			task.Print("running")
			results[rank], errs[rank] = bigsift.Run(ctx, comms[rank], req)
			if errs[rank] != nil {
				task.Printf("error: %v", errs[rank])
				return errs[rank]
			}
			task.Printf("done: %d keypoints", results[rank].Stats[stats.Keypoints])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, firstError(errs)
	}
	return results, nil
}

func (*localExecutor) HandleDebug(*http.ServeMux) {}
