// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigsift

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigsift/collective"
)

// Exchange gathers every worker's encoded records at the root. The
// exchange is done in two phases: workers first report the size of
// their record buffers, from which the root computes where each
// worker's records go; the records themselves are then gathered into
// a single buffer. Workers' records appear in rank order and without
// gaps; a worker with no records contributes nothing.
//
// Exchange returns the gathered buffer on the root and nil on every
// other worker.
func Exchange(ctx context.Context, comm collective.Comm, local []byte) ([]byte, error) {
	if len(local)%RecordSize != 0 {
		return nil, errors.E(errors.Integrity,
			fmt.Sprintf("exchange: local buffer of %d bytes is not a multiple of the record size", len(local)))
	}
	counts, err := comm.GatherInt(ctx, len(local))
	if err != nil {
		return nil, err
	}
	var (
		recv   []byte
		displs []int
	)
	if comm.Rank() == collective.Root {
		for r, n := range counts {
			if n < 0 || n%RecordSize != 0 {
				return nil, errors.E(errors.Integrity,
					fmt.Sprintf("exchange: worker %d reported %d bytes, not a multiple of the record size", r, n))
			}
		}
		var total int
		displs, total = PrefixSum(counts)
		log.Debug.Printf("exchange: gathering %d v%d records from %d workers: counts %v", total/RecordSize, RecordVersion, comm.Size(), counts)
		recv = make([]byte, total)
	}
	if err := comm.Gatherv(ctx, local, recv, counts, displs); err != nil {
		return nil, err
	}
	return recv, nil
}
