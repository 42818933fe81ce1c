// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigsift

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// A Partition splits a workload of Total units across a fixed number
// of workers. Worker r owns the contiguous range
// [Displs[r], Displs[r]+Counts[r]). The ranges tile [0, Total)
// exactly.
type Partition struct {
	Counts []int
	Displs []int
}

// Split partitions total units of work across the given number of
// workers. Each worker receives total/workers units; the first
// total%workers workers receive one extra unit, so that shares differ
// by at most one. Split is deterministic in its arguments.
func Split(total, workers int) (Partition, error) {
	if workers <= 0 {
		return Partition{}, errors.E(errors.Invalid, fmt.Sprintf("split: invalid worker count %d", workers))
	}
	if total < 0 {
		return Partition{}, errors.E(errors.Invalid, fmt.Sprintf("split: invalid workload %d", total))
	}
	var (
		base = total / workers
		rem  = total % workers
		p    = Partition{
			Counts: make([]int, workers),
			Displs: make([]int, workers),
		}
		off int
	)
	for r := range p.Counts {
		p.Counts[r] = base
		if r < rem {
			p.Counts[r]++
		}
		p.Displs[r] = off
		off += p.Counts[r]
	}
	return p, nil
}

// MustSplit is a version of Split that panics on error.
func MustSplit(total, workers int) Partition {
	p, err := Split(total, workers)
	if err != nil {
		panic(err)
	}
	return p
}

// Len returns the number of workers in the partition.
func (p Partition) Len() int { return len(p.Counts) }

// Total returns the size of the partitioned workload.
func (p Partition) Total() int {
	var n int
	for _, c := range p.Counts {
		n += c
	}
	return n
}

// Range returns the half-open range [start, end) owned by worker r.
func (p Partition) Range(r int) (start, end int) {
	return p.Displs[r], p.Displs[r] + p.Counts[r]
}

// Scale returns a partition where every count and displacement is
// multiplied by n. It is used to turn a partition of pixels into a
// partition of bytes.
func (p Partition) Scale(n int) Partition {
	q := Partition{
		Counts: make([]int, len(p.Counts)),
		Displs: make([]int, len(p.Displs)),
	}
	for i := range p.Counts {
		q.Counts[i] = p.Counts[i] * n
		q.Displs[i] = p.Displs[i] * n
	}
	return q
}

// PrefixSum returns the exclusive prefix sum of counts together with
// their sum.
func PrefixSum(counts []int) (displs []int, total int) {
	displs = make([]int, len(counts))
	for i, c := range counts {
		displs[i] = total
		total += c
	}
	return
}
