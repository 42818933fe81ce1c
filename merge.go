// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigsift

import (
	"fmt"
	"sort"

	"github.com/spaolacci/murmur3"
)

// Canonicalize sorts keypoints in place by (Octave, Scale, I, J).
// The sort is stable: keypoints with equal keys retain their relative
// order, which after an exchange is the rank order of the workers
// that produced them.
func Canonicalize(kps []Keypoint) {
	sort.SliceStable(kps, func(i, j int) bool {
		return kps[i].Less(&kps[j])
	})
}

// IsCanonical tells whether kps is in canonical order.
func IsCanonical(kps []Keypoint) bool {
	for i := 1; i < len(kps); i++ {
		if kps[i].Less(&kps[i-1]) {
			return false
		}
	}
	return true
}

// Merge decodes a gathered record buffer and returns its keypoints in
// canonical order.
func Merge(buf []byte) ([]Keypoint, error) {
	kps, err := DecodeRecords(buf)
	if err != nil {
		return nil, err
	}
	Canonicalize(kps)
	return kps, nil
}

// Digest returns a fingerprint of the record encoding of kps. Two runs
// over the same input produce the same digest regardless of their
// worker count.
func Digest(kps []Keypoint) string {
	h1, h2 := murmur3.Sum128(AppendRecords(nil, kps))
	return fmt.Sprintf("%016x%016x", h1, h2)
}
