// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigsift

import "fmt"

// DescriptorLen is the number of entries in a keypoint descriptor:
// 4x4 spatial cells of 8 orientation bins each.
const DescriptorLen = 128

// A Descriptor is a quantized gradient histogram summarizing the
// image structure around a keypoint.
type Descriptor [DescriptorLen]uint8

// A Keypoint is a scale-invariant image feature.
type Keypoint struct {
	// I and J are the keypoint's column and row in the pixel grid of
	// its octave.
	I, J int32
	// Octave is the pyramid level; 0 is the original resolution.
	Octave int32
	// Scale is the index of the keypoint's blur level within its octave.
	Scale int32
	// X and Y are the keypoint's position in original image coordinates.
	X, Y float32
	// Sigma is the keypoint's blur scale in original image units.
	Sigma float32
	// ExtremumVal is the detector response at the keypoint.
	ExtremumVal float32
	Descriptor  Descriptor
}

// Less orders keypoints by (Octave, Scale, I, J). This is the
// canonical order of a merged result set.
func (k *Keypoint) Less(l *Keypoint) bool {
	if k.Octave != l.Octave {
		return k.Octave < l.Octave
	}
	if k.Scale != l.Scale {
		return k.Scale < l.Scale
	}
	if k.I != l.I {
		return k.I < l.I
	}
	return k.J < l.J
}

func (k Keypoint) String() string {
	return fmt.Sprintf("keypoint(o=%d s=%d i=%d j=%d x=%g y=%g)", k.Octave, k.Scale, k.I, k.J, k.X, k.Y)
}
