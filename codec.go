// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigsift

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
)

// Keypoints travel between workers as fixed-size records so that a
// buffer of n records is exactly n*RecordSize bytes and needs no
// framing. Record layout, version 1, little-endian:
//
//	offset  width  field
//	0       4      I            int32
//	4       4      J            int32
//	8       4      Octave       int32
//	12      4      Scale        int32
//	16      4      X            float32
//	20      4      Y            float32
//	24      4      Sigma        float32
//	28      4      ExtremumVal  float32
//	32      128    Descriptor   [128]uint8
//
// The layout is that of the equivalent packed C struct on a
// little-endian machine.
const (
	// RecordVersion is the version of the record layout. Records
	// carry no header: the version documents the layout, and must
	// change whenever RecordSize or any field offset does. Exchanges
	// log it so that mixed-version groups can be diagnosed.
	RecordVersion = 1
	// RecordSize is the size in bytes of an encoded keypoint.
	RecordSize = 32 + DescriptorLen
)

const descriptorOffset = 32

// EncodeRecord encodes keypoint k into dst, which must be at least
// RecordSize bytes long. Field values are copied verbatim; no range
// checks are performed.
func EncodeRecord(dst []byte, k *Keypoint) {
	_ = dst[RecordSize-1]
	le := binary.LittleEndian
	le.PutUint32(dst[0:], uint32(k.I))
	le.PutUint32(dst[4:], uint32(k.J))
	le.PutUint32(dst[8:], uint32(k.Octave))
	le.PutUint32(dst[12:], uint32(k.Scale))
	le.PutUint32(dst[16:], math.Float32bits(k.X))
	le.PutUint32(dst[20:], math.Float32bits(k.Y))
	le.PutUint32(dst[24:], math.Float32bits(k.Sigma))
	le.PutUint32(dst[28:], math.Float32bits(k.ExtremumVal))
	copy(dst[descriptorOffset:RecordSize], k.Descriptor[:])
}

// DecodeRecord decodes the record in src[:RecordSize] into a keypoint.
// It is the exact inverse of EncodeRecord.
func DecodeRecord(src []byte) Keypoint {
	_ = src[RecordSize-1]
	le := binary.LittleEndian
	k := Keypoint{
		I:           int32(le.Uint32(src[0:])),
		J:           int32(le.Uint32(src[4:])),
		Octave:      int32(le.Uint32(src[8:])),
		Scale:       int32(le.Uint32(src[12:])),
		X:           math.Float32frombits(le.Uint32(src[16:])),
		Y:           math.Float32frombits(le.Uint32(src[20:])),
		Sigma:       math.Float32frombits(le.Uint32(src[24:])),
		ExtremumVal: math.Float32frombits(le.Uint32(src[28:])),
	}
	copy(k.Descriptor[:], src[descriptorOffset:RecordSize])
	return k
}

// AppendRecords appends the encoding of each keypoint in kps to dst
// and returns the extended buffer.
func AppendRecords(dst []byte, kps []Keypoint) []byte {
	n := len(dst)
	if need := n + len(kps)*RecordSize; cap(dst) < need {
		grown := make([]byte, n, need)
		copy(grown, dst)
		dst = grown
	}
	dst = dst[:n+len(kps)*RecordSize]
	for i := range kps {
		EncodeRecord(dst[n+i*RecordSize:], &kps[i])
	}
	return dst
}

// DecodeRecords decodes a buffer of records. The buffer's length must
// be a multiple of RecordSize.
func DecodeRecords(buf []byte) ([]Keypoint, error) {
	if len(buf)%RecordSize != 0 {
		return nil, errors.E(errors.Integrity,
			fmt.Sprintf("record buffer of %d bytes is not a multiple of the record size %d", len(buf), RecordSize))
	}
	kps := make([]Keypoint, len(buf)/RecordSize)
	for i := range kps {
		kps[i] = DecodeRecord(buf[i*RecordSize:])
	}
	return kps, nil
}
