// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigsift

import (
	"math/rand"
	"reflect"
	"testing"

	fuzz "github.com/google/gofuzz"
)

func fuzzKeypoints(seed int64, n int) []Keypoint {
	fz := fuzz.New().RandSource(rand.NewSource(seed))
	kps := make([]Keypoint, n)
	for i := range kps {
		fz.Fuzz(&kps[i])
		// Keep keys in a small domain so that ties occur.
		kps[i].Octave = int32(uint32(kps[i].Octave) % 3)
		kps[i].Scale = int32(uint32(kps[i].Scale) % 3)
		kps[i].I = int32(uint32(kps[i].I) % 5)
		kps[i].J = int32(uint32(kps[i].J) % 5)
	}
	return kps
}

func TestMergeCanonical(t *testing.T) {
	kps := fuzzKeypoints(1, 1000)
	merged, err := Merge(AppendRecords(nil, kps))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(merged), len(kps); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if !IsCanonical(merged) {
		t.Fatal("merged keypoints are not in canonical order")
	}
	again, err := Merge(AppendRecords(nil, merged))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(merged, again) {
		t.Error("merge is not idempotent")
	}
}

func TestMergeStable(t *testing.T) {
	kps := []Keypoint{
		{Octave: 1, X: 1},
		{Octave: 0, Scale: 2, X: 2},
		{Octave: 1, X: 3},
		{Octave: 0, Scale: 1, I: 4, X: 4},
		{Octave: 0, Scale: 1, I: 3, J: 9, X: 5},
	}
	Canonicalize(kps)
	var xs []float32
	for _, k := range kps {
		xs = append(xs, k.X)
	}
	if got, want := xs, []float32{5, 4, 2, 1, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDigestOrderIndependent(t *testing.T) {
	kps := fuzzKeypoints(2, 200)
	// Make keys unique so that the canonical order is total.
	for i := range kps {
		kps[i].I = int32(i)
	}
	a := append([]Keypoint(nil), kps...)
	b := append([]Keypoint(nil), kps...)
	rand.New(rand.NewSource(3)).Shuffle(len(b), func(i, j int) { b[i], b[j] = b[j], b[i] })
	Canonicalize(a)
	Canonicalize(b)
	if got, want := Digest(b), Digest(a); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if Digest(a[1:]) == Digest(a) {
		t.Error("digest did not change")
	}
}
