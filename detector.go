// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigsift

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigsift/siftimage"
)

// A Part identifies the share of a detection run assigned to one
// worker.
type Part struct {
	// Rank is the worker's index in [0, Size).
	Rank int
	// Size is the number of workers.
	Size int
}

// A Detector finds keypoints in a grayscale image. Detect must be
// deterministic in its arguments. Every keypoint of the image must be
// produced by exactly one part, and the union of the keypoints
// produced over all parts of a run must not depend on the number of
// parts.
type Detector interface {
	Detect(ctx context.Context, img *siftimage.Gray, part Part) ([]Keypoint, error)
}

// DetectorFunc adapts a function to a Detector.
type DetectorFunc func(ctx context.Context, img *siftimage.Gray, part Part) ([]Keypoint, error)

// Detect implements Detector.
func (f DetectorFunc) Detect(ctx context.Context, img *siftimage.Gray, part Part) ([]Keypoint, error) {
	return f(ctx, img, part)
}

var (
	detectorsMu sync.Mutex
	detectors   = map[string]Detector{}
)

// RegisterDetector registers a detector under the given name. Runs
// name their detector, so that every worker of a run, possibly in a
// different process, uses the same one. Detectors should therefore be
// registered during package initialization.
func RegisterDetector(name string, d Detector) {
	detectorsMu.Lock()
	defer detectorsMu.Unlock()
	if _, ok := detectors[name]; ok {
		log.Panicf("detector %s is already registered", name)
	}
	detectors[name] = d
}

// LookupDetector returns the detector registered under name.
func LookupDetector(name string) (Detector, error) {
	detectorsMu.Lock()
	defer detectorsMu.Unlock()
	d, ok := detectors[name]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("detector %q is not registered", name))
	}
	return d, nil
}

// Detectors returns the names of the registered detectors.
func Detectors() []string {
	detectorsMu.Lock()
	defer detectorsMu.Unlock()
	names := make([]string, 0, len(detectors))
	for name := range detectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
