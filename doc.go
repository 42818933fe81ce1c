// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigsift implements distributed keypoint detection. A run
	detects keypoints in one image on a fixed-size group of workers
	that execute the same program (SPMD), and merges their results on
	the group's root worker, rank 0.

	The root loads the image. In the default mode, ModeDetect, it
	broadcasts the grayscale image and every worker detects the
	keypoints of its own rows. In ModeScatter, the workers only share
	the grayscale conversion and the root detects over the whole
	image. Either way, the workers then exchange their keypoints with
	the root in two phases: first the size of each contribution, then
	the contributions themselves, encoded as fixed-size records.

	The root decodes the gathered records and sorts them into
	canonical order, by octave, scale, and sample position. Because
	every detector must produce the same set of keypoints regardless
	of how an image is divided, the merged result does not depend on
	the number of workers; its Digest is a convenient fingerprint.

	Workers communicate through package collective, and are provided
	by package exec: as goroutines in one process, or as bigmachine
	machines. Detectors are registered by name; package detect
	provides the reference detector, "extrema".
*/
package bigsift
