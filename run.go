// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigsift

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigsift/collective"
	"github.com/grailbio/bigsift/siftimage"
	"github.com/grailbio/bigsift/stats"
)

// Mode selects how a run divides work among its workers.
type Mode int

const (
	// ModeDetect broadcasts the grayscale image to every worker; each
	// worker detects keypoints in its own part of the image.
	ModeDetect Mode = iota
	// ModeScatter divides only the grayscale conversion among the
	// workers; the root runs detection over the whole image by itself.
	ModeScatter
)

func (m Mode) String() string {
	switch m {
	case ModeDetect:
		return "detect"
	case ModeScatter:
		return "scatter"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode returns the mode named by s.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "detect":
		return ModeDetect, nil
	case "scatter":
		return ModeScatter, nil
	default:
		return 0, errors.E(errors.Invalid, fmt.Sprintf("unknown mode %q", s))
	}
}

// A Request describes a run.
type Request struct {
	// RunID identifies the run among the runs of a session.
	RunID uint64
	// Input is the path of the input image. Only the root reads it.
	Input string
	// Mode determines how work is divided.
	Mode Mode
	// Detector names the registered detector to use.
	Detector string
}

// A Result is the outcome of a run. Only the root's result carries
// keypoints, the image, the elapsed time, and the digest; every
// worker's result carries its counters.
type Result struct {
	// Keypoints is the merged keypoint set, in canonical order.
	Keypoints []Keypoint
	// Image is the grayscale image in which keypoints were detected.
	Image *siftimage.Gray
	// Elapsed is the wall-clock time between the run's opening and
	// closing barriers.
	Elapsed time.Duration
	// Digest fingerprints Keypoints.
	Digest string
	// Stats holds the worker's counters. The session adds up the
	// counters of every worker into the root's result.
	Stats stats.Values
}

// Header describes the input image. It is broadcast by the root
// before any pixels.
type header struct {
	OK                      bool
	Width, Height, Channels int
}

const headerSize = 16

func (h header) marshal() []byte {
	b := make([]byte, headerSize)
	if h.OK {
		binary.LittleEndian.PutUint32(b[0:], 1)
	}
	binary.LittleEndian.PutUint32(b[4:], uint32(h.Width))
	binary.LittleEndian.PutUint32(b[8:], uint32(h.Height))
	binary.LittleEndian.PutUint32(b[12:], uint32(h.Channels))
	return b
}

func (h *header) unmarshal(b []byte) error {
	if len(b) != headerSize {
		return errors.E(errors.Integrity, fmt.Sprintf("image header is %d bytes, want %d", len(b), headerSize))
	}
	h.OK = binary.LittleEndian.Uint32(b[0:]) == 1
	h.Width = int(binary.LittleEndian.Uint32(b[4:]))
	h.Height = int(binary.LittleEndian.Uint32(b[8:]))
	h.Channels = int(binary.LittleEndian.Uint32(b[12:]))
	return nil
}

// Run executes a run as the worker holding comm. Every worker of the
// group must call Run with the same request. If any worker fails,
// the group is aborted and every worker returns an error.
func Run(ctx context.Context, comm collective.Comm, req Request) (res *Result, err error) {
	var (
		root = comm.Rank() == collective.Root
		st   = stats.NewMap()
	)
	defer func() {
		if e := recover(); e != nil {
			err = errors.E(errors.Fatal, fmt.Errorf("worker %d panic: %v", comm.Rank(), e))
		}
		if err != nil {
			comm.Abort(context.Background(), err)
		}
	}()
	detector, err := LookupDetector(req.Detector)
	if err != nil {
		return nil, err
	}

	var raw *siftimage.Raw
	if root {
		raw, err = siftimage.Load(ctx, req.Input)
		if err != nil {
			// Let the other workers leave before aborting.
			_, _ = comm.Bcast(ctx, header{}.marshal())
			return nil, err
		}
	}
	hdr, err := bcastHeader(ctx, comm, raw)
	if err != nil {
		return nil, err
	}

	var img *siftimage.Gray
	if req.Mode == ModeDetect {
		if img, err = bcastGray(ctx, comm, hdr, raw); err != nil {
			return nil, err
		}
	}

	if err = comm.Barrier(ctx); err != nil {
		return nil, err
	}
	start := time.Now()

	var kps []Keypoint
	switch req.Mode {
	case ModeDetect:
		kps, err = detect(ctx, detector, img, Part{Rank: comm.Rank(), Size: comm.Size()}, st)
	case ModeScatter:
		img, err = scatterGray(ctx, comm, hdr, raw)
		if err == nil && root {
			kps, err = detect(ctx, detector, img, Part{Rank: 0, Size: 1}, st)
		}
	default:
		err = errors.E(errors.Invalid, fmt.Sprintf("unknown mode %v", req.Mode))
	}
	if err != nil {
		return nil, err
	}

	exchangeStart := time.Now()
	local := AppendRecords(nil, kps)
	st.Int(stats.BytesSent).Add(int64(len(local)))
	gathered, err := Exchange(ctx, comm, local)
	if err != nil {
		return nil, err
	}
	st.Since(stats.ExchangeNanos, exchangeStart)
	var merged []Keypoint
	if root {
		st.Int(stats.BytesGathered).Add(int64(len(gathered)))
		if merged, err = Merge(gathered); err != nil {
			return nil, err
		}
	}

	if err = comm.Barrier(ctx); err != nil {
		return nil, err
	}
	res = &Result{Stats: st.Snapshot()}
	if root {
		res.Elapsed = time.Since(start)
		res.Keypoints = merged
		res.Image = img
		res.Digest = Digest(merged)
	}
	return res, nil
}

func bcastHeader(ctx context.Context, comm collective.Comm, raw *siftimage.Raw) (header, error) {
	var send []byte
	if raw != nil {
		send = header{OK: true, Width: raw.Width, Height: raw.Height, Channels: raw.Channels}.marshal()
	}
	b, err := comm.Bcast(ctx, send)
	if err != nil {
		return header{}, err
	}
	var h header
	if err := h.unmarshal(b); err != nil {
		return header{}, err
	}
	if !h.OK {
		return header{}, errors.E(errors.Canceled, "input image unavailable on the root worker")
	}
	return h, nil
}

// BcastGray converts the root's image to grayscale and broadcasts it
// to every worker.
func bcastGray(ctx context.Context, comm collective.Comm, hdr header, raw *siftimage.Raw) (*siftimage.Gray, error) {
	var (
		img  *siftimage.Gray
		send []byte
	)
	if raw != nil {
		img = raw.Gray()
		send = siftimage.AppendPixels(nil, img.Pix)
	}
	b, err := comm.Bcast(ctx, send)
	if err != nil {
		return nil, err
	}
	if img != nil {
		return img, nil
	}
	img = siftimage.NewGray(hdr.Width, hdr.Height)
	return img, siftimage.DecodePixels(img.Pix, b)
}

// ScatterGray divides the grayscale conversion of the root's image
// among the workers. The root returns the converted image; other
// workers return nil.
func scatterGray(ctx context.Context, comm collective.Comm, hdr header, raw *siftimage.Raw) (*siftimage.Gray, error) {
	pixels, err := Split(hdr.Width*hdr.Height, comm.Size())
	if err != nil {
		return nil, err
	}
	var send []byte
	if raw != nil {
		send = raw.Pix
	}
	bytes := pixels.Scale(hdr.Channels)
	share, err := comm.Scatterv(ctx, send, bytes.Counts, bytes.Displs)
	if err != nil {
		return nil, err
	}
	n := pixels.Counts[comm.Rank()]
	if len(share) != n*hdr.Channels {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("scatter: got %d bytes, want %d", len(share), n*hdr.Channels))
	}
	gray := make([]float32, n)
	siftimage.ToGray(gray, share, hdr.Channels)

	floats := pixels.Scale(4)
	var (
		img  *siftimage.Gray
		recv []byte
	)
	if comm.Rank() == collective.Root {
		img = siftimage.NewGray(hdr.Width, hdr.Height)
		recv = make([]byte, 4*len(img.Pix))
	}
	if err := comm.Gatherv(ctx, siftimage.AppendPixels(nil, gray), recv, floats.Counts, floats.Displs); err != nil {
		return nil, err
	}
	if img == nil {
		return nil, nil
	}
	return img, siftimage.DecodePixels(img.Pix, recv)
}

func detect(ctx context.Context, d Detector, img *siftimage.Gray, part Part, st *stats.Map) ([]Keypoint, error) {
	start := time.Now()
	kps, err := d.Detect(ctx, img, part)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("detect part %d/%d", part.Rank, part.Size), err)
	}
	st.Since(stats.DetectNanos, start)
	st.Int(stats.Keypoints).Add(int64(len(kps)))
	log.Debug.Printf("detect part %d/%d: %d keypoints in %s", part.Rank, part.Size, len(kps), time.Since(start))
	return kps, nil
}
