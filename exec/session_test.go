// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"image"
	"image/color"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/bigsift"
	"github.com/grailbio/bigsift/siftimage"
	"github.com/grailbio/bigsift/stats"
	"github.com/grailbio/testutil"
)

func init() {
	log.AddFlags()
	bigsift.RegisterDetector("exec-test", bigsift.DetectorFunc(diagonalDetect))
}

// DiagonalDetect reports a keypoint on every diagonal pixel of the
// rows in its part.
func diagonalDetect(ctx context.Context, img *siftimage.Gray, part bigsift.Part) ([]bigsift.Keypoint, error) {
	rows := bigsift.MustSplit(img.Height, part.Size)
	start, end := rows.Range(part.Rank)
	var kps []bigsift.Keypoint
	for y := start; y < end && y < img.Width; y++ {
		k := bigsift.Keypoint{I: int32(y), J: int32(y), X: float32(y), Y: float32(y), ExtremumVal: img.At(y, y)}
		k.Descriptor[0] = uint8(y)
		kps = append(kps, k)
	}
	return kps, nil
}

func writeImage(t *testing.T) (path string, cleanup func()) {
	t.Helper()
	dir, cleanup := testutil.TempDir(t, "", "")
	img := image.NewGray(image.Rect(0, 0, 13, 9))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 3)
	}
	img.Set(0, 0, color.Gray{255})
	path = filepath.Join(dir, "input.png")
	if err := siftimage.Save(context.Background(), path, img); err != nil {
		cleanup()
		t.Fatal(err)
	}
	return path, cleanup
}

func testSessions(t *testing.T, p int) map[string]*Session {
	return map[string]*Session{
		"local":      Start(Local, Parallelism(p), Status(new(status.Status))),
		"bigmachine": Start(Bigmachine(testsystem.New()), Parallelism(p)),
	}
}

func TestSessionRun(t *testing.T) {
	path, cleanup := writeImage(t)
	defer cleanup()
	ctx := context.Background()

	for name, sess := range testSessions(t, 3) {
		for _, mode := range []bigsift.Mode{bigsift.ModeDetect, bigsift.ModeScatter} {
			res, err := sess.Run(ctx, bigsift.Request{Input: path, Mode: mode, Detector: "exec-test"})
			if err != nil {
				t.Fatalf("%s, %v: %v", name, mode, err)
			}
			if got, want := len(res.Keypoints), 9; got != want {
				t.Errorf("%s, %v: got %v, want %v", name, mode, got, want)
			}
			if !bigsift.IsCanonical(res.Keypoints) {
				t.Errorf("%s, %v: keypoints not canonical", name, mode)
			}
			if got, want := res.Digest, bigsift.Digest(res.Keypoints); got != want {
				t.Errorf("%s, %v: got %v, want %v", name, mode, got, want)
			}
			if got, want := res.Stats[stats.Keypoints], int64(9); got != want {
				t.Errorf("%s, %v: got %v, want %v", name, mode, got, want)
			}
			if got, want := res.Stats[stats.BytesGathered], int64(9*bigsift.RecordSize); got != want {
				t.Errorf("%s, %v: got %v, want %v", name, mode, got, want)
			}
			if res.Image == nil || res.Image.Width != 13 || res.Image.Height != 9 {
				t.Errorf("%s, %v: bad image %v", name, mode, res.Image)
			}
		}
		sess.Shutdown()
	}
}

func TestSessionInvariance(t *testing.T) {
	path, cleanup := writeImage(t)
	defer cleanup()
	ctx := context.Background()
	req := bigsift.Request{Input: path, Detector: "exec-test"}

	one := Start(Local)
	defer one.Shutdown()
	want, err := one.Run(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []int{2, 5, 11} {
		sess := Start(Local, Parallelism(p))
		got, err := sess.Run(ctx, req)
		sess.Shutdown()
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got.Keypoints, want.Keypoints) {
			t.Errorf("p=%d: keypoints differ", p)
		}
	}
}

func TestSessionMissingInput(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	for name, sess := range testSessions(t, 2) {
		_, err := sess.Run(ctx, bigsift.Request{Input: filepath.Join(dir, "missing.png"), Detector: "exec-test"})
		if err == nil {
			t.Errorf("%s: expected error", name)
		}
		if errors.Is(errors.Canceled, err) {
			t.Errorf("%s: error %v does not name the load failure", name, err)
		}
		sess.Shutdown()
	}
}

func TestSessionRunIDs(t *testing.T) {
	path, cleanup := writeImage(t)
	defer cleanup()
	sess := Start(Bigmachine(testsystem.New()), Parallelism(2))
	defer sess.Shutdown()
	ctx := context.Background()
	// Successive runs reuse the machines; each has its own mailbox.
	var digest string
	for i := 0; i < 3; i++ {
		res, err := sess.Run(ctx, bigsift.Request{Input: path, Detector: "exec-test"})
		if err != nil {
			t.Fatal(err)
		}
		if i > 0 && res.Digest != digest {
			t.Errorf("run %d: got %v, want %v", i, res.Digest, digest)
		}
		digest = res.Digest
	}
	if got, want := sess.nextRun, uint64(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParallelismPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	Parallelism(0)
}

func TestFirstError(t *testing.T) {
	var (
		canceled = errors.E(errors.Canceled, "aborted")
		cause    = errors.E(errors.Invalid, "bad input")
	)
	if got, want := firstError([]error{nil, canceled, cause}), cause; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := firstError([]error{canceled, nil}), canceled; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got := firstError([]error{nil, nil}); got != nil {
		t.Errorf("got %v, want nil", got)
	}
}

func TestSummary(t *testing.T) {
	res := &bigsift.Result{
		Keypoints: make([]bigsift.Keypoint, 2),
		Elapsed:   3 * time.Millisecond,
		Stats: stats.Values{
			stats.DetectNanos:   int64(2 * time.Millisecond),
			stats.ExchangeNanos: int64(500 * time.Microsecond),
			stats.Keypoints:     2,
		},
	}
	want := "2 keypoints in 3ms (detect 2ms, exchange 500µs): detect_ns:2000000 exchange_ns:500000 keypoints:2"
	if got := summary(res); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
