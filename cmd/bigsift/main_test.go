// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"flag"
	"image"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsift"
	"github.com/grailbio/bigsift/exec"
	"github.com/grailbio/bigsift/report"
	"github.com/grailbio/bigsift/siftflags"
	"github.com/grailbio/bigsift/siftimage"
	"github.com/grailbio/testutil"
)

func init() {
	bigsift.RegisterDetector("cmd-test", bigsift.DetectorFunc(diagonalDetect))
}

// DiagonalDetect reports a keypoint on every diagonal pixel of the
// rows in its part.
func diagonalDetect(ctx context.Context, img *siftimage.Gray, part bigsift.Part) ([]bigsift.Keypoint, error) {
	rows := bigsift.MustSplit(img.Height, part.Size)
	start, end := rows.Range(part.Rank)
	var kps []bigsift.Keypoint
	for y := start; y < end && y < img.Width; y++ {
		kps = append(kps, bigsift.Keypoint{I: int32(y), J: int32(y), X: float32(y), Y: float32(y)})
	}
	return kps, nil
}

// Setup writes an 11x7 input image to a new temporary directory and
// returns a local session and the directory.
func setup(t *testing.T) (sess *exec.Session, dir string, cleanup func()) {
	t.Helper()
	dir, cleanupDir := testutil.TempDir(t, "", "")
	img := image.NewGray(image.Rect(0, 0, 11, 7))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 5)
	}
	if err := siftimage.Save(context.Background(), filepath.Join(dir, "input.png"), img); err != nil {
		cleanupDir()
		t.Fatal(err)
	}
	sess = exec.Start(exec.Local, exec.Parallelism(2))
	return sess, dir, func() {
		sess.Shutdown()
		cleanupDir()
	}
}

func flags(t *testing.T, args ...string) *siftflags.Flags {
	t.Helper()
	var (
		fl siftflags.Flags
		fs = flag.NewFlagSet("bigsift", flag.ContinueOnError)
	)
	siftflags.RegisterFlags(fs, &fl, "")
	if err := fs.Parse(append([]string{"-detector", "cmd-test"}, args...)); err != nil {
		t.Fatal(err)
	}
	return &fl
}

func TestRunUsage(t *testing.T) {
	sess, dir, cleanup := setup(t)
	defer cleanup()
	input := filepath.Join(dir, "input.png")
	for _, args := range [][]string{
		nil,
		{input},
		{input, filepath.Join(dir, "out.png")},
		{input, filepath.Join(dir, "out.png"), filepath.Join(dir, "out.txt"), "extra"},
	} {
		var stdout bytes.Buffer
		if err := run(context.Background(), sess, flags(t), args, &stdout); err != errUsage {
			t.Errorf("%v: got %v, want %v", args, err, errUsage)
		}
		if stdout.Len() != 0 {
			t.Errorf("%v: unexpected output %q", args, stdout.String())
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "out.png")); !os.IsNotExist(err) {
		t.Errorf("image written on usage error: %v", err)
	}
}

func TestRun(t *testing.T) {
	sess, dir, cleanup := setup(t)
	defer cleanup()
	var (
		ctx               = context.Background()
		outImage, outText = filepath.Join(dir, "out.png"), filepath.Join(dir, "out.txt")
		stdout            bytes.Buffer
		args              = []string{filepath.Join(dir, "input.png"), outImage, outText}
	)
	if err := run(ctx, sess, flags(t), args, &stdout); err != nil {
		t.Fatal(err)
	}
	out := stdout.String()
	if !strings.HasPrefix(out, "Execution time: ") {
		t.Errorf("missing execution time: %q", out)
	}
	if !strings.Contains(out, "\nFound 7 keypoints.\n") {
		t.Errorf("missing keypoint count: %q", out)
	}
	kps, err := report.ReadFile(ctx, outText)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(kps), 7; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := os.Stat(outImage); err != nil {
		t.Error(err)
	}
}

func TestRunReportError(t *testing.T) {
	sess, dir, cleanup := setup(t)
	defer cleanup()
	notDir := filepath.Join(dir, "notdir")
	if err := ioutil.WriteFile(notDir, []byte("file"), 0644); err != nil {
		t.Fatal(err)
	}
	var (
		stdout   bytes.Buffer
		outImage = filepath.Join(dir, "out.png")
		args     = []string{filepath.Join(dir, "input.png"), outImage, filepath.Join(notDir, "out.txt")}
	)
	if err := run(context.Background(), sess, flags(t), args, &stdout); err != nil {
		t.Fatalf("report failure failed the run: %v", err)
	}
	if _, err := os.Stat(outImage); err != nil {
		t.Errorf("image not written: %v", err)
	}
	if !strings.Contains(stdout.String(), "Found 7 keypoints.") {
		t.Errorf("missing keypoint count: %q", stdout.String())
	}
}

func TestRunCheck(t *testing.T) {
	sess, dir, cleanup := setup(t)
	defer cleanup()
	var (
		ctx   = context.Background()
		input = filepath.Join(dir, "input.png")
		ref   = filepath.Join(dir, "ref.txt")
		args  = []string{input, filepath.Join(dir, "out.png"), filepath.Join(dir, "out.txt")}
	)
	if err := run(ctx, sess, flags(t), []string{input, filepath.Join(dir, "ref.png"), ref}, new(bytes.Buffer)); err != nil {
		t.Fatal(err)
	}
	if err := run(ctx, sess, flags(t, "-check", ref), args, new(bytes.Buffer)); err != nil {
		t.Errorf("check against own report: %v", err)
	}

	kps, err := report.ReadFile(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	kps[3].Descriptor[0]++
	bad := filepath.Join(dir, "bad.txt")
	if err := report.WriteFile(ctx, bad, kps, report.Compat); err != nil {
		t.Fatal(err)
	}
	err = run(ctx, sess, flags(t, "-check", bad), args, new(bytes.Buffer))
	if !errors.Is(errors.Integrity, err) {
		t.Errorf("got %v, want integrity error", err)
	}

	err = run(ctx, sess, flags(t, "-check", filepath.Join(dir, "missing.txt")), args, new(bytes.Buffer))
	if err == nil {
		t.Error("expected error for missing reference")
	}
}
