// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Bigsift detects keypoints in an image on a group of workers. It
// writes a report of the keypoints and a copy of the image with each
// keypoint marked:
//
//	bigsift [flags] input.jpg output.jpg output.txt
//
// Paths may name local files or S3 objects (s3://bucket/key).
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigsift"
	_ "github.com/grailbio/bigsift/detect"
	"github.com/grailbio/bigsift/exec"
	"github.com/grailbio/bigsift/report"
	"github.com/grailbio/bigsift/siftcmd"
	"github.com/grailbio/bigsift/siftflags"
	"github.com/grailbio/bigsift/siftimage"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

var errUsage = errors.New("usage")

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] input-image output-image output-report\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	siftcmd.Main(func(sess *exec.Session, fl *siftflags.Flags, args []string) error {
		err := run(context.Background(), sess, fl, args, os.Stdout)
		if err == errUsage {
			usage()
			sess.Shutdown()
			os.Exit(1)
		}
		return err
	})
}

// Run detects keypoints in the image args[0] and writes the marked
// image to args[1] and the report to args[2]. Run returns errUsage if
// args does not name exactly these three paths. The execution time
// and the number of keypoints are printed to stdout.
func run(ctx context.Context, sess *exec.Session, fl *siftflags.Flags, args []string, stdout io.Writer) error {
	if len(args) != 3 {
		return errUsage
	}
	input, outputImage, outputText := args[0], args[1], args[2]
	res, err := sess.Run(ctx, fl.Request(input))
	if err != nil {
		return err
	}
	// The report is a side artifact: failing to write it does not
	// fail the run.
	if err := report.WriteFile(ctx, outputText, res.Keypoints, fl.ReportSpacing); err != nil {
		log.Error.Printf("failed to write report %s: %v", outputText, err)
	}
	if err := siftimage.Save(ctx, outputImage, siftimage.Draw(res.Image, marks(res.Keypoints))); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Execution time: %.6g ms\n", float64(res.Elapsed)/float64(time.Millisecond))
	fmt.Fprintf(stdout, "Found %d keypoints.\n", len(res.Keypoints))
	log.Printf("digest %s", res.Digest)
	if fl.Check != "" {
		return check(ctx, fl.Check, res.Keypoints)
	}
	return nil
}

func marks(kps []bigsift.Keypoint) []image.Point {
	pts := make([]image.Point, len(kps))
	for i, k := range kps {
		pts[i] = image.Pt(int(math.Round(float64(k.X))), int(math.Round(float64(k.Y))))
	}
	return pts
}

// Check compares kps against the reference report at path.
func check(ctx context.Context, path string, kps []bigsift.Keypoint) error {
	want, err := report.ReadFile(ctx, path)
	if err != nil {
		return err
	}
	if diff := report.Diff(kps, want); diff != "" {
		return errors.E(errors.Integrity, fmt.Sprintf("check %s: %s", path, diff))
	}
	log.Printf("check %s: %d keypoints match", path, len(kps))
	return nil
}
