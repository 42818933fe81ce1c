// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package siftflags_test

import (
	"context"
	"flag"
	"io/ioutil"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsift"
	"github.com/grailbio/bigsift/report"
	"github.com/grailbio/bigsift/siftflags"
	"github.com/grailbio/bigsift/siftimage"
)

func init() {
	bigsift.RegisterDetector("siftflags-test", bigsift.DetectorFunc(
		func(context.Context, *siftimage.Gray, bigsift.Part) ([]bigsift.Keypoint, error) {
			return nil, nil
		}))
}

func parse(t *testing.T, args ...string) (*siftflags.Flags, error) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(ioutil.Discard)
	var f siftflags.Flags
	siftflags.RegisterFlags(fs, &f, "")
	return &f, fs.Parse(args)
}

func TestDefaults(t *testing.T) {
	f, err := parse(t)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := f.System.String(), "internal"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := f.Mode.Mode, bigsift.ModeDetect; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := f.ReportSpacing, report.Compat; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := f.Detector, "extrema"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if f.HTTPAddress.Address != "" {
		t.Errorf("http server enabled by default: %v", f.HTTPAddress.Address)
	}
}

func TestParse(t *testing.T) {
	f, err := parse(t,
		"-system", "ec2:instance=m5.large,n=8",
		"-mode", "scatter",
		"-report-spacing", "single",
		"-detector", "siftflags-test",
		"-check", "ref.txt",
		"in.png", "out.png", "out.txt")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := f.System.String(), "ec2:instance=m5.large,n=8"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := f.System.Provider.DefaultParallelism(), 8; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	req := f.Request("in.png")
	if got, want := req, (bigsift.Request{Input: "in.png", Mode: bigsift.ModeScatter, Detector: "siftflags-test"}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := f.ReportSpacing, report.Single; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := f.Check, "ref.txt"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	opts, err := f.ExecOptions()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(opts), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestBadFlags(t *testing.T) {
	for _, args := range [][]string{
		{"-system", "mainframe"},
		{"-system", "internal:x=y"},
		{"-system", "local:x=y"},
		{"-system", "ec2:x=y"},
		{"-system", "ec2:dataspace=lots"},
		{"-mode", "broadcast"},
		{"-report-spacing", "double"},
	} {
		if _, err := parse(t, args...); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}

func TestValidate(t *testing.T) {
	f, err := parse(t, "-detector", "no-such-detector")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.ExecOptions(); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	f, err = parse(t, "-parallelism", "-2", "-detector", "siftflags-test")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Validate(); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestProviders(t *testing.T) {
	got := siftflags.Providers()
	want := []string{"ec2", "internal", "local"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}
