// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package report reads and writes keypoint reports. A report is a
// text file whose first line is the number of keypoints, followed by
// one line per keypoint: its sample coordinates, octave, scale, and
// descriptor values.
package report

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/bigsift"
)

// Spacing selects the token separators of a report line.
type Spacing int

const (
	// Compat emits two spaces between the scale and the first
	// descriptor value, as existing report validators expect.
	Compat Spacing = iota
	// Single separates every token by a single space.
	Single
)

func (s Spacing) String() string {
	switch s {
	case Compat:
		return "compat"
	case Single:
		return "single"
	default:
		return fmt.Sprintf("Spacing(%d)", int(s))
	}
}

// Set implements flag.Value.
func (s *Spacing) Set(v string) error {
	switch strings.ToLower(v) {
	case "compat":
		*s = Compat
	case "single":
		*s = Single
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("unknown report spacing %q", v))
	}
	return nil
}

// Write writes a report of kps to w.
func Write(w io.Writer, kps []bigsift.Keypoint, spacing Spacing) error {
	bw := bufio.NewWriter(w)
	bw.WriteString(strconv.Itoa(len(kps)))
	bw.WriteByte('\n')
	var line []byte
	for i := range kps {
		k := &kps[i]
		line = line[:0]
		line = strconv.AppendInt(line, int64(k.I), 10)
		line = append(line, ' ')
		line = strconv.AppendInt(line, int64(k.J), 10)
		line = append(line, ' ')
		line = strconv.AppendInt(line, int64(k.Octave), 10)
		line = append(line, ' ')
		line = strconv.AppendInt(line, int64(k.Scale), 10)
		if spacing == Compat {
			line = append(line, ' ')
		}
		for _, v := range k.Descriptor {
			line = append(line, ' ')
			line = strconv.AppendUint(line, uint64(v), 10)
		}
		line = append(line, '\n')
		if _, err := bw.Write(line); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile writes a report of kps to the file at path, which may name
// any location supported by package file.
func WriteFile(ctx context.Context, path string, kps []bigsift.Keypoint, spacing Spacing) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	if err = Write(f.Writer(ctx), kps, spacing); err != nil {
		f.Discard(ctx)
		return errors.E(fmt.Sprintf("write report %s", path), err)
	}
	return f.Close(ctx)
}

// Read parses a report written with either spacing. Only the fields
// present in a report are set on the returned keypoints.
func Read(r io.Reader) ([]bigsift.Keypoint, error) {
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 0, 4096), 1<<20)
	if !scan.Scan() {
		if err := scan.Err(); err != nil {
			return nil, err
		}
		return nil, errors.E(errors.Integrity, "empty report")
	}
	n, err := strconv.Atoi(strings.TrimSpace(scan.Text()))
	if err != nil || n < 0 {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("bad keypoint count %q", scan.Text()))
	}
	kps := make([]bigsift.Keypoint, 0, n)
	for lineno := 2; scan.Scan(); lineno++ {
		fields := strings.Fields(scan.Text())
		if len(fields) == 0 {
			continue
		}
		if got, want := len(fields), 4+bigsift.DescriptorLen; got != want {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("line %d: got %d fields, want %d", lineno, got, want))
		}
		var (
			k    bigsift.Keypoint
			ints [4]int64
		)
		for i := range ints {
			if ints[i], err = strconv.ParseInt(fields[i], 10, 32); err != nil {
				return nil, errors.E(errors.Integrity, fmt.Sprintf("line %d", lineno), err)
			}
		}
		k.I, k.J, k.Octave, k.Scale = int32(ints[0]), int32(ints[1]), int32(ints[2]), int32(ints[3])
		for i := range k.Descriptor {
			v, err := strconv.ParseUint(fields[4+i], 10, 8)
			if err != nil {
				return nil, errors.E(errors.Integrity, fmt.Sprintf("line %d", lineno), err)
			}
			k.Descriptor[i] = uint8(v)
		}
		kps = append(kps, k)
	}
	if err := scan.Err(); err != nil {
		return nil, err
	}
	if len(kps) != n {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("report declares %d keypoints but holds %d", n, len(kps)))
	}
	return kps, nil
}

// ReadFile reads the report at path.
func ReadFile(ctx context.Context, path string) ([]bigsift.Keypoint, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx) // nolint: errcheck
	return Read(f.Reader(ctx))
}

// Diff compares a report's keypoints, got, against the keypoints
// of a reference report, want, and returns a description of the
// first difference. Only fields carried by reports are compared.
// Diff returns an empty string if the reports agree.
func Diff(got, want []bigsift.Keypoint) string {
	if len(got) != len(want) {
		return fmt.Sprintf("got %d keypoints, want %d", len(got), len(want))
	}
	for i := range got {
		g, w := &got[i], &want[i]
		switch {
		case g.I != w.I || g.J != w.J || g.Octave != w.Octave || g.Scale != w.Scale:
			return fmt.Sprintf("keypoint %d: got (%d, %d, %d, %d), want (%d, %d, %d, %d)",
				i, g.I, g.J, g.Octave, g.Scale, w.I, w.J, w.Octave, w.Scale)
		case g.Descriptor != w.Descriptor:
			return fmt.Sprintf("keypoint %d: descriptors differ", i)
		}
	}
	return ""
}
