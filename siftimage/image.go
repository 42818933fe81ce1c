// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package siftimage provides the image plumbing around keypoint
// detection: decoding input images from any path supported by
// github.com/grailbio/base/file, grayscale conversion, pixel
// serialization for transfer between workers, and rendering and
// saving of annotated output images.
package siftimage

import (
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"math"

	// Input formats.
	_ "image/jpeg"
	_ "image/png"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Raw is a decoded image with interleaved 8-bit channels: one channel
// for grayscale images and three (R, G, B) for everything else.
type Raw struct {
	Width, Height int
	Channels      int
	Pix           []uint8
}

// Gray is a grayscale image with intensities in [0, 1], stored in
// row-major order.
type Gray struct {
	Width, Height int
	Pix           []float32
}

// NewGray returns a black image of the given size.
func NewGray(width, height int) *Gray {
	return &Gray{Width: width, Height: height, Pix: make([]float32, width*height)}
}

// At returns the intensity at column x and row y.
func (g *Gray) At(x, y int) float32 {
	return g.Pix[y*g.Width+x]
}

// Set sets the intensity at column x and row y.
func (g *Gray) Set(x, y int, v float32) {
	g.Pix[y*g.Width+x] = v
}

// Load reads and decodes the image at path. Images with a zero
// width or height are rejected with an errors.Invalid error.
func Load(ctx context.Context, path string) (raw *Raw, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil {
			err = cerr
		}
	}()
	img, _, err := image.Decode(f.Reader(ctx))
	if err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("decode %s", path), err)
	}
	raw = FromImage(img)
	if raw.Width == 0 || raw.Height == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("image %s has zero width or height", path))
	}
	return raw, nil
}

// FromImage converts img into a Raw image.
func FromImage(img image.Image) *Raw {
	b := img.Bounds()
	raw := &Raw{Width: b.Dx(), Height: b.Dy(), Channels: 3}
	if _, ok := img.(*image.Gray); ok {
		raw.Channels = 1
	}
	raw.Pix = make([]uint8, raw.Width*raw.Height*raw.Channels)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if raw.Channels == 1 {
				raw.Pix[i] = color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y
				i++
				continue
			}
			r, g, b, _ := img.At(x, y).RGBA()
			raw.Pix[i], raw.Pix[i+1], raw.Pix[i+2] = uint8(r>>8), uint8(g>>8), uint8(b>>8)
			i += 3
		}
	}
	return raw
}

// Gray converts the image to grayscale.
func (r *Raw) Gray() *Gray {
	g := NewGray(r.Width, r.Height)
	ToGray(g.Pix, r.Pix, r.Channels)
	return g
}

// ToGray converts the interleaved pixels in src, having the given
// number of channels, into intensities in dst. Three-channel pixels
// are weighted 0.299 R + 0.587 G + 0.114 B.
func ToGray(dst []float32, src []uint8, channels int) {
	for i := range dst {
		if channels == 1 {
			dst[i] = float32(src[i]) / 255
			continue
		}
		p := src[i*channels:]
		dst[i] = (0.299*float32(p[0]) + 0.587*float32(p[1]) + 0.114*float32(p[2])) / 255
	}
}

// AppendPixels appends the little-endian float32 encoding of pix to
// dst.
func AppendPixels(dst []byte, pix []float32) []byte {
	var b [4]byte
	for _, v := range pix {
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
		dst = append(dst, b[:]...)
	}
	return dst
}

// DecodePixels decodes pixels encoded by AppendPixels into dst, which
// must hold exactly len(src)/4 values.
func DecodePixels(dst []float32, src []byte) error {
	if len(src) != 4*len(dst) {
		return errors.E(errors.Integrity, fmt.Sprintf("got %d pixel bytes, want %d", len(src), 4*len(dst)))
	}
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:]))
	}
	return nil
}
