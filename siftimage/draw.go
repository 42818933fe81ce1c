// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package siftimage

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// MarkerSize is the side, in pixels, of the square drawn at each
// marked position.
const MarkerSize = 5

var markerColor = color.RGBA{R: 255, A: 255}

// Draw renders g as an RGB image with a red square marker centered at
// each of the provided positions. Markers are clipped at the image
// borders.
func Draw(g *Gray, marks []image.Point) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, g.Width, g.Height))
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			v := g.At(x, y)
			if v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}
			c := uint8(255*v + 0.5)
			img.SetRGBA(x, y, color.RGBA{c, c, c, 255})
		}
	}
	bounds := img.Bounds()
	for _, p := range marks {
		for dy := -MarkerSize / 2; dy <= MarkerSize/2; dy++ {
			for dx := -MarkerSize / 2; dx <= MarkerSize/2; dx++ {
				q := image.Pt(p.X+dx, p.Y+dy)
				if q.In(bounds) {
					img.SetRGBA(q.X, q.Y, markerColor)
				}
			}
		}
	}
	return img
}

// Save encodes img to path. The format is chosen by the path's
// extension: .jpg/.jpeg, .png, .bmp, or .tif/.tiff.
func Save(ctx context.Context, path string, img image.Image) error {
	var encode func(io.Writer, image.Image) error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".jpg", ".jpeg":
		encode = func(w io.Writer, img image.Image) error {
			return jpeg.Encode(w, img, &jpeg.Options{Quality: 95})
		}
	case ".png":
		encode = png.Encode
	case ".bmp":
		encode = bmp.Encode
	case ".tif", ".tiff":
		encode = func(w io.Writer, img image.Image) error {
			return tiff.Encode(w, img, nil)
		}
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("save %s: unsupported image format %q", path, ext))
	}
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	if err := encode(f.Writer(ctx), img); err != nil {
		f.Discard(ctx)
		return errors.E(fmt.Sprintf("save %s", path), err)
	}
	return f.Close(ctx)
}
