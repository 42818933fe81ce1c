// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package detect provides a reference keypoint detector. Importing the
// package registers it with bigsift under the name "extrema".
package detect

import (
	"context"
	"math"

	"github.com/grailbio/bigsift"
	"github.com/grailbio/bigsift/siftimage"
)

func init() {
	bigsift.RegisterDetector("extrema", new(Extrema))
}

// Default detector parameters.
const (
	DefaultOctaves           = 4
	DefaultScales            = 3
	DefaultSigma             = 1.6
	DefaultContrastThreshold = 0.015
	DefaultEdgeRatio         = 10

	// The assumed blur of the input image.
	inputSigma = 0.5
	// Octaves smaller than this in either dimension are not built.
	minOctaveSize = 16
	// Half the side of the descriptor window.
	descRadius = 8
)

// Extrema detects scale-space extrema of the difference of Gaussians
// and describes each with an upright 4x4x8 gradient histogram. A part
// owns the rows Split(rows, Size).Range(Rank) of every octave; since
// each keypoint depends on the whole image and never on the part, the
// union over parts does not depend on the number of parts.
//
// A zero Extrema uses the default parameters.
type Extrema struct {
	Octaves           int
	Scales            int
	Sigma             float64
	ContrastThreshold float32
	EdgeRatio         float32
}

func (e *Extrema) params() Extrema {
	p := *e
	if p.Octaves <= 0 {
		p.Octaves = DefaultOctaves
	}
	if p.Scales <= 0 {
		p.Scales = DefaultScales
	}
	if p.Sigma <= 0 {
		p.Sigma = DefaultSigma
	}
	if p.ContrastThreshold <= 0 {
		p.ContrastThreshold = DefaultContrastThreshold
	}
	if p.EdgeRatio <= 0 {
		p.EdgeRatio = DefaultEdgeRatio
	}
	return p
}

// Detect implements bigsift.Detector.
func (e *Extrema) Detect(ctx context.Context, img *siftimage.Gray, part bigsift.Part) ([]bigsift.Keypoint, error) {
	p := e.params()
	base := blur(img, math.Sqrt(p.Sigma*p.Sigma-inputSigma*inputSigma))
	var kps []bigsift.Keypoint
	for o := 0; o < p.Octaves && base.Width >= minOctaveSize && base.Height >= minOctaveSize; o++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		gauss, sigmas := p.scaleSpace(base)
		dogs := make([]*siftimage.Gray, len(gauss)-1)
		for s := range dogs {
			dogs[s] = diff(gauss[s+1], gauss[s])
		}
		rows, err := bigsift.Split(base.Height, part.Size)
		if err != nil {
			return nil, err
		}
		start, end := rows.Range(part.Rank)
		if start < 1 {
			start = 1
		}
		if end > base.Height-1 {
			end = base.Height - 1
		}
		scale := float32(int(1) << uint(o))
		for s := 1; s <= p.Scales; s++ {
			for y := start; y < end; y++ {
				for x := 1; x < base.Width-1; x++ {
					v := dogs[s].At(x, y)
					if abs(v) < p.ContrastThreshold || !isExtremum(dogs[s-1:s+2], x, y) || p.onEdge(dogs[s], x, y) {
						continue
					}
					kps = append(kps, bigsift.Keypoint{
						I:           int32(x),
						J:           int32(y),
						Octave:      int32(o),
						Scale:       int32(s),
						X:           scale * float32(x),
						Y:           scale * float32(y),
						Sigma:       scale * float32(sigmas[s]),
						ExtremumVal: v,
						Descriptor:  describe(gauss[s], x, y),
					})
				}
			}
		}
		base = downsample(gauss[p.Scales])
	}
	return kps, nil
}

// ScaleSpace returns the Gaussian images of one octave, starting with
// base, together with the blur of each relative to the octave's
// resolution.
func (p Extrema) scaleSpace(base *siftimage.Gray) ([]*siftimage.Gray, []float64) {
	n := p.Scales + 3
	gauss := make([]*siftimage.Gray, n)
	sigmas := make([]float64, n)
	gauss[0], sigmas[0] = base, p.Sigma
	for s := 1; s < n; s++ {
		sigmas[s] = p.Sigma * math.Pow(2, float64(s)/float64(p.Scales))
		gauss[s] = blur(gauss[s-1], math.Sqrt(sigmas[s]*sigmas[s]-sigmas[s-1]*sigmas[s-1]))
	}
	return gauss, sigmas
}

func isExtremum(dogs []*siftimage.Gray, x, y int) bool {
	v := dogs[1].At(x, y)
	isMax, isMin := true, true
	for _, d := range dogs {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if d == dogs[1] && dx == 0 && dy == 0 {
					continue
				}
				w := d.At(x+dx, y+dy)
				if w >= v {
					isMax = false
				}
				if w <= v {
					isMin = false
				}
				if !isMax && !isMin {
					return false
				}
			}
		}
	}
	return true
}

// OnEdge rejects extrema whose principal curvature ratio exceeds the
// edge ratio.
func (p Extrema) onEdge(d *siftimage.Gray, x, y int) bool {
	v := d.At(x, y)
	dxx := d.At(x+1, y) + d.At(x-1, y) - 2*v
	dyy := d.At(x, y+1) + d.At(x, y-1) - 2*v
	dxy := (d.At(x+1, y+1) - d.At(x+1, y-1) - d.At(x-1, y+1) + d.At(x-1, y-1)) / 4
	tr, det := dxx+dyy, dxx*dyy-dxy*dxy
	if det <= 0 {
		return true
	}
	r := p.EdgeRatio
	return tr*tr*r >= (r+1)*(r+1)*det
}

// Describe computes an upright descriptor from the gradients of g in
// a 16x16 window centered at (x, y).
func describe(g *siftimage.Gray, x, y int) bigsift.Descriptor {
	var hist [bigsift.DescriptorLen]float64
	for dy := -descRadius; dy < descRadius; dy++ {
		for dx := -descRadius; dx < descRadius; dx++ {
			px, py := clamp(x+dx, 1, g.Width-2), clamp(y+dy, 1, g.Height-2)
			gx := float64(g.At(px+1, py) - g.At(px-1, py))
			gy := float64(g.At(px, py+1) - g.At(px, py-1))
			mag := math.Hypot(gx, gy)
			if mag == 0 {
				continue
			}
			ori := math.Atan2(gy, gx)
			if ori < 0 {
				ori += 2 * math.Pi
			}
			bin := int(ori/(2*math.Pi)*8) % 8
			cell := ((dy+descRadius)/4)*4 + (dx+descRadius)/4
			weight := math.Exp(-float64(dx*dx+dy*dy) / (2 * descRadius * descRadius))
			hist[cell*8+bin] += weight * mag
		}
	}
	normalize(hist[:])
	for i := range hist {
		if hist[i] > 0.2 {
			hist[i] = 0.2
		}
	}
	normalize(hist[:])
	var desc bigsift.Descriptor
	for i, v := range hist {
		desc[i] = uint8(math.Min(255, math.Floor(512*v)))
	}
	return desc
}

func normalize(v []float64) {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] /= norm
	}
}

// Blur convolves g with a separable Gaussian of the given standard
// deviation. Pixels outside the image are clamped to the border.
func blur(g *siftimage.Gray, sigma float64) *siftimage.Gray {
	radius := int(math.Ceil(3 * sigma))
	kernel := make([]float32, 2*radius+1)
	var sum float32
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = float32(math.Exp(-d * d / (2 * sigma * sigma)))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	tmp := siftimage.NewGray(g.Width, g.Height)
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			var v float32
			for k, w := range kernel {
				v += w * g.At(clamp(x+k-radius, 0, g.Width-1), y)
			}
			tmp.Set(x, y, v)
		}
	}
	out := siftimage.NewGray(g.Width, g.Height)
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			var v float32
			for k, w := range kernel {
				v += w * tmp.At(x, clamp(y+k-radius, 0, g.Height-1))
			}
			out.Set(x, y, v)
		}
	}
	return out
}

func diff(a, b *siftimage.Gray) *siftimage.Gray {
	d := siftimage.NewGray(a.Width, a.Height)
	for i := range d.Pix {
		d.Pix[i] = a.Pix[i] - b.Pix[i]
	}
	return d
}

func downsample(g *siftimage.Gray) *siftimage.Gray {
	d := siftimage.NewGray(g.Width/2, g.Height/2)
	for y := 0; y < d.Height; y++ {
		for x := 0; x < d.Width; x++ {
			d.Set(x, y, g.At(2*x, 2*y))
		}
	}
	return d
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
