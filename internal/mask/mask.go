// Package mask implements the binary mask representation used across the
// service and its lossless run-length encoding. The RLE layout matches the
// COCO uncompressed convention: alternating run lengths over the mask
// flattened row-major, with the first run always counting background pixels
// (length 0 when the mask starts with foreground).
package mask

import (
	"errors"
	"fmt"
)

// ErrMalformedRLE is returned when an RLE cannot describe a valid mask.
var ErrMalformedRLE = errors.New("malformed RLE")

// Mask is a binary mask stored row-major, one byte per pixel, values 0 or 1.
type Mask struct {
	Width  int
	Height int
	Pix    []uint8
}

// New allocates an all-background mask of the given dimensions.
func New(width, height int) *Mask {
	return &Mask{
		Width:  width,
		Height: height,
		Pix:    make([]uint8, width*height),
	}
}

// At reports whether the pixel at (x, y) is foreground.
func (m *Mask) At(x, y int) bool {
	return m.Pix[y*m.Width+x] != 0
}

// Set marks the pixel at (x, y) as foreground (v=true) or background.
func (m *Mask) Set(x, y int, v bool) {
	if v {
		m.Pix[y*m.Width+x] = 1
	} else {
		m.Pix[y*m.Width+x] = 0
	}
}

// Area returns the number of foreground pixels.
func (m *Mask) Area() int {
	area := 0
	for _, p := range m.Pix {
		if p != 0 {
			area++
		}
	}
	return area
}

// BoundingBox returns the tight axis-aligned box (x1, y1, x2, y2) around all
// foreground pixels. ok is false when the mask has no foreground.
func (m *Mask) BoundingBox() (x1, y1, x2, y2 int, ok bool) {
	x1, y1 = m.Width, m.Height
	x2, y2 = -1, -1
	for y := 0; y < m.Height; y++ {
		row := m.Pix[y*m.Width : (y+1)*m.Width]
		for x, p := range row {
			if p == 0 {
				continue
			}
			if x < x1 {
				x1 = x
			}
			if x > x2 {
				x2 = x
			}
			if y < y1 {
				y1 = y
			}
			y2 = y
		}
	}
	if x2 < 0 {
		return 0, 0, 0, 0, false
	}
	return x1, y1, x2, y2, true
}

// RLE is the run-length encoding of a binary mask. Size is [height, width],
// matching the COCO field order.
type RLE struct {
	Counts []int  `json:"counts"`
	Size   [2]int `json:"size"`
}

// Encode converts a mask to its RLE. The counts alternate starting with a
// background run; when the first pixel is foreground a zero-length background
// run is prepended so the parity convention holds.
func Encode(m *Mask) RLE {
	n := len(m.Pix)
	counts := []int{}

	prev := 0
	for i := 0; i < n; i++ {
		if int(m.Pix[i]) != int(m.Pix[prev]) {
			counts = append(counts, i-prev)
			prev = i
		}
	}
	counts = append(counts, n-prev)

	if n > 0 && m.Pix[0] != 0 {
		counts = append([]int{0}, counts...)
	}

	return RLE{
		Counts: counts,
		Size:   [2]int{m.Height, m.Width},
	}
}

// Decode reconstructs the mask described by r. It fails with ErrMalformedRLE
// when the dimensions are non-positive, a count is negative, or the counts do
// not sum to height*width.
func Decode(r RLE) (*Mask, error) {
	h, w := r.Size[0], r.Size[1]
	if h <= 0 || w <= 0 {
		return nil, fmt.Errorf("%w: non-positive size [%d %d]", ErrMalformedRLE, h, w)
	}

	total := 0
	for _, c := range r.Counts {
		if c < 0 {
			return nil, fmt.Errorf("%w: negative count %d", ErrMalformedRLE, c)
		}
		total += c
	}
	if total != h*w {
		return nil, fmt.Errorf("%w: counts sum %d, want %d", ErrMalformedRLE, total, h*w)
	}

	m := New(w, h)
	pos := 0
	val := uint8(0)
	for _, c := range r.Counts {
		for i := 0; i < c; i++ {
			m.Pix[pos] = val
			pos++
		}
		val = 1 - val
	}
	return m, nil
}
