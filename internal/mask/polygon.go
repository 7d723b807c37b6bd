package mask

// Polygon extraction: external contours of connected foreground regions,
// traced with Moore boundary following and simplified with perpendicular
// distance (Douglas-Peucker). Holes are not represented; only the outer
// boundary of each region is emitted.

import "math"

// moore neighborhood in clockwise order starting from west.
var mooreDX = [8]int{-1, -1, 0, 1, 1, 1, 0, -1}
var mooreDY = [8]int{0, -1, -1, -1, 0, 1, 1, 1}

type point struct {
	X, Y int
}

// Polygons extracts one simplified external contour per 8-connected
// foreground region, as flat [x1, y1, x2, y2, ...] sequences. Contours that
// fall below 3 vertices (6 coordinate values) after simplification are
// discarded. A mask with no usable regions yields an empty slice, never an
// error.
func Polygons(m *Mask, tolerance float64) [][]float64 {
	if m == nil || m.Width <= 0 || m.Height <= 0 {
		return [][]float64{}
	}

	labels := make([]int, len(m.Pix))
	polygons := [][]float64{}
	next := 0

	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			idx := y*m.Width + x
			if m.Pix[idx] == 0 || labels[idx] != 0 {
				continue
			}
			next++
			floodLabel(m, labels, x, y, next)

			contour := traceBoundary(m, x, y)
			simplified := simplifyContour(contour, tolerance)
			if len(simplified) < 3 {
				continue
			}

			flat := make([]float64, 0, len(simplified)*2)
			for _, p := range simplified {
				flat = append(flat, float64(p.X), float64(p.Y))
			}
			// The 3-vertex rule again, on the flattened form.
			if len(flat) < 6 {
				continue
			}
			polygons = append(polygons, flat)
		}
	}
	return polygons
}

// PolygonsFromRLE decodes r and extracts its polygons. The only failure mode
// is a malformed RLE; an unconvertible mask yields an empty slice.
func PolygonsFromRLE(r RLE, tolerance float64) ([][]float64, error) {
	m, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return Polygons(m, tolerance), nil
}

// floodLabel marks the 8-connected region containing (x, y).
func floodLabel(m *Mask, labels []int, x, y, label int) {
	stack := []point{{x, y}}
	labels[y*m.Width+x] = label

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for d := 0; d < 8; d++ {
			nx, ny := p.X+mooreDX[d], p.Y+mooreDY[d]
			if nx < 0 || ny < 0 || nx >= m.Width || ny >= m.Height {
				continue
			}
			ni := ny*m.Width + nx
			if m.Pix[ni] == 0 || labels[ni] != 0 {
				continue
			}
			labels[ni] = label
			stack = append(stack, point{nx, ny})
		}
	}
}

// traceBoundary follows the external contour of the region whose
// topmost-leftmost pixel is (sx, sy), clockwise, and returns the boundary
// pixel sequence. Termination uses the repeated-first-move criterion: the
// trace stops when it stands on the start pixel about to make the same first
// move again. Stopping on the first mere revisit of the start pixel would
// truncate regions whose boundary passes through it twice, losing a lobe.
// A single isolated pixel yields a one-point contour.
func traceBoundary(m *Mask, sx, sy int) []point {
	start := point{sx, sy}
	contour := []point{start}

	// Entering from the west: the scan found (sx, sy) left-to-right, so the
	// pixel to its west is background.
	cur := start
	backtrack := 0 // moore index of the neighbor the scan resumes after

	var first point
	var firstBT int
	started := false

	limit := 4 * (m.Width*m.Height + 1)
	for iter := 0; iter < limit; iter++ {
		found := false
		var next point
		var nextBT int
		for i := 0; i < 8; i++ {
			d := (backtrack + 1 + i) % 8
			nx, ny := cur.X+mooreDX[d], cur.Y+mooreDY[d]
			if nx >= 0 && ny >= 0 && nx < m.Width && ny < m.Height && m.Pix[ny*m.Width+nx] != 0 {
				next = point{nx, ny}
				// Resume the next scan just past the pixel we came from.
				nextBT = (d + 4) % 8
				found = true
				break
			}
		}
		if !found {
			// Isolated pixel.
			break
		}
		if !started {
			first, firstBT = next, nextBT
			started = true
		} else if cur == start && next == first && nextBT == firstBT {
			break
		}
		cur, backtrack = next, nextBT
		contour = append(contour, cur)
	}

	// The wrap-around step re-appends the start pixel; drop that duplicate.
	if len(contour) > 1 && contour[len(contour)-1] == start {
		contour = contour[:len(contour)-1]
	}
	return contour
}

// simplifyContour reduces a closed contour with Douglas-Peucker. The two
// anchors are the first point and the point farthest from it, so the closed
// shape survives simplification.
func simplifyContour(contour []point, tolerance float64) []point {
	if len(contour) <= 3 || tolerance <= 0 {
		return contour
	}

	far := 0
	farDist := -1.0
	for i, p := range contour {
		d := sqDist(contour[0], p)
		if d > farDist {
			farDist = d
			far = i
		}
	}
	if far == 0 {
		return contour
	}

	first := douglasPeucker(contour[:far+1], tolerance)
	second := douglasPeucker(contour[far:], tolerance)

	// first ends where second begins; drop the duplicate. The closing edge
	// back to contour[0] is implicit in the polygon form.
	out := append([]point{}, first...)
	out = append(out, second[1:]...)
	if len(out) > 1 && out[len(out)-1] == out[0] {
		out = out[:len(out)-1]
	}
	return out
}

func douglasPeucker(pts []point, tolerance float64) []point {
	if len(pts) <= 2 {
		return pts
	}

	maxDist := 0.0
	maxIdx := 0
	a, b := pts[0], pts[len(pts)-1]
	for i := 1; i < len(pts)-1; i++ {
		d := perpDist(pts[i], a, b)
		if d > maxDist {
			maxDist = d
			maxIdx = i
		}
	}

	if maxDist <= tolerance {
		return []point{a, b}
	}

	left := douglasPeucker(pts[:maxIdx+1], tolerance)
	right := douglasPeucker(pts[maxIdx:], tolerance)

	out := make([]point, 0, len(left)+len(right)-1)
	out = append(out, left[:len(left)-1]...)
	out = append(out, right...)
	return out
}

// perpDist is the perpendicular distance from p to the segment ab.
func perpDist(p, a, b point) float64 {
	dx := float64(b.X - a.X)
	dy := float64(b.Y - a.Y)
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return euclid(p, a)
	}
	// Area of the parallelogram over the base length.
	cross := dx*float64(p.Y-a.Y) - dy*float64(p.X-a.X)
	if cross < 0 {
		cross = -cross
	}
	return cross / math.Sqrt(lenSq)
}

func euclid(p, q point) float64 {
	return math.Sqrt(sqDist(p, q))
}

func sqDist(p, q point) float64 {
	dx := float64(p.X - q.X)
	dy := float64(p.Y - q.Y)
	return dx*dx + dy*dy
}
