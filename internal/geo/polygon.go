// Package geo implements the planar geometry used for ROI classification.
// Coordinates are metres on the venue ground plane: x right, z forward.
package geo

import (
	"fmt"
	"math"
)

// collinearEps bounds the cross-product magnitude below which three points
// are treated as collinear in on-edge tests.
const collinearEps = 1e-9

// Point is a position on the ground plane.
type Point struct {
	X float64 `json:"x"`
	Z float64 `json:"z"`
}

// AABB is an axis-aligned bounding box used to prefilter containment tests.
type AABB struct {
	MinX, MaxX float64
	MinZ, MaxZ float64
}

// Contains reports whether (x, z) lies inside or on the box.
func (b AABB) Contains(x, z float64) bool {
	return x >= b.MinX && x <= b.MaxX && z >= b.MinZ && z <= b.MaxZ
}

// Polygon is a simple closed polygon. The vertex list is open: the closing
// edge from the last vertex back to the first is implied.
type Polygon []Point

// Bounds returns the polygon's axis-aligned bounding box.
func (p Polygon) Bounds() AABB {
	b := AABB{MinX: math.Inf(1), MaxX: math.Inf(-1), MinZ: math.Inf(1), MaxZ: math.Inf(-1)}
	for _, v := range p {
		b.MinX = math.Min(b.MinX, v.X)
		b.MaxX = math.Max(b.MaxX, v.X)
		b.MinZ = math.Min(b.MinZ, v.Z)
		b.MaxZ = math.Max(b.MaxZ, v.Z)
	}
	return b
}

// Validate checks that the polygon is usable for classification: at least
// three vertices, finite coordinates, and no self-intersection. Adjacent
// edges may share endpoints; any other contact between edges is rejected.
func (p Polygon) Validate() error {
	if len(p) < 3 {
		return fmt.Errorf("polygon needs at least 3 vertices, got %d", len(p))
	}
	for i, v := range p {
		if !isFinite(v.X) || !isFinite(v.Z) {
			return fmt.Errorf("vertex %d has non-finite coordinates (%v, %v)", i, v.X, v.Z)
		}
	}
	n := len(p)
	for i := 0; i < n; i++ {
		a1, a2 := p[i], p[(i+1)%n]
		for j := i + 1; j < n; j++ {
			// Skip the edge itself and the two adjacent edges.
			if j == i || (j+1)%n == i || (i+1)%n == j {
				continue
			}
			b1, b2 := p[j], p[(j+1)%n]
			if segmentsIntersect(a1, a2, b1, b2) {
				return fmt.Errorf("polygon self-intersects between edges %d and %d", i, j)
			}
		}
	}
	return nil
}

// Contains reports whether (x, z) is inside the polygon under the even-odd
// rule. Points exactly on an edge or vertex are inside; a point on a
// boundary shared by two polygons therefore belongs to both.
func (p Polygon) Contains(x, z float64) bool {
	n := len(p)
	if n < 3 {
		return false
	}
	for i := 0; i < n; i++ {
		if onSegment(p[i], p[(i+1)%n], Point{X: x, Z: z}) {
			return true
		}
	}
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		vi, vj := p[i], p[j]
		if (vi.Z > z) != (vj.Z > z) {
			xCross := (vj.X-vi.X)*(z-vi.Z)/(vj.Z-vi.Z) + vi.X
			if x < xCross {
				inside = !inside
			}
		}
	}
	return inside
}

// onSegment reports whether q lies on the closed segment ab.
func onSegment(a, b, q Point) bool {
	if math.Abs(cross(a, b, q)) > collinearEps {
		return false
	}
	return q.X >= math.Min(a.X, b.X)-collinearEps && q.X <= math.Max(a.X, b.X)+collinearEps &&
		q.Z >= math.Min(a.Z, b.Z)-collinearEps && q.Z <= math.Max(a.Z, b.Z)+collinearEps
}

// cross returns the z-component of (b-a) x (q-a).
func cross(a, b, q Point) float64 {
	return (b.X-a.X)*(q.Z-a.Z) - (b.Z-a.Z)*(q.X-a.X)
}

// segmentsIntersect reports whether segments ab and cd touch or cross.
func segmentsIntersect(a, b, c, d Point) bool {
	o1 := orient(a, b, c)
	o2 := orient(a, b, d)
	o3 := orient(c, d, a)
	o4 := orient(c, d, b)

	if o1 != o2 && o3 != o4 {
		return true
	}
	// Collinear touches count as intersections between non-adjacent edges.
	if o1 == 0 && onSegment(a, b, c) {
		return true
	}
	if o2 == 0 && onSegment(a, b, d) {
		return true
	}
	if o3 == 0 && onSegment(c, d, a) {
		return true
	}
	if o4 == 0 && onSegment(c, d, b) {
		return true
	}
	return false
}

// orient returns the sign of the triangle (a, b, q): -1, 0 or 1.
func orient(a, b, q Point) int {
	v := cross(a, b, q)
	switch {
	case v > collinearEps:
		return 1
	case v < -collinearEps:
		return -1
	default:
		return 0
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
