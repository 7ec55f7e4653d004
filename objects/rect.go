// Package objects holds the detection, result and geometry types shared by the tracker,
// the filters and the push engine.
package objects

import (
	"image"
	"math"
)

// Rect is an axis-aligned box in source-image pixels, top-left corner plus size.
type Rect struct {
	X float64 `json:"x" yaml:"x" toml:"x"`
	Y float64 `json:"y" yaml:"y" toml:"y"`
	W float64 `json:"w" yaml:"w" toml:"w"`
	H float64 `json:"h" yaml:"h" toml:"h"`
}

// RectFromTLBR builds a Rect from corner coordinates.
func RectFromTLBR(x1, y1, x2, y2 float64) Rect {
	return Rect{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

// RectFromImage converts an image.Rectangle.
func RectFromImage(r image.Rectangle) Rect {
	return Rect{X: float64(r.Min.X), Y: float64(r.Min.Y), W: float64(r.Dx()), H: float64(r.Dy())}
}

// TLBR returns x1, y1, x2, y2.
func (r Rect) TLBR() [4]float64 {
	return [4]float64{r.X, r.Y, r.X + r.W, r.Y + r.H}
}

// IsZero reports whether every field is zero. Encoders read a zero rect as the whole frame.
func (r Rect) IsZero() bool {
	return r == Rect{}
}

// Contains reports whether o lies fully inside r, edges included.
func (r Rect) Contains(o Rect) bool {
	return o.X >= r.X && o.Y >= r.Y && o.X+o.W <= r.X+r.W && o.Y+o.H <= r.Y+r.H
}

// Expand grows the box by fractions of its own width and height on each side.
func (r Rect) Expand(left, top, right, bottom float64) Rect {
	return Rect{
		X: r.X - r.W*left,
		Y: r.Y - r.H*top,
		W: r.W * (1 + left + right),
		H: r.H * (1 + top + bottom),
	}
}

// Clip intersects r with a w x h image.
func (r Rect) Clip(w, h int) Rect {
	x1 := math.Max(r.X, 0)
	y1 := math.Max(r.Y, 0)
	x2 := math.Min(r.X+r.W, float64(w))
	y2 := math.Min(r.Y+r.H, float64(h))
	if x2 <= x1 || y2 <= y1 {
		return Rect{}
	}
	return RectFromTLBR(x1, y1, x2, y2)
}

// Image rounds r to an image.Rectangle.
func (r Rect) Image() image.Rectangle {
	return image.Rect(int(math.Round(r.X)), int(math.Round(r.Y)), int(math.Round(r.X+r.W)), int(math.Round(r.Y+r.H)))
}

// IoU returns the intersection over union of a and b. Corners are treated as inclusive pixel
// coordinates, so both the intersection and the areas carry a +1 on each side.
func IoU(a, b Rect) float64 {
	return IoUTLBR(a.TLBR(), b.TLBR())
}

// IoUTLBR is IoU over corner coordinates.
func IoUTLBR(a, b [4]float64) float64 {
	iw := math.Min(a[2], b[2]) - math.Max(a[0], b[0]) + 1
	if iw <= 0 {
		return 0
	}
	ih := math.Min(a[3], b[3]) - math.Max(a[1], b[1]) + 1
	if ih <= 0 {
		return 0
	}
	areaA := (a[2] - a[0] + 1) * (a[3] - a[1] + 1)
	areaB := (b[2] - b[0] + 1) * (b[3] - b[1] + 1)
	inter := iw * ih
	return inter / (areaA + areaB - inter)
}
