package push

import (
	"github.com/viam-modules/video-analytics/objects"
)

type padding struct {
	left, top, right, bottom float64
}

var cropPadding = map[string]padding{
	objects.Body:    {0.1, 0.1, 0.1, 0.1},
	objects.Vehicle: {0.1, 0.1, 0.1, 0.1},
	objects.Cycle:   {0.1, 0.1, 0.1, 0.1},
	objects.Face:    {0.25, 0.25, 0.25, 0.25},
	objects.Plate:   {1, 1, 1, 1},
}

// CropRect expands an object box by its category's padding.
func CropRect(it objects.Item) objects.Rect {
	p := cropPadding[it.Category]
	return it.Rect.Expand(p.left, p.top, p.right, p.bottom)
}

// Reject reports whether it must not be pushed under cfg.
func Reject(cfg Config, it objects.Item) bool {
	r := it.Rect
	if cfg.ROI.Enable && !cfg.ROI.Rect.Contains(r) {
		return true
	}
	if f, ok := cfg.MinSize[it.Category]; ok {
		if r.W < f.MinWidth || r.H < f.MinHeight {
			return true
		}
	}
	q := cfg.Quality[it.Category]
	switch it.Category {
	case objects.Face:
		return r.W < q.Width || r.H < q.Height
	case objects.Body, objects.Vehicle, objects.Cycle, objects.Plate:
		return it.Confidence < q.Quality
	}
	return false
}
