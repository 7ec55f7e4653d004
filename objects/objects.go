package objects

import "strings"

// Category names, indexed by detector class id.
const (
	Body    = "body"
	Vehicle = "vehicle"
	Cycle   = "cycle"
	Face    = "face"
	Plate   = "plate"
)

// DefaultClassNames maps detector class ids to categories.
var DefaultClassNames = []string{Body, Vehicle, Cycle, Face, Plate}

// ClassName returns the category for id, or "" when id is out of range.
func ClassName(names []string, id int) string {
	if id < 0 || id >= len(names) {
		return ""
	}
	return names[id]
}

// ClassID returns the index of name in names, case-insensitively, or -1.
func ClassID(names []string, name string) int {
	for i, n := range names {
		if strings.EqualFold(n, name) {
			return i
		}
	}
	return -1
}

// Point is a keypoint attached to a detection.
type Point struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Score float64 `json:"score"`
}

// Detection is one box produced by a detector for one frame.
type Detection struct {
	ClassID int
	Score   float64
	Rect    Rect
	Points  []Point
}

// TrackStatus is the externally visible lifecycle event attached to a result object.
type TrackStatus int

// Track status values.
const (
	StatusNew TrackStatus = iota
	StatusUpdate
	StatusDie
	StatusSelect
)

func (s TrackStatus) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusUpdate:
		return "update"
	case StatusDie:
		return "die"
	case StatusSelect:
		return "select"
	default:
		return "unknown"
	}
}

// Image is an encoded picture, a crop of a frame or the whole frame.
type Image struct {
	FrameID uint64
	Data    []byte
	Width   int
	Height  int
}

// Empty reports whether the image carries no data.
func (img *Image) Empty() bool {
	return img == nil || len(img.Data) == 0
}

// Item is one object of a pipeline result: a tracked object, or a pushed snapshot.
type Item struct {
	Category   string
	ClassID    int
	TrackID    uint64
	FrameID    uint64
	Rect       Rect
	Confidence float64
	State      TrackStatus
	Points     []Point

	Crop     *Image
	Panorama *Image
}

// Clone returns a copy that shares no slices with it.
func (it Item) Clone() Item {
	out := it
	if it.Points != nil {
		out.Points = append([]Point(nil), it.Points...)
	}
	out.Crop = cloneImage(it.Crop)
	out.Panorama = cloneImage(it.Panorama)
	return out
}

func cloneImage(img *Image) *Image {
	if img == nil {
		return nil
	}
	c := *img
	c.Data = append([]byte(nil), img.Data...)
	return &c
}
