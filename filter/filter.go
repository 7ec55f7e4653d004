// Package filter applies the operator constraints to detections before tracking and to
// tracked objects after it.
package filter

import (
	"strings"

	"github.com/viam-modules/video-analytics/objects"
)

// ClassFilter rejects detections that are too small or not confident enough.
type ClassFilter struct {
	MinWidth   float64 `json:"min_width" yaml:"min_width" toml:"min_width"`
	MinHeight  float64 `json:"min_height" yaml:"min_height" toml:"min_height"`
	Confidence float64 `json:"confidence" yaml:"confidence" toml:"confidence"`
}

// MaxTargetCount caps the objects kept per frame. Zero means unlimited. Only these three
// categories are capped.
type MaxTargetCount struct {
	Body    int `json:"body" yaml:"body" toml:"body"`
	Vehicle int `json:"vehicle" yaml:"vehicle" toml:"vehicle"`
	Cycle   int `json:"cycle" yaml:"cycle" toml:"cycle"`
}

// ROI restricts results to boxes fully inside Rect.
type ROI struct {
	Enable bool         `json:"enable" yaml:"enable" toml:"enable"`
	Rect   objects.Rect `json:"rect" yaml:"rect" toml:"rect"`
}

// Constraints is an immutable snapshot of the filtering configuration.
type Constraints struct {
	ClassNames     []string
	WantClasses    []string
	ROI            ROI
	Filters        map[string]ClassFilter
	MaxTargetCount MaxTargetCount
	// NMSThresh enables class-aware non-maximum suppression when positive.
	NMSThresh float64
}

func (c Constraints) wanted(category string) bool {
	if len(c.WantClasses) == 0 {
		return true
	}
	for _, w := range c.WantClasses {
		if strings.EqualFold(w, category) {
			return true
		}
	}
	return false
}

func (c Constraints) limit(category string) int {
	switch category {
	case objects.Body:
		return c.MaxTargetCount.Body
	case objects.Vehicle:
		return c.MaxTargetCount.Vehicle
	case objects.Cycle:
		return c.MaxTargetCount.Cycle
	default:
		return 0
	}
}

type counter struct {
	c      Constraints
	counts map[string]int
}

// keep counts category and reports whether it is still under its cap.
func (k *counter) keep(category string) bool {
	max := k.c.limit(category)
	if max <= 0 {
		return true
	}
	k.counts[category]++
	return k.counts[category] <= max
}

// Detections runs the pre-tracking pass: class, ROI, size and confidence, then the count
// cap. The earliest detections of a category are the ones kept.
func Detections(c Constraints, dets []objects.Detection) []objects.Detection {
	if c.NMSThresh > 0 {
		dets = objects.NMS(dets, c.NMSThresh)
	}
	out := make([]objects.Detection, 0, len(dets))
	cnt := &counter{c: c, counts: map[string]int{}}
	for _, d := range dets {
		category := objects.ClassName(c.ClassNames, d.ClassID)
		if !c.wanted(category) {
			continue
		}
		if c.ROI.Enable && !c.ROI.Rect.Contains(d.Rect) {
			continue
		}
		if f, ok := c.Filters[category]; ok {
			if d.Rect.W < f.MinWidth || d.Rect.H < f.MinHeight || d.Score < f.Confidence {
				continue
			}
		}
		if !cnt.keep(category) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Items runs the post-tracking pass, which only re-applies the count cap. Counters span
// the whole frame.
func Items(c Constraints, items []objects.Item) []objects.Item {
	out := make([]objects.Item, 0, len(items))
	cnt := &counter{c: c, counts: map[string]int{}}
	for _, it := range items {
		if !cnt.keep(it.Category) {
			continue
		}
		out = append(out, it)
	}
	return out
}
