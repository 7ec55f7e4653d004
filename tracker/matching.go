package tracker

import (
	"github.com/viam-modules/video-analytics/assign"
	"github.com/viam-modules/video-analytics/objects"
)

// duplicateIoUDistance is the IoU distance under which a tracked and a lost track are
// considered the same object.
const duplicateIoUDistance = 0.15

// iouDistance builds the (1 - IoU) cost matrix between tracks and detections.
func iouDistance(tracks []*Track, dets []objects.Detection) [][]float64 {
	cost := make([][]float64, len(tracks))
	for i, tr := range tracks {
		row := make([]float64, len(dets))
		box := tr.Rect()
		for j, d := range dets {
			row[j] = 1 - objects.IoU(box, d.Rect)
		}
		cost[i] = row
	}
	return cost
}

func (t *Tracker) linearAssignment(cost [][]float64, rows, cols int, thresh float64) assign.Result {
	res, err := assign.LinearWith(t.solver, cost, rows, cols, thresh)
	if err != nil {
		t.logger.Warnf("assignment failed, leaving %d tracks unmatched: %v", rows, err)
		return assign.Linear(nil, rows, cols, thresh)
	}
	return res
}

// joinTracks appends the tracks of b whose id is not yet in a.
func joinTracks(a, b []*Track) []*Track {
	seen := make(map[uint64]struct{}, len(a))
	out := make([]*Track, 0, len(a)+len(b))
	for _, tr := range a {
		seen[tr.ID] = struct{}{}
		out = append(out, tr)
	}
	for _, tr := range b {
		if _, ok := seen[tr.ID]; ok {
			continue
		}
		seen[tr.ID] = struct{}{}
		out = append(out, tr)
	}
	return out
}

// subTracks returns the tracks of a whose id is not in b.
func subTracks(a, b []*Track) []*Track {
	drop := make(map[uint64]struct{}, len(b))
	for _, tr := range b {
		drop[tr.ID] = struct{}{}
	}
	out := make([]*Track, 0, len(a))
	for _, tr := range a {
		if _, ok := drop[tr.ID]; !ok {
			out = append(out, tr)
		}
	}
	return out
}

// removeDuplicates drops, from each overlapping tracked/lost pair, the younger track.
func removeDuplicates(tracked, lost []*Track) ([]*Track, []*Track) {
	if len(tracked) == 0 || len(lost) == 0 {
		return tracked, lost
	}
	dupTracked := make([]bool, len(tracked))
	dupLost := make([]bool, len(lost))
	for i, a := range tracked {
		boxA := a.Rect()
		for j, b := range lost {
			if 1-objects.IoU(boxA, b.Rect()) >= duplicateIoUDistance {
				continue
			}
			ageA := a.FrameID - a.StartFrame
			ageB := b.FrameID - b.StartFrame
			if ageA > ageB {
				dupLost[j] = true
			} else {
				dupTracked[i] = true
			}
		}
	}
	keptTracked := make([]*Track, 0, len(tracked))
	for i, tr := range tracked {
		if !dupTracked[i] {
			keptTracked = append(keptTracked, tr)
		}
	}
	keptLost := make([]*Track, 0, len(lost))
	for j, tr := range lost {
		if !dupLost[j] {
			keptLost = append(keptLost, tr)
		}
	}
	return keptTracked, keptLost
}
