package objects

import "sort"

// NMS greedily keeps the highest-scoring detection of each overlapping group. Suppression is
// per class: detections of different classes never suppress each other. Survivors keep their
// input order and the input is not modified.
func NMS(dets []Detection, thresh float64) []Detection {
	if len(dets) == 0 {
		return nil
	}
	order := make([]int, len(dets))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return dets[order[a]].Score > dets[order[b]].Score
	})

	suppressed := make([]bool, len(dets))
	for i, oi := range order {
		if suppressed[oi] {
			continue
		}
		for _, oj := range order[i+1:] {
			if suppressed[oj] || dets[oj].ClassID != dets[oi].ClassID {
				continue
			}
			if IoU(dets[oi].Rect, dets[oj].Rect) > thresh {
				suppressed[oj] = true
			}
		}
	}

	out := make([]Detection, 0, len(dets))
	for i, d := range dets {
		if !suppressed[i] {
			out = append(out, d)
		}
	}
	return out
}
