// Package tracker implements a multi-class, multi-stream ByteTrack style tracker.
// Each (stream, class) pair keeps its own track lists; ids come from a shared allocator.
package tracker

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/video-analytics/assign"
	"github.com/viam-modules/video-analytics/kalman"
	"github.com/viam-modules/video-analytics/objects"
)

var (
	DefaultTrackBuffer            = 30
	DefaultHighDetThresh          = 0.5
	DefaultNewTrackThresh         = 0.3
	DefaultHighMatchThresh        = 0.8
	DefaultLowMatchThresh         = 0.5
	DefaultUnconfirmedMatchThresh = 0.7
)

// Config holds the association thresholds.
type Config struct {
	// TrackBuffer is how many frames a lost track survives before it is removed.
	TrackBuffer            int     `json:"track_buffer" yaml:"track_buffer" toml:"track_buffer"`
	HighDetThresh          float64 `json:"high_det_thresh" yaml:"high_det_thresh" toml:"high_det_thresh"`
	NewTrackThresh         float64 `json:"new_track_thresh" yaml:"new_track_thresh" toml:"new_track_thresh"`
	HighMatchThresh        float64 `json:"high_match_thresh" yaml:"high_match_thresh" toml:"high_match_thresh"`
	LowMatchThresh         float64 `json:"low_match_thresh" yaml:"low_match_thresh" toml:"low_match_thresh"`
	UnconfirmedMatchThresh float64 `json:"unconfirmed_match_thresh" yaml:"unconfirmed_match_thresh" toml:"unconfirmed_match_thresh"`
	// Solver is "jv" (default) or "munkres".
	Solver string `json:"solver,omitempty" yaml:"solver,omitempty" toml:"solver,omitempty"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		TrackBuffer:            DefaultTrackBuffer,
		HighDetThresh:          DefaultHighDetThresh,
		NewTrackThresh:         DefaultNewTrackThresh,
		HighMatchThresh:        DefaultHighMatchThresh,
		LowMatchThresh:         DefaultLowMatchThresh,
		UnconfirmedMatchThresh: DefaultUnconfirmedMatchThresh,
		Solver:                 "jv",
	}
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	if c.TrackBuffer < 0 {
		return errors.New("track_buffer cannot be less than 0")
	}
	for name, v := range map[string]float64{
		"high_det_thresh":          c.HighDetThresh,
		"new_track_thresh":         c.NewTrackThresh,
		"high_match_thresh":        c.HighMatchThresh,
		"low_match_thresh":         c.LowMatchThresh,
		"unconfirmed_match_thresh": c.UnconfirmedMatchThresh,
	} {
		if v < 0 || v > 1 {
			return errors.Errorf("%s must be between 0.0 and 1.0", name)
		}
	}
	if _, err := assign.SolverByName(c.Solver); err != nil {
		return err
	}
	return nil
}

type classState struct {
	tracked []*Track
	lost    []*Track
	removed []*Track
}

type streamState struct {
	frameCount int
	classes    map[int]*classState
}

// Tracker associates detections into tracks. It is safe for concurrent use; updates of
// different streams serialize on one mutex.
type Tracker struct {
	mu      sync.Mutex
	cfg     Config
	solver  assign.Solver
	kf      *kalman.Filter
	ids     *IDs
	logger  logging.Logger
	streams map[uint32]*streamState
}

// New returns a Tracker. A nil ids shares the process-wide allocator.
func New(cfg Config, ids *IDs, logger logging.Logger) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	solver, err := assign.SolverByName(cfg.Solver)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = defaultIDs
	}
	return &Tracker{
		cfg:     cfg,
		solver:  solver,
		kf:      kalman.New(),
		ids:     ids,
		logger:  logger,
		streams: make(map[uint32]*streamState),
	}, nil
}

// SetConfig swaps the thresholds. Existing tracks are kept.
func (t *Tracker) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	solver, err := assign.SolverByName(cfg.Solver)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = cfg
	t.solver = solver
	return nil
}

// Update advances the stream by one frame and returns, per class, the activated tracked
// tracks followed by the tracks removed during this frame. A removed track is returned
// exactly once. The returned tracks are copies.
func (t *Tracker) Update(streamID uint32, realFrameID uint64, dets []objects.Detection) map[int][]Track {
	t.mu.Lock()
	defer t.mu.Unlock()

	ss, ok := t.streams[streamID]
	if !ok {
		ss = &streamState{classes: make(map[int]*classState)}
		t.streams[streamID] = ss
	}
	ss.frameCount++

	byClass := make(map[int][]objects.Detection)
	for _, d := range dets {
		byClass[d.ClassID] = append(byClass[d.ClassID], d)
	}
	classIDs := make([]int, 0, len(byClass)+len(ss.classes))
	for c := range ss.classes {
		classIDs = append(classIDs, c)
	}
	for c := range byClass {
		if _, ok := ss.classes[c]; !ok {
			ss.classes[c] = &classState{}
			classIDs = append(classIDs, c)
		}
	}
	sort.Ints(classIDs)

	out := make(map[int][]Track, len(classIDs))
	for _, c := range classIDs {
		cs := ss.classes[c]
		res := t.updateClass(cs, ss.frameCount, realFrameID, byClass[c])
		if len(cs.tracked) == 0 && len(cs.lost) == 0 {
			delete(ss.classes, c)
		}
		if len(res) > 0 {
			out[c] = res
		}
	}
	return out
}

func (t *Tracker) updateClass(cs *classState, frameCount int, realFrameID uint64, dets []objects.Detection) []Track {
	var activated, refound, lost, removed []*Track

	var high, low []objects.Detection
	for _, d := range dets {
		if d.Score >= t.cfg.HighDetThresh {
			high = append(high, d)
		} else {
			low = append(low, d)
		}
	}

	var unconfirmed, confirmed []*Track
	for _, tr := range cs.tracked {
		if tr.IsActivated {
			confirmed = append(confirmed, tr)
		} else {
			unconfirmed = append(unconfirmed, tr)
		}
	}

	// first association, high score detections against tracked and lost tracks
	pool := joinTracks(confirmed, cs.lost)
	for _, tr := range pool {
		tr.predict(t.kf)
	}
	first := t.linearAssignment(iouDistance(pool, high), len(pool), len(high), t.cfg.HighMatchThresh)
	for _, m := range first.Matches {
		tr, det := pool[m[0]], high[m[1]]
		if tr.State == StateTracked {
			tr.update(t.kf, det, frameCount, realFrameID)
			activated = append(activated, tr)
		} else {
			tr.reActivate(t.kf, t.ids, det, frameCount, realFrameID, false)
			refound = append(refound, tr)
		}
	}

	// second association, low score detections against the leftovers that are not lost yet,
	// including tracks born on the previous frame
	var remaining []*Track
	for _, i := range first.UnmatchedRows {
		if pool[i].State != StateLost {
			remaining = append(remaining, pool[i])
		}
	}
	second := t.linearAssignment(iouDistance(remaining, low), len(remaining), len(low), t.cfg.LowMatchThresh)
	for _, m := range second.Matches {
		tr, det := remaining[m[0]], low[m[1]]
		if tr.State == StateTracked {
			tr.update(t.kf, det, frameCount, realFrameID)
			activated = append(activated, tr)
		} else {
			tr.reActivate(t.kf, t.ids, det, frameCount, realFrameID, false)
			refound = append(refound, tr)
		}
	}
	for _, i := range second.UnmatchedRows {
		tr := remaining[i]
		if tr.State != StateLost {
			tr.markLost()
			lost = append(lost, tr)
		}
	}

	// unconfirmed tracks get one chance at the unmatched high detections
	leftover := make([]objects.Detection, 0, len(first.UnmatchedCols))
	for _, j := range first.UnmatchedCols {
		leftover = append(leftover, high[j])
	}
	third := t.linearAssignment(iouDistance(unconfirmed, leftover), len(unconfirmed), len(leftover), t.cfg.UnconfirmedMatchThresh)
	for _, m := range third.Matches {
		tr := unconfirmed[m[0]]
		tr.update(t.kf, leftover[m[1]], frameCount, realFrameID)
		activated = append(activated, tr)
	}
	for _, i := range third.UnmatchedRows {
		tr := unconfirmed[i]
		tr.markRemoved()
		removed = append(removed, tr)
	}

	for _, j := range third.UnmatchedCols {
		det := leftover[j]
		if det.Score < t.cfg.NewTrackThresh {
			continue
		}
		tr := newTrack(det)
		tr.activate(t.kf, t.ids, frameCount, realFrameID)
		activated = append(activated, tr)
	}

	for _, tr := range cs.lost {
		if frameCount-tr.FrameID > t.cfg.TrackBuffer {
			tr.markRemoved()
			removed = append(removed, tr)
		}
	}

	kept := make([]*Track, 0, len(cs.tracked))
	for _, tr := range cs.tracked {
		if tr.State == StateTracked {
			kept = append(kept, tr)
		}
	}
	cs.tracked = joinTracks(kept, activated)
	cs.tracked = joinTracks(cs.tracked, refound)
	cs.lost = subTracks(cs.lost, cs.tracked)
	cs.lost = append(cs.lost, lost...)
	cs.lost = subTracks(cs.lost, removed)
	cs.tracked, cs.lost = removeDuplicates(cs.tracked, cs.lost)
	cs.removed = removed

	out := make([]Track, 0, len(cs.tracked)+len(cs.removed))
	for _, tr := range cs.tracked {
		if tr.IsActivated {
			out = append(out, *tr)
		}
	}
	for _, tr := range cs.removed {
		out = append(out, *tr)
	}
	return out
}

// Items flattens a tracker output into result objects ordered by class id, skipping lost tracks.
func Items(classNames []string, frameID uint64, tracks map[int][]Track) []objects.Item {
	classIDs := make([]int, 0, len(tracks))
	for c := range tracks {
		classIDs = append(classIDs, c)
	}
	sort.Ints(classIDs)

	var items []objects.Item
	for _, c := range classIDs {
		for i := range tracks[c] {
			if it, ok := tracks[c][i].Item(classNames, frameID); ok {
				items = append(items, it)
			}
		}
	}
	return items
}
