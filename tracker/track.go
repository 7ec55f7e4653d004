package tracker

import (
	"sync"

	"github.com/viam-modules/video-analytics/kalman"
	"github.com/viam-modules/video-analytics/objects"
)

// State is a track's lifecycle stage.
type State int

// Track states.
const (
	StateNew State = iota
	StateTracked
	StateLost
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateTracked:
		return "tracked"
	case StateLost:
		return "lost"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// IDs hands out track ids. One allocator is shared by every stream and class that should
// never see the same id twice.
type IDs struct {
	mu   sync.Mutex
	last uint64
}

// Next returns the next id, starting at 1.
func (g *IDs) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last++
	return g.last
}

var defaultIDs = &IDs{}

// Track is one object followed across frames.
type Track struct {
	ID          uint64
	ClassID     int
	State       State
	IsActivated bool
	Score       float64
	TrackletLen int
	StartFrame  int
	// FrameID is the tracker's frame count at the last update.
	FrameID     int
	RealFrameID uint64
	Points      []objects.Point

	raw  objects.Rect
	mean [8]float64
	cov  [64]float64
}

func newTrack(det objects.Detection) *Track {
	return &Track{
		ClassID: det.ClassID,
		Score:   det.Score,
		Points:  det.Points,
		raw:     det.Rect,
	}
}

// Rect is the track's current box: the detection itself while the track is New, the
// filter estimate afterwards.
func (tr *Track) Rect() objects.Rect {
	if tr.State == StateNew {
		return tr.raw
	}
	x, y, w, h := kalman.TLWH(tr.mean)
	return objects.Rect{X: x, Y: y, W: w, H: h}
}

// Detection returns the last box the track was associated with.
func (tr *Track) Detection() objects.Rect {
	return tr.raw
}

func measurement(r objects.Rect) [4]float64 {
	return kalman.XYAH(r.X, r.Y, r.W, r.H)
}

func (tr *Track) predict(kf *kalman.Filter) {
	if tr.State != StateTracked {
		tr.mean[7] = 0
	}
	kf.Predict(&tr.mean, &tr.cov)
}

func (tr *Track) activate(kf *kalman.Filter, ids *IDs, frameCount int, realFrameID uint64) {
	tr.ID = ids.Next()
	tr.mean, tr.cov = kf.Initiate(measurement(tr.raw))
	tr.TrackletLen = 0
	tr.State = StateNew
	tr.IsActivated = true
	tr.FrameID = frameCount
	tr.StartFrame = frameCount
	tr.RealFrameID = realFrameID
}

func (tr *Track) reActivate(kf *kalman.Filter, ids *IDs, det objects.Detection, frameCount int, realFrameID uint64, newID bool) {
	kf.Update(&tr.mean, &tr.cov, measurement(det.Rect), det.Score)
	tr.observe(det)
	tr.TrackletLen = 0
	tr.State = StateTracked
	tr.IsActivated = true
	tr.FrameID = frameCount
	tr.RealFrameID = realFrameID
	if newID {
		tr.ID = ids.Next()
		tr.State = StateNew
	}
}

func (tr *Track) update(kf *kalman.Filter, det objects.Detection, frameCount int, realFrameID uint64) {
	kf.Update(&tr.mean, &tr.cov, measurement(det.Rect), det.Score)
	tr.observe(det)
	tr.TrackletLen++
	tr.State = StateTracked
	tr.IsActivated = true
	tr.FrameID = frameCount
	tr.RealFrameID = realFrameID
}

func (tr *Track) observe(det objects.Detection) {
	tr.raw = det.Rect
	tr.Score = det.Score
	tr.Points = det.Points
}

func (tr *Track) markLost() {
	tr.State = StateLost
}

func (tr *Track) markRemoved() {
	tr.State = StateRemoved
}

// Item converts the track to a result object. Lost tracks are internal and report false.
func (tr *Track) Item(classNames []string, frameID uint64) (objects.Item, bool) {
	var st objects.TrackStatus
	switch tr.State {
	case StateNew:
		st = objects.StatusNew
	case StateTracked:
		st = objects.StatusUpdate
	case StateRemoved:
		st = objects.StatusDie
	default:
		return objects.Item{}, false
	}
	return objects.Item{
		Category:   objects.ClassName(classNames, tr.ClassID),
		ClassID:    tr.ClassID,
		TrackID:    tr.ID,
		FrameID:    frameID,
		Rect:       tr.Rect(),
		Confidence: tr.Score,
		State:      st,
		Points:     tr.Points,
	}, true
}
