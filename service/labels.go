package service

// Labels handed to vision service callers are of the format category_trackID_YYYYMMDD_HHMMSS.
// The timestamp is taken when the track is first reported, so a label is stable for the
// lifetime of its track.

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/viam-modules/video-analytics/objects"
)

// GetTimestamp will retrieve and format a timestamp to be YYYYMMDD_HHMMSS
func GetTimestamp(now time.Time) string {
	return now.Format("20060102_150405")
}

type trackedObject struct {
	FullLabel string
	Label     string
	ID        uint64
	Time      string
}

func newTrackedObjectFromLabel(label string) (trackedObject, error) {
	parts := strings.Split(label, "_")
	if len(parts) < 2 {
		return trackedObject{}, errors.Errorf("label %q has no track id", label)
	}
	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return trackedObject{}, errors.Wrapf(err, "unable to parse label %v", label)
	}
	return trackedObject{
		FullLabel: label,
		Label:     parts[0],
		ID:        id,
		Time:      strings.Join(parts[2:], "_"),
	}, nil
}

// labeler remembers the label given to each live track. Tracks unseen for more than maxIdle
// results are forgotten even when their Die never arrives.
type labeler struct {
	labels  map[uint64]*labelEntry
	now     func() time.Time
	maxIdle int
	tick    int
}

type labelEntry struct {
	label string
	seen  int
}

func newLabeler(maxIdle int) *labeler {
	return &labeler{labels: make(map[uint64]*labelEntry), now: time.Now, maxIdle: maxIdle}
}

// next starts a new result.
func (l *labeler) next() {
	l.tick++
}

// label returns the track's label, naming it on first sight. fresh is true when the label
// was created by this call.
func (l *labeler) label(it objects.Item) (label string, fresh bool) {
	if e, ok := l.labels[it.TrackID]; ok {
		e.seen = l.tick
		return e.label, false
	}
	lb := it.Category + "_" + strconv.FormatUint(it.TrackID, 10) + "_" + GetTimestamp(l.now())
	l.labels[it.TrackID] = &labelEntry{label: lb, seen: l.tick}
	return lb, true
}

// forget drops a finished track.
func (l *labeler) forget(trackID uint64) {
	delete(l.labels, trackID)
}

// sweep drops labels of tracks missing for more than maxIdle results.
func (l *labeler) sweep() {
	for id, e := range l.labels {
		if l.tick-e.seen > l.maxIdle {
			delete(l.labels, id)
		}
	}
}
