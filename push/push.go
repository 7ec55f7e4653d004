// Package push decides when a tracked object's snapshot is encoded and emitted, and pins
// the frames those snapshots come from while bounding how many stay pinned per stream.
package push

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/video-analytics/errcode"
	"github.com/viam-modules/video-analytics/frame"
	"github.com/viam-modules/video-analytics/objects"
)

const (
	// DieForceTimeout is how long a track may go without updates before it is treated as removed.
	DieForceTimeout = 5000 * time.Millisecond
	// BestMinUpdateCount is the number of observations a track needs to be pushed in Best mode.
	BestMinUpdateCount = 2
)

// Encoder crops r out of f and encodes it. A zero r means the whole frame.
type Encoder interface {
	Encode(ctx context.Context, f *frame.Frame, r objects.Rect, quality float64) (objects.Image, error)
}

// Releaser is implemented by encoders whose images hold resources beyond the Go heap.
type Releaser interface {
	Release(img objects.Image)
}

// CacheItem names a pinned frame.
type CacheItem struct {
	StreamID uint32
	FrameID  uint64
}

type trackEntry struct {
	obj         objects.Item
	pushCount   int
	updateCount int
	lastState   objects.TrackStatus
	updateTime  time.Time
	pushTime    time.Time
	crop        *objects.Image
}

type frameEntry struct {
	ref      *frame.Ref
	dropped  bool
	tracks   []uint64
	panorama *objects.Image
}

// Stats is a snapshot of the engine's bookkeeping.
type Stats struct {
	Tracks       int
	Frames       int
	PinnedFrames int
	Crops        int
	Panoramas    int
	CacheList    []CacheItem
}

// Engine is safe for concurrent use.
type Engine struct {
	logger logging.Logger
	enc    Encoder
	now    func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	mu     sync.Mutex
	tracks map[uint32]map[uint64]*trackEntry
	frames map[uint32]map[uint64]*frameEntry
	cache  map[uint32][]uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New returns an Engine that encodes through enc.
func New(cfg Config, enc Encoder, logger logging.Logger, opts ...Option) (*Engine, error) {
	if enc == nil {
		return nil, errcode.New(errcode.NullPointer, "push engine needs an encoder")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errcode.New(errcode.IllegalParameter, err.Error())
	}
	e := &Engine{
		logger: logger,
		enc:    enc,
		now:    time.Now,
		cfg:    cfg,
		tracks: make(map[uint32]map[uint64]*trackEntry),
		frames: make(map[uint32]map[uint64]*frameEntry),
		cache:  make(map[uint32][]uint64),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Config returns the current configuration.
func (e *Engine) Config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// SetConfig installs cfg. Disabling push or changing the strategy drops every track and
// unpins every frame.
func (e *Engine) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return errcode.New(errcode.IllegalParameter, err.Error())
	}
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	if e.cfg.resets(cfg) {
		e.mu.Lock()
		e.clearLocked()
		e.mu.Unlock()
	}
	e.cfg = cfg
	return nil
}

// Close drops all state and unpins every frame.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearLocked()
}

// Update records an observation of a tracked object on the frame held by ref.
func (e *Engine) Update(ref *frame.Ref, it objects.Item) error {
	if ref == nil || ref.Frame() == nil {
		return errcode.New(errcode.NullPointer, "nil frame")
	}
	cfg := e.Config()
	if cfg.Disable {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	f := ref.Frame()
	stream := f.StreamID
	tm := e.trackMap(stream)
	now := e.now()
	eager := cfg.Strategy.Mode != ModeBest

	switch it.State {
	case objects.StatusNew:
		if _, ok := tm[it.TrackID]; ok {
			e.trackDelete(cfg, stream, it.TrackID, true)
		}
		tm[it.TrackID] = &trackEntry{
			obj:         snapshot(it, f.FrameID),
			updateCount: 1,
			lastState:   it.State,
			updateTime:  now,
			pushTime:    now,
		}
		e.attach(ref, it.TrackID)

	case objects.StatusUpdate, objects.StatusDie:
		if it.State == objects.StatusDie && eager {
			e.trackDelete(cfg, stream, it.TrackID, true)
			return nil
		}
		te, ok := tm[it.TrackID]
		if !ok {
			return nil
		}
		if eager && te.pushCount >= cfg.Strategy.Count {
			e.trackDelete(cfg, stream, it.TrackID, true)
			return nil
		}
		if it.Confidence > te.obj.Confidence {
			updates, pushes, pushTime := te.updateCount, te.pushCount, te.pushTime
			e.trackDelete(cfg, stream, it.TrackID, false)
			tm[it.TrackID] = &trackEntry{
				obj:         snapshot(it, f.FrameID),
				updateCount: updates + 1,
				pushCount:   pushes,
				lastState:   it.State,
				updateTime:  now,
				pushTime:    pushTime,
			}
			e.attach(ref, it.TrackID)
		} else {
			te.updateCount++
			te.lastState = it.State
			te.obj.State = it.State
			te.updateTime = now
		}
	}
	return nil
}

// Finalize closes the frame held by ref: it refreshes the stream's cache list, runs the
// strategy and unpins frames that left the cache. It returns the pushed (State Select) and
// force-dropped (State Die) objects, and the cache list of every stream.
func (e *Engine) Finalize(ctx context.Context, ref *frame.Ref) ([]objects.Item, []CacheItem, error) {
	if ref == nil || ref.Frame() == nil {
		return nil, nil, errcode.New(errcode.NullPointer, "nil frame")
	}
	cfg := e.Config()
	if cfg.Disable {
		return nil, nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	stream := ref.Frame().StreamID
	fm := e.frameMap(stream)
	now := e.now()

	old := e.cache[stream]
	cached := make([]uint64, 0, len(fm))
	for fid, fe := range fm {
		if !fe.dropped {
			cached = append(cached, fid)
		}
	}
	sort.Slice(cached, func(i, j int) bool { return cached[i] > cached[j] })
	if depth := cfg.depth(); len(cached) > depth {
		cached = cached[:depth]
	}
	e.cache[stream] = cached

	inCache := toSet(cached)
	drop := make(map[uint64]struct{})
	for _, fid := range old {
		if _, ok := inCache[fid]; !ok {
			drop[fid] = struct{}{}
		}
	}

	var out []objects.Item
	switch cfg.Strategy.Mode {
	case ModeFast, ModeInterval:
		out = e.finalizeEager(ctx, cfg, stream, drop, now)
	case ModeBest:
		out = e.finalizeBest(ctx, cfg, stream, drop, now)
	}

	for _, fe := range fm {
		if fe.dropped {
			continue
		}
		if _, ok := inCache[fe.ref.Frame().FrameID]; !ok {
			fe.ref.Release()
			fe.dropped = true
		}
	}

	return out, e.cacheListLocked(), nil
}

func (e *Engine) finalizeEager(ctx context.Context, cfg Config, stream uint32, drop map[uint64]struct{}, now time.Time) []objects.Item {
	var out []objects.Item
	tm := e.trackMap(stream)
	interval := time.Duration(cfg.Strategy.IntervalMs) * time.Millisecond

	for _, id := range sortedIDs(tm) {
		te := tm[id]
		due := now.Sub(te.pushTime) >= interval
		if cfg.Strategy.Mode == ModeFast && te.obj.State == objects.StatusNew {
			due = te.pushCount == 0
		}
		if te.obj.State != objects.StatusNew && te.obj.State != objects.StatusUpdate {
			continue
		}

		if due {
			if Reject(cfg, te.obj) || te.obj.Confidence <= 0 || !e.frameFind(stream, te.obj.FrameID) {
				continue
			}
			item, err := e.trackPush(ctx, cfg, stream, te)
			if err == nil {
				out = append(out, item)
				te.pushCount++
				te.pushTime = now
			} else {
				e.logger.Debugw("push failed", "stream", stream, "track", id, "error", err)
			}
			// a later, better observation has to replace this one before it pushes again
			te.obj.Confidence = 0
			continue
		}

		if cfg.Strategy.Mode == ModeFast && te.obj.State == objects.StatusNew {
			continue
		}
		if _, ok := drop[te.obj.FrameID]; ok && te.obj.Confidence > 0 && e.frameFind(stream, te.obj.FrameID) {
			if _, err := e.trackPush(ctx, cfg, stream, te); err != nil {
				te.obj.Confidence = 0
			}
		}
	}

	for _, id := range sortedIDs(tm) {
		te := tm[id]
		idle := now.Sub(te.updateTime)
		if te.lastState == objects.StatusDie || idle <= DieForceTimeout {
			continue
		}
		e.logger.Infof("track %d on stream %d force dropped after %v idle", id, stream, idle)
		die := te.obj.Clone()
		die.State = objects.StatusDie
		out = append(out, die)
		e.trackDelete(cfg, stream, id, true)
	}
	return out
}

func (e *Engine) finalizeBest(ctx context.Context, cfg Config, stream uint32, drop map[uint64]struct{}, now time.Time) []objects.Item {
	var out []objects.Item
	tm := e.trackMap(stream)

	for _, id := range sortedIDs(tm) {
		te := tm[id]
		if idle := now.Sub(te.updateTime); idle > DieForceTimeout && te.lastState != objects.StatusDie {
			e.logger.Infof("track %d on stream %d forced to die after %v idle", id, stream, idle)
			te.lastState = objects.StatusDie
		}

		if te.lastState == objects.StatusDie {
			pushed := false
			if te.updateCount >= BestMinUpdateCount && !Reject(cfg, te.obj) && e.frameFind(stream, te.obj.FrameID) {
				item, err := e.trackPush(ctx, cfg, stream, te)
				if err == nil {
					te.pushCount++
					te.pushTime = now
					out = append(out, item)
					pushed = true
				} else {
					e.logger.Debugw("push failed", "stream", stream, "track", id, "error", err)
				}
			}
			if !pushed {
				die := te.obj.Clone()
				die.State = objects.StatusDie
				out = append(out, die)
			}
			e.trackDelete(cfg, stream, id, true)
			continue
		}

		if _, ok := drop[te.obj.FrameID]; ok && e.frameFind(stream, te.obj.FrameID) {
			if _, err := e.trackPush(ctx, cfg, stream, te); err != nil {
				te.obj.Confidence = 0
			}
		}
	}
	return out
}

// trackPush materializes te's crop, and panorama when enabled, and returns the object to emit.
// The crop is cached on the entry so later calls do not encode again.
func (e *Engine) trackPush(ctx context.Context, cfg Config, stream uint32, te *trackEntry) (objects.Item, error) {
	fid := te.obj.FrameID
	fe := e.frameMap(stream)[fid]
	if fe == nil {
		return objects.Item{}, errcode.Newf(errcode.Unexist, "frame %d not cached", fid)
	}

	if te.crop == nil {
		if fe.dropped {
			return objects.Item{}, errcode.Newf(errcode.IllegalParameter, "frame %d dropped before track %d was cropped", fid, te.obj.TrackID)
		}
		f := fe.ref.Frame()
		w, h := f.Size()
		r := CropRect(te.obj).Clip(w, h)
		if r.IsZero() {
			return objects.Item{}, errcode.Newf(errcode.IllegalParameter, "track %d crop is outside the frame", te.obj.TrackID)
		}
		img, err := e.enc.Encode(ctx, f, r, cfg.CropQuality)
		if err != nil {
			return objects.Item{}, errors.Wrapf(err, "encode crop of track %d", te.obj.TrackID)
		}
		img.FrameID = fid
		te.crop = &img
	}

	item := te.obj
	item.State = objects.StatusSelect
	item.Crop = te.crop

	if cfg.Panorama.Enable {
		if fe.panorama == nil && !fe.dropped {
			img, err := e.enc.Encode(ctx, fe.ref.Frame(), objects.Rect{}, cfg.CropQuality)
			if err != nil {
				e.logger.Debugw("panorama encode failed", "stream", stream, "frame", fid, "error", err)
			} else {
				img.FrameID = fid
				fe.panorama = &img
			}
		}
		item.Panorama = fe.panorama
	}
	return item.Clone(), nil
}

// Release returns the engine-side buffers of a delivered object early.
func (e *Engine) Release(stream uint32, it objects.Item) {
	cfg := e.Config()
	e.mu.Lock()
	defer e.mu.Unlock()
	if it.Crop != nil {
		e.trackDelete(cfg, stream, it.TrackID, false)
		e.frameDelete(stream, it.Crop.FrameID, it.TrackID)
	}
	if it.Panorama != nil {
		e.frameDelete(stream, it.Panorama.FrameID, it.TrackID)
	}
}

// Stats reports the current bookkeeping sizes.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	var s Stats
	for _, tm := range e.tracks {
		s.Tracks += len(tm)
		for _, te := range tm {
			if te.crop != nil {
				s.Crops++
			}
		}
	}
	for _, fm := range e.frames {
		s.Frames += len(fm)
		for _, fe := range fm {
			if !fe.dropped {
				s.PinnedFrames++
			}
			if fe.panorama != nil {
				s.Panoramas++
			}
		}
	}
	s.CacheList = e.cacheListLocked()
	return s
}

func (e *Engine) trackMap(stream uint32) map[uint64]*trackEntry {
	tm, ok := e.tracks[stream]
	if !ok {
		tm = make(map[uint64]*trackEntry)
		e.tracks[stream] = tm
	}
	return tm
}

func (e *Engine) frameMap(stream uint32) map[uint64]*frameEntry {
	fm, ok := e.frames[stream]
	if !ok {
		fm = make(map[uint64]*frameEntry)
		e.frames[stream] = fm
	}
	return fm
}

func (e *Engine) frameFind(stream uint32, fid uint64) bool {
	_, ok := e.frameMap(stream)[fid]
	return ok
}

// attach pins the frame of ref for track id.
func (e *Engine) attach(ref *frame.Ref, id uint64) {
	f := ref.Frame()
	fm := e.frameMap(f.StreamID)
	fe, ok := fm[f.FrameID]
	if !ok {
		fe = &frameEntry{ref: ref.Clone()}
		fm[f.FrameID] = fe
	} else if fe.dropped {
		fe.ref = ref.Clone()
		fe.dropped = false
	}
	fe.tracks = append(fe.tracks, id)
}

// trackDelete detaches a track from its frame and frees its crop. The entry itself is erased
// when forced, in Best mode, or once the push budget is spent.
func (e *Engine) trackDelete(cfg Config, stream uint32, id uint64, force bool) {
	tm := e.trackMap(stream)
	te, ok := tm[id]
	if !ok {
		return
	}
	e.release(te.crop)
	te.crop = nil
	e.frameDelete(stream, te.obj.FrameID, id)

	if force || cfg.Strategy.Mode == ModeBest || te.pushCount >= cfg.Strategy.Count {
		delete(tm, id)
	}
}

// frameDelete removes track id from a frame entry and erases the entry once no track uses it.
func (e *Engine) frameDelete(stream uint32, fid, id uint64) {
	fm := e.frameMap(stream)
	fe, ok := fm[fid]
	if !ok {
		return
	}
	for i, t := range fe.tracks {
		if t == id {
			fe.tracks = append(fe.tracks[:i], fe.tracks[i+1:]...)
			break
		}
	}
	if len(fe.tracks) > 0 {
		return
	}
	e.release(fe.panorama)
	fe.panorama = nil
	if !fe.dropped {
		fe.ref.Release()
		fe.dropped = true
	}
	delete(fm, fid)
}

func (e *Engine) release(img *objects.Image) {
	if img == nil {
		return
	}
	if r, ok := e.enc.(Releaser); ok {
		r.Release(*img)
	}
}

func (e *Engine) clearLocked() {
	for stream, tm := range e.tracks {
		for id, te := range tm {
			e.release(te.crop)
			te.crop = nil
			e.frameDelete(stream, te.obj.FrameID, id)
		}
	}
	for _, fm := range e.frames {
		for _, fe := range fm {
			e.release(fe.panorama)
			if !fe.dropped {
				fe.ref.Release()
				fe.dropped = true
			}
		}
	}
	e.tracks = make(map[uint32]map[uint64]*trackEntry)
	e.frames = make(map[uint32]map[uint64]*frameEntry)
	e.cache = make(map[uint32][]uint64)
}

func (e *Engine) cacheListLocked() []CacheItem {
	streams := make([]uint32, 0, len(e.cache))
	for s := range e.cache {
		streams = append(streams, s)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i] < streams[j] })
	var out []CacheItem
	for _, s := range streams {
		for _, fid := range e.cache[s] {
			out = append(out, CacheItem{StreamID: s, FrameID: fid})
		}
	}
	return out
}

func snapshot(it objects.Item, frameID uint64) objects.Item {
	s := it.Clone()
	s.FrameID = frameID
	s.Crop = nil
	s.Panorama = nil
	return s
}

func sortedIDs(tm map[uint64]*trackEntry) []uint64 {
	ids := make([]uint64, 0, len(tm))
	for id := range tm {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func toSet(ids []uint64) map[uint64]struct{} {
	s := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}
