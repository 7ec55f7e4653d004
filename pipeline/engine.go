// Package pipeline runs frames through detection, tracking, filtering and the push engine
// on a dedicated worker, and delivers results by callback or through a bounded queue.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.viam.com/rdk/logging"
	viamutils "go.viam.com/utils"

	"github.com/viam-modules/video-analytics/config"
	"github.com/viam-modules/video-analytics/encoder"
	"github.com/viam-modules/video-analytics/errcode"
	"github.com/viam-modules/video-analytics/filter"
	"github.com/viam-modules/video-analytics/frame"
	"github.com/viam-modules/video-analytics/objects"
	"github.com/viam-modules/video-analytics/push"
	"github.com/viam-modules/video-analytics/queue"
	"github.com/viam-modules/video-analytics/tracker"
)

// Detector turns a frame into boxes in source-image coordinates.
type Detector interface {
	Detect(ctx context.Context, f *frame.Frame) ([]objects.Detection, error)
}

// Callback receives every result when registered. It runs on the worker; the result and
// its frame are released when it returns.
type Callback func(res *Result)

// Deps are the collaborators an Engine is built from. Detector is required; the rest
// default to an in-process JPEG encoder, no-op refcounting, unregistered metrics, the
// process-wide track id allocator and a logger named "pipeline".
type Deps struct {
	Detector   Detector
	Encoder    push.Encoder
	RefCounter frame.RefCounter
	IDs        *tracker.IDs
	Metrics    *Metrics
	Logger     logging.Logger
}

// Result is what the pipeline reports for one frame.
type Result struct {
	StreamID     uint32
	FrameID      uint64
	OriginWidth  int
	OriginHeight int
	UserData     any
	// Objects are the tracked objects of the frame, or the raw detections when tracking is disabled.
	Objects []objects.Item
	// Pushed are the snapshots emitted by the push engine for this frame.
	Pushed    []objects.Item
	CacheList []push.CacheItem

	release  func(stream uint32, it objects.Item)
	released atomic.Bool
}

// Release hands the pushed images back to the engine. Calling it more than once is safe.
func (r *Result) Release() {
	if r == nil || !r.released.CompareAndSwap(false, true) || r.release == nil {
		return
	}
	for _, it := range r.Pushed {
		r.release(r.StreamID, it)
	}
}

type pending struct {
	ref *frame.Ref
	res *Result
}

func (p *pending) discard() {
	p.ref.Release()
	p.res.Release()
}

// Engine is one pipeline instance.
type Engine struct {
	id       string
	logger   logging.Logger
	detector Detector
	rc       frame.RefCounter
	metrics  *Metrics
	tracker  *tracker.Tracker
	push     *push.Engine

	cfgMu sync.RWMutex
	cfg   config.Config

	cbMu     sync.RWMutex
	callback Callback

	input   *queue.Queue[*frame.Ref]
	detectQ *queue.Queue[*pending]
	trackQ  *queue.Queue[*pending]

	cancelCtx  context.Context
	cancelFunc context.CancelFunc

	activeBackgroundWorkers sync.WaitGroup
	started                 atomic.Bool
	stopped                 atomic.Bool
}

// New builds an engine from cfg. It does not start the worker.
func New(cfg config.Config, deps Deps) (*Engine, error) {
	if deps.Detector == nil {
		return nil, errcode.New(errcode.NullPointer, "pipeline needs a detector")
	}
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewLogger("pipeline")
	}
	if deps.Encoder == nil {
		deps.Encoder = encoder.NewJPEG(0)
	}
	if deps.RefCounter == nil {
		deps.RefCounter = frame.NopCounter{}
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}

	tr, err := tracker.New(cfg.Tracker, deps.IDs, deps.Logger.Sublogger("tracker"))
	if err != nil {
		return nil, errcode.New(errcode.IllegalParameter, err.Error())
	}
	pe, err := push.New(cfg.PushConfig(), deps.Encoder, deps.Logger.Sublogger("push"))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		id:         uuid.NewString(),
		logger:     deps.Logger,
		detector:   deps.Detector,
		rc:         deps.RefCounter,
		metrics:    deps.Metrics,
		tracker:    tr,
		push:       pe,
		cfg:        cfg,
		input:      queue.New[*frame.Ref](cfg.InputQueueDepth),
		detectQ:    queue.New[*pending](cfg.OutputQueueDepth),
		trackQ:     queue.New[*pending](cfg.OutputQueueDepth),
		cancelCtx:  ctx,
		cancelFunc: cancel,
	}
	e.logger.Debugf("pipeline %s created", e.id)
	return e, nil
}

// ID identifies the engine in logs.
func (e *Engine) ID() string {
	return e.id
}

// Config returns a copy of the current configuration.
func (e *Engine) Config() config.Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg.Clone()
}

// SetConfig validates cfg and installs it on the tracker, the push engine and the queues.
// Nothing changes when validation fails.
func (e *Engine) SetConfig(cfg config.Config) error {
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	if err := e.tracker.SetConfig(cfg.Tracker); err != nil {
		return errcode.New(errcode.IllegalParameter, err.Error())
	}
	if err := e.push.SetConfig(cfg.PushConfig()); err != nil {
		return err
	}
	e.input.SetCapacity(cfg.InputQueueDepth)
	e.detectQ.SetCapacity(cfg.OutputQueueDepth)
	e.trackQ.SetCapacity(cfg.OutputQueueDepth)
	e.cfg = cfg
	return nil
}

// Apply overwrites the given configuration keys. See config.Config.Apply.
func (e *Engine) Apply(kv map[string]any) error {
	next, err := e.Config().Apply(kv)
	if err != nil {
		return err
	}
	return e.SetConfig(next)
}

// RegisterCallback switches delivery to fn. A nil fn switches back to GetResult.
func (e *Engine) RegisterCallback(fn Callback) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.callback = fn
}

func (e *Engine) getCallback() Callback {
	e.cbMu.RLock()
	defer e.cbMu.RUnlock()
	return e.callback
}

// Start launches the worker.
func (e *Engine) Start() error {
	if e.stopped.Load() {
		return errcode.ErrClosed
	}
	if !e.started.CompareAndSwap(false, true) {
		return errcode.New(errcode.AlreadyInitialized, "pipeline already started")
	}
	e.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(e.run, e.activeBackgroundWorkers.Done)
	return nil
}

// Stop shuts the worker down, waits for it to exit and releases everything still queued
// or pinned. Blocked SendFrame and GetResult calls return Unexist. It is idempotent.
func (e *Engine) Stop() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	e.cancelFunc()
	e.input.Close()
	e.detectQ.Close()
	e.trackQ.Close()
	e.activeBackgroundWorkers.Wait()

	for _, ref := range e.input.Drain() {
		ref.Release()
	}
	for _, p := range e.detectQ.Drain() {
		p.discard()
	}
	for _, p := range e.trackQ.Drain() {
		p.discard()
	}
	e.push.Close()
	e.updateDepth()
	e.logger.Debugf("pipeline %s stopped", e.id)
}

// SendFrame queues a copy of f for processing. The frame's refcount is incremented for as
// long as the pipeline holds it, and rolled back if it cannot be queued.
func (e *Engine) SendFrame(ctx context.Context, f *frame.Frame, timeout int) error {
	if f == nil {
		return errcode.New(errcode.NullPointer, "nil frame")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.stopped.Load() {
		return errcode.ErrClosed
	}
	handle := *f
	ref := frame.Acquire(e.rc, &handle)
	if err := e.input.Push(ref, timeout); err != nil {
		ref.Release()
		e.metrics.Frames.WithLabelValues(outcomeRejected).Inc()
		return err
	}
	e.metrics.Frames.WithLabelValues(outcomeAccepted).Inc()
	e.updateDepth()
	return nil
}

// GetResult waits up to timeout milliseconds for the next result. It reads the detection
// queue while tracking is disabled and the tracking queue otherwise. The caller must call
// Release on the result.
func (e *Engine) GetResult(timeout int) (*Result, error) {
	q := e.trackQ
	if e.Config().TrackDisable {
		q = e.detectQ
	}
	p, err := q.Pop(timeout)
	if err != nil {
		return nil, err
	}
	p.ref.Release()
	e.updateDepth()
	return p.res, nil
}

// Stats returns the push engine's bookkeeping.
func (e *Engine) Stats() push.Stats {
	return e.push.Stats()
}

func (e *Engine) run() {
	for {
		ref, err := e.input.Pop(-1)
		if err != nil {
			if errcode.Is(err, errcode.Unexist) {
				e.logger.Debugf("pipeline %s input closed", e.id)
				return
			}
			e.logger.Errorf("pop failed: %v", err)
			continue
		}
		if e.cancelCtx.Err() != nil {
			ref.Release()
			e.metrics.Frames.WithLabelValues(outcomeCanceled).Inc()
			continue
		}
		e.process(ref)
	}
}

func (e *Engine) process(ref *frame.Ref) {
	start := time.Now()
	cfg := e.Config()
	f := ref.Frame()

	dets, err := e.detector.Detect(e.cancelCtx, f)
	if err != nil {
		e.logger.Errorf("detect failed on frame %s: %v", f.Key(), err)
		e.metrics.Frames.WithLabelValues(outcomeDetectError).Inc()
		ref.Release()
		return
	}
	cons := cfg.Constraints()
	dets = filter.Detections(cons, dets)

	res := &Result{
		StreamID:     f.StreamID,
		FrameID:      f.FrameID,
		OriginWidth:  cfg.OriginWidth,
		OriginHeight: cfg.OriginHeight,
		UserData:     f.UserData,
		release:      e.push.Release,
	}
	if res.OriginWidth == 0 || res.OriginHeight == 0 {
		res.OriginWidth, res.OriginHeight = f.Size()
	}

	if cfg.TrackDisable {
		res.Objects = detectionItems(cfg.ClassNames, f.FrameID, dets)
		e.deliver(e.detectQ, &pending{ref: ref, res: res})
		e.metrics.FrameSeconds.Observe(time.Since(start).Seconds())
		return
	}

	tracks := e.tracker.Update(f.StreamID, f.FrameID, dets)
	res.Objects = filter.Items(cons, tracker.Items(cfg.ClassNames, f.FrameID, tracks))
	for _, it := range res.Objects {
		e.metrics.Objects.WithLabelValues(it.Category, it.State.String()).Inc()
	}

	if !cfg.PushDisable {
		for _, it := range res.Objects {
			if err := e.push.Update(ref, it); err != nil {
				e.logger.Warnf("push update of track %d failed: %v", it.TrackID, err)
			}
		}
		pushed, cache, err := e.push.Finalize(e.cancelCtx, ref)
		if err != nil {
			e.logger.Warnf("push finalize of frame %s failed: %v", f.Key(), err)
		}
		res.Pushed = pushed
		res.CacheList = cache
		for _, it := range pushed {
			e.metrics.Pushes.WithLabelValues(it.Category, it.State.String()).Inc()
		}
	}

	e.deliver(e.trackQ, &pending{ref: ref, res: res})
	e.metrics.FrameSeconds.Observe(time.Since(start).Seconds())
}

// deliver hands p to the callback, or queues it, evicting the oldest result when full.
func (e *Engine) deliver(q *queue.Queue[*pending], p *pending) {
	e.metrics.Frames.WithLabelValues(outcomeProcessed).Inc()
	if cb := e.getCallback(); cb != nil {
		cb(p.res)
		p.discard()
		return
	}
	if q.IsFull() {
		if old, ok := q.TryPopOldest(); ok {
			old.discard()
			e.metrics.DroppedResults.Inc()
		}
	}
	if err := q.Push(p, 0); err != nil {
		p.discard()
		if !errcode.Is(err, errcode.Unexist) {
			e.logger.Warnf("dropping result of frame %d: %v", p.res.FrameID, err)
			e.metrics.DroppedResults.Inc()
		}
	}
	e.updateDepth()
}

func (e *Engine) updateDepth() {
	e.metrics.QueueDepth.WithLabelValues("input").Set(float64(e.input.Len()))
	e.metrics.QueueDepth.WithLabelValues("detect").Set(float64(e.detectQ.Len()))
	e.metrics.QueueDepth.WithLabelValues("track").Set(float64(e.trackQ.Len()))
}

func detectionItems(classNames []string, frameID uint64, dets []objects.Detection) []objects.Item {
	items := make([]objects.Item, 0, len(dets))
	for _, d := range dets {
		items = append(items, objects.Item{
			Category:   objects.ClassName(classNames, d.ClassID),
			ClassID:    d.ClassID,
			FrameID:    frameID,
			Rect:       d.Rect,
			Confidence: d.Score,
			Points:     d.Points,
		})
	}
	return items
}
