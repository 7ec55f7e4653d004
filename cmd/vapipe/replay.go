package main

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.viam.com/rdk/logging"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/viam-modules/video-analytics/config"
	"github.com/viam-modules/video-analytics/errcode"
	"github.com/viam-modules/video-analytics/frame"
	"github.com/viam-modules/video-analytics/objects"
	"github.com/viam-modules/video-analytics/pipeline"
)

const (
	defaultIdle   = time.Second
	pollTimeoutMs = 100
)

type replayOptions struct {
	detections  string
	images      string
	configPath  string
	metricsAddr string
	fps         float64
	idle        time.Duration
}

type recordedDetection struct {
	Class string       `yaml:"class"`
	Score float64      `yaml:"score"`
	Rect  objects.Rect `yaml:"rect"`
}

type recordedFrame struct {
	FrameID    uint64              `yaml:"frame_id"`
	Detections []recordedDetection `yaml:"detections"`
}

// recording is the replay input. yaml and json both parse.
type recording struct {
	StreamID uint32          `yaml:"stream_id"`
	Width    int             `yaml:"width"`
	Height   int             `yaml:"height"`
	Frames   []recordedFrame `yaml:"frames"`
}

func loadRecording(path string) (*recording, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rec := &recording{}
	if err := yaml.Unmarshal(data, rec); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	if len(rec.Frames) == 0 {
		return nil, errors.Errorf("%s has no frames", path)
	}
	if rec.Width <= 0 || rec.Height <= 0 {
		rec.Width, rec.Height = config.DefaultOriginWidth, config.DefaultOriginHeight
	}
	for i := range rec.Frames {
		if rec.Frames[i].FrameID == 0 {
			rec.Frames[i].FrameID = uint64(i + 1)
		}
	}
	return rec, nil
}

// recordedDetector answers Detect from a recording.
type recordedDetector struct {
	byFrame map[uint64][]objects.Detection
}

func newRecordedDetector(rec *recording, classNames []string, logger logging.Logger) *recordedDetector {
	d := &recordedDetector{byFrame: make(map[uint64][]objects.Detection, len(rec.Frames))}
	for _, fr := range rec.Frames {
		dets := make([]objects.Detection, 0, len(fr.Detections))
		for _, rd := range fr.Detections {
			id := objects.ClassID(classNames, rd.Class)
			if id < 0 {
				logger.Debugf("frame %d: skipping unknown class %q", fr.FrameID, rd.Class)
				continue
			}
			dets = append(dets, objects.Detection{ClassID: id, Score: rd.Score, Rect: rd.Rect})
		}
		d.byFrame[fr.FrameID] = dets
	}
	return d
}

func (d *recordedDetector) Detect(ctx context.Context, f *frame.Frame) ([]objects.Detection, error) {
	return d.byFrame[f.FrameID], ctx.Err()
}

// imageSource hands out frame images, cycling through a directory or a blank canvas.
type imageSource struct {
	paths []string
	blank image.Image
}

func newImageSource(dir string, w, h int) (*imageSource, error) {
	src := &imageSource{}
	if dir == "" {
		src.blank = imaging.New(w, h, color.Black)
		return src, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png", ".bmp", ".gif", ".tif", ".tiff":
			src.paths = append(src.paths, filepath.Join(dir, e.Name()))
		}
	}
	if len(src.paths) == 0 {
		return nil, errors.Errorf("no images in %s", dir)
	}
	sort.Strings(src.paths)
	return src, nil
}

func (s *imageSource) image(i int) (image.Image, error) {
	if s.blank != nil {
		return s.blank, nil
	}
	return imaging.Open(s.paths[i%len(s.paths)])
}

type resultLine struct {
	StreamID  uint32       `json:"stream_id"`
	FrameID   uint64       `json:"frame_id"`
	Objects   []objectLine `json:"objects"`
	Pushed    []objectLine `json:"pushed,omitempty"`
	CacheList []uint64     `json:"cache_list,omitempty"`
}

type objectLine struct {
	Category   string       `json:"category"`
	TrackID    uint64       `json:"track_id"`
	State      string       `json:"state"`
	Confidence float64      `json:"confidence"`
	Rect       objects.Rect `json:"rect"`
	FrameID    uint64       `json:"frame_id,omitempty"`
	CropBytes  int          `json:"crop_bytes,omitempty"`
}

func toLine(res *pipeline.Result) resultLine {
	line := resultLine{StreamID: res.StreamID, FrameID: res.FrameID, Objects: []objectLine{}}
	conv := func(it objects.Item) objectLine {
		ol := objectLine{
			Category:   it.Category,
			TrackID:    it.TrackID,
			State:      it.State.String(),
			Confidence: it.Confidence,
			Rect:       it.Rect,
		}
		if it.Crop != nil {
			ol.FrameID = it.Crop.FrameID
			ol.CropBytes = len(it.Crop.Data)
		}
		return ol
	}
	for _, it := range res.Objects {
		line.Objects = append(line.Objects, conv(it))
	}
	for _, it := range res.Pushed {
		line.Pushed = append(line.Pushed, conv(it))
	}
	for _, c := range res.CacheList {
		line.CacheList = append(line.CacheList, c.FrameID)
	}
	return line
}

func runReplay(ctx context.Context, opts replayOptions, out io.Writer, logger logging.Logger) error {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return err
		}
	}
	rec, err := loadRecording(opts.detections)
	if err != nil {
		return err
	}
	images, err := newImageSource(opts.images, rec.Width, rec.Height)
	if err != nil {
		return err
	}
	if opts.idle <= 0 {
		opts.idle = defaultIdle
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := pipeline.NewMetrics(reg)

	engine, err := pipeline.New(cfg, pipeline.Deps{
		Detector: newRecordedDetector(rec, cfg.ClassNames, logger),
		Metrics:  metrics,
		Logger:   logger.Sublogger("pipeline"),
	})
	if err != nil {
		return err
	}
	if err := engine.Start(); err != nil {
		return err
	}
	defer engine.Stop()

	if opts.metricsAddr != "" {
		srv := &http.Server{
			Addr:              opts.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Infof("serving metrics on %s", opts.metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("metrics server: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warnf("metrics server shutdown: %v", err)
			}
		}()
	}

	fed := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(fed)
		return feed(gctx, engine, rec, images, opts.fps)
	})
	g.Go(func() error {
		return consume(gctx, engine, fed, opts.idle, json.NewEncoder(out))
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Infof("replayed %d frames, push stats %+v", len(rec.Frames), engine.Stats())
	return nil
}

func feed(ctx context.Context, engine *pipeline.Engine, rec *recording, images *imageSource, fps float64) error {
	var interval time.Duration
	if fps > 0 {
		interval = time.Duration(float64(time.Second) / fps)
	}
	for i, fr := range rec.Frames {
		img, err := images.image(i)
		if err != nil {
			return err
		}
		b := img.Bounds()
		f := &frame.Frame{
			StreamID: rec.StreamID,
			FrameID:  fr.FrameID,
			Width:    b.Dx(),
			Height:   b.Dy(),
			Image:    img,
		}
		for {
			err := engine.SendFrame(ctx, f, pollTimeoutMs)
			if err == nil {
				break
			}
			if !errcode.IsRetryable(err) {
				return errors.Wrapf(err, "sending frame %d", fr.FrameID)
			}
		}
		if interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	}
	return nil
}

// consume prints results until the feeder is done and no result arrives for idle.
func consume(ctx context.Context, engine *pipeline.Engine, fed <-chan struct{}, idle time.Duration, enc *json.Encoder) error {
	var idleSince time.Time
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := engine.GetResult(pollTimeoutMs)
		if err != nil {
			if !errcode.IsRetryable(err) {
				return err
			}
			select {
			case <-fed:
				if idleSince.IsZero() {
					idleSince = time.Now()
				} else if time.Since(idleSince) >= idle {
					return nil
				}
			default:
			}
			continue
		}
		idleSince = time.Time{}
		line := toLine(res)
		res.Release()
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
}
