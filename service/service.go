// Package service exposes the video analytics pipeline as a Viam vision service.
package service

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/gostream"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/vision"
	vis "go.viam.com/rdk/vision"
	"go.viam.com/rdk/vision/classification"
	objdet "go.viam.com/rdk/vision/objectdetection"
	"go.viam.com/rdk/vision/viscapture"
	viamutils "go.viam.com/utils"

	"github.com/viam-modules/video-analytics/config"
	"github.com/viam-modules/video-analytics/errcode"
	"github.com/viam-modules/video-analytics/frame"
	"github.com/viam-modules/video-analytics/objects"
	"github.com/viam-modules/video-analytics/pipeline"
	"github.com/viam-modules/video-analytics/tracker"
)

// ModelName is the name of the model
const (
	ModelName              = "video-analytics"
	NewObjectDetectedLabel = "new-object-detected"
)

var (
	// Model is viam:vision:video-analytics.
	Model                  = resource.NewModel("viam", "vision", ModelName)
	errUnimplemented       = errors.New("unimplemented")
	DefaultMaxFrequency    = 10.0
	DefaultTriggerCoolDown = 5.0
	DefaultMaxLogs         = 1000
)

type allObjects struct {
	mutex   sync.RWMutex
	objects []trackedObject
}

type currentDetections struct {
	mutex      sync.RWMutex
	detections []objdet.Detection
}

// captured rides along a frame as its user data.
type captured struct {
	img image.Image
	at  time.Time
}

func init() {
	resource.RegisterService(vision.API, Model, resource.Registration[vision.Service, *Config]{
		Constructor: newAnalytics,
	})
}

type analytics struct {
	resource.Named
	logger        logging.Logger
	cancelFunc    context.CancelFunc
	cancelContext context.Context

	triggerCancelFunc context.CancelFunc
	triggerContext    context.Context

	activeBackgroundWorkers sync.WaitGroup
	currDetections          currentDetections
	currImg                 atomic.Pointer[image.Image]
	labels                  *labeler

	allFreshObjects allObjects

	newInstance atomic.Bool
	coolDown    float64
	properties  vision.Properties

	cam       camera.Camera
	camName   string
	frequency float64
	engine    atomic.Pointer[pipeline.Engine]

	statsMu   sync.Mutex
	timeStats []time.Duration
	pushed    int
}

func newAnalytics(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (vision.Service, error) {
	a := &analytics{
		Named:  conf.ResourceName().AsNamed(),
		logger: logger,
		labels: newLabeler(labelIdle(tracker.DefaultConfig())),
		properties: vision.Properties{
			ClassificationSupported: true,
			DetectionSupported:      true,
			ObjectPCDsSupported:     false,
		},
	}
	if err := a.Reconfigure(ctx, deps, conf); err != nil {
		return nil, err
	}
	return a, nil
}

// Config contains names for necessary resources (camera and vision service) and the
// pipeline settings.
type Config struct {
	CameraName      string             `json:"camera_name"`
	DetectorName    string             `json:"detector_name"`
	MaxFrequency    float64            `json:"max_frequency_hz"`
	TriggerCoolDown *float64           `json:"trigger_cool_down_s,omitempty"`
	ChosenLabels    map[string]float64 `json:"chosen_labels,omitempty"`
	// LabelMap renames detector labels to pipeline categories, e.g. "person": "body".
	LabelMap map[string]string `json:"label_map,omitempty"`
	// Pipeline holds pipeline configuration keys, see config.Config.
	Pipeline map[string]interface{} `json:"pipeline,omitempty"`
}

// Validate validates the config and returns implicit dependencies,
// this Validate checks if the camera and detector(vision svc) exist for the module's vision model.
func (cfg *Config) Validate(path string) ([]string, error) {
	if cfg.CameraName == "" {
		return nil, fmt.Errorf(`expected "camera_name" attribute for video analytics %q`, path)
	}
	if cfg.DetectorName == "" {
		return nil, fmt.Errorf(`expected "detector_name" attribute for video analytics %q`, path)
	}
	if cfg.MaxFrequency < 0 {
		return nil, errors.New("frequency(Hz) must be a positive number")
	}
	if cfg.TriggerCoolDown != nil && *cfg.TriggerCoolDown < 0 {
		return nil, errors.New("trigger_cool_down_s is a duration given in seconds and should be above 0")
	}
	if _, err := cfg.pipelineConfig(); err != nil {
		return nil, err
	}
	return []string{cfg.CameraName, cfg.DetectorName}, nil
}

func (cfg *Config) pipelineConfig() (config.Config, error) {
	pc := config.Default()
	if len(cfg.Pipeline) == 0 {
		return pc, nil
	}
	pc, err := pc.Apply(cfg.Pipeline)
	if err != nil {
		return config.Config{}, errors.Wrap(err, "invalid pipeline attributes")
	}
	return pc, nil
}

// Reconfigure stops the running pipeline, if any, and starts a new one with the new settings.
func (a *analytics) Reconfigure(ctx context.Context, deps resource.Dependencies, conf resource.Config) error {
	a.stop()

	analyticsConfig, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return errors.Errorf("Could not assert proper config for %s", ModelName)
	}
	pc, err := analyticsConfig.pipelineConfig()
	if err != nil {
		return err
	}

	a.labels.maxIdle = labelIdle(pc.Tracker)
	a.frequency = analyticsConfig.MaxFrequency
	if a.frequency == 0 {
		a.frequency = DefaultMaxFrequency
	}
	a.coolDown = DefaultTriggerCoolDown
	if analyticsConfig.TriggerCoolDown != nil {
		a.coolDown = *analyticsConfig.TriggerCoolDown
	}

	a.camName = analyticsConfig.CameraName
	a.cam, err = camera.FromDependencies(deps, analyticsConfig.CameraName)
	if err != nil {
		return errors.Wrapf(err, "unable to get camera %v for video analytics", analyticsConfig.CameraName)
	}
	detector, err := vision.FromDependencies(deps, analyticsConfig.DetectorName)
	if err != nil {
		return errors.Wrapf(err, "unable to get detector %v for video analytics", analyticsConfig.DetectorName)
	}

	engine, err := pipeline.New(pc, pipeline.Deps{
		Detector: &visionDetector{
			src:          detector,
			classNames:   pc.ClassNames,
			labelMap:     lowerKeys(analyticsConfig.LabelMap),
			chosenLabels: lowerKeysF(analyticsConfig.ChosenLabels),
		},
		Metrics: pipeline.NewMetrics(prometheus.DefaultRegisterer),
		Logger:  a.logger.Sublogger("pipeline"),
	})
	if err != nil {
		return err
	}
	engine.RegisterCallback(a.onResult)
	if err := engine.Start(); err != nil {
		return err
	}
	a.engine.Store(engine)

	cancelableCtx, cancel := context.WithCancel(context.Background())
	a.cancelFunc = cancel
	a.cancelContext = cancelableCtx

	stream, err := a.cam.Stream(cancelableCtx, nil)
	if err != nil {
		a.stop()
		return err
	}
	a.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		a.run(stream, engine, cancelableCtx)
	}, func() {
		stream.Close(context.Background())
		a.activeBackgroundWorkers.Done()
	})
	return nil
}

// run is a (cancelable) infinite loop that feeds camera frames into the pipeline at the
// configured frequency.
func (a *analytics) run(stream gostream.VideoStream, engine *pipeline.Engine, cancelableCtx context.Context) {
	var frameID uint64
	for {
		select {
		case <-cancelableCtx.Done():
			return
		default:
			start := time.Now()
			img, release, err := stream.Next(cancelableCtx)
			if err != nil {
				a.logger.Errorf("can't get image. got err: %s", err)
				continue
			}
			if img == nil {
				a.logger.Errorf("got nil image")
				continue
			}
			frameID++
			b := img.Bounds()
			f := &frame.Frame{
				FrameID:  frameID,
				Width:    b.Dx(),
				Height:   b.Dy(),
				Image:    img,
				UserData: captured{img: img, at: start},
			}
			// the pipeline works on the decoded image, so the stream buffer can go back now
			if release != nil {
				release()
			}
			if err := engine.SendFrame(cancelableCtx, f, int(time.Second/time.Millisecond)); err != nil {
				if !errcode.IsRetryable(err) {
					if cancelableCtx.Err() == nil {
						a.logger.Errorf("pipeline refused frame %d, stopping camera loop: %v", frameID, err)
					}
					return
				}
				a.logger.Debugf("frame %d dropped: %v", frameID, err)
			}

			waitFor := time.Duration((1/a.frequency)*float64(time.Second)) - time.Since(start)
			if waitFor > time.Microsecond {
				select {
				case <-cancelableCtx.Done():
					return
				case <-time.After(waitFor):
				}
			}
		}
	}
}

// onResult runs on the pipeline worker for every processed frame.
func (a *analytics) onResult(res *pipeline.Result) {
	a.labels.next()
	defer a.labels.sweep()
	dets := make([]objdet.Detection, 0, len(res.Objects))
	var fresh []trackedObject
	for _, it := range res.Objects {
		label, isNew := a.labels.label(it)
		if it.State == objects.StatusDie {
			a.labels.forget(it.TrackID)
			continue
		}
		if isNew {
			to, err := newTrackedObjectFromLabel(label)
			if err != nil {
				a.logger.Error(err)
			}
			fresh = append(fresh, to)
		}
		dets = append(dets, toDetection(it, label))
	}

	if len(fresh) > 0 {
		a.trigger()
		a.allFreshObjects.mutex.Lock()
		a.allFreshObjects.objects = append(a.allFreshObjects.objects, fresh...)
		if n := len(a.allFreshObjects.objects); n > DefaultMaxLogs {
			a.allFreshObjects.objects = a.allFreshObjects.objects[n-DefaultMaxLogs:]
		}
		a.allFreshObjects.mutex.Unlock()
	}

	a.currDetections.mutex.Lock()
	a.currDetections.detections = dets
	a.currDetections.mutex.Unlock()

	if c, ok := res.UserData.(captured); ok {
		a.currImg.Store(&c.img)
		a.statsMu.Lock()
		a.timeStats = append(a.timeStats, time.Since(c.at))
		a.pushed += len(res.Pushed)
		a.statsMu.Unlock()
	}
}

func (a *analytics) trigger() {
	if a.triggerCancelFunc != nil {
		a.triggerCancelFunc()
	}
	parent := a.cancelContext
	if parent == nil {
		parent = context.Background()
	}
	triggerContext, triggerCancelFunc := context.WithCancel(parent)
	a.triggerContext = triggerContext
	a.triggerCancelFunc = triggerCancelFunc

	a.newInstance.Store(true)
	a.activeBackgroundWorkers.Add(1)

	viamutils.ManagedGo(
		func() {
			coolDownTimer := time.After(time.Duration(a.coolDown * float64(time.Second)))
			select {
			case <-coolDownTimer:
				a.newInstance.Store(false)
				return
			case <-triggerContext.Done():
				return
			}
		},
		func() {
			a.activeBackgroundWorkers.Done()
		})
}

// stop cancels the camera loop and stops the pipeline before waiting, so no callback
// can start a cool-down timer after the wait.
func (a *analytics) stop() {
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	if engine := a.engine.Swap(nil); engine != nil {
		engine.Stop()
	}
	a.activeBackgroundWorkers.Wait()
}

// labelIdle is how many results a label survives without its track, one more than a lost
// track is kept.
func labelIdle(cfg tracker.Config) int {
	return cfg.TrackBuffer + 1
}

func (a *analytics) current(ctx context.Context) ([]objdet.Detection, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		a.currDetections.mutex.RLock()
		defer a.currDetections.mutex.RUnlock()
		return a.currDetections.detections, nil
	}
}

func (a *analytics) classifications() classification.Classifications {
	if a.newInstance.Load() {
		return []classification.Classification{classification.NewClassification(1, NewObjectDetectedLabel)}
	}
	return []classification.Classification{}
}

func (a *analytics) DetectionsFromCamera(
	ctx context.Context,
	cameraName string,
	extra map[string]interface{},
) ([]objdet.Detection, error) {
	if cameraName != a.camName {
		return nil, errors.Errorf("Camera name given to method, %v is not the same as configured camera %v", cameraName, a.camName)
	}
	return a.current(ctx)
}

func (a *analytics) Detections(ctx context.Context, img image.Image, extra map[string]interface{}) ([]objdet.Detection, error) {
	return a.current(ctx)
}

func (a *analytics) ClassificationsFromCamera(
	ctx context.Context,
	cameraName string,
	n int,
	extra map[string]interface{},
) (classification.Classifications, error) {
	if cameraName != a.camName {
		return nil, errors.Errorf("Camera name given to method, %v is not the same as configured camera %v", cameraName, a.camName)
	}
	return a.classifications(), nil
}

func (a *analytics) Classifications(ctx context.Context, img image.Image,
	n int, extra map[string]interface{},
) (classification.Classifications, error) {
	return a.classifications(), nil
}

func (a *analytics) GetProperties(ctx context.Context, extra map[string]interface{}) (*vision.Properties, error) {
	return &a.properties, nil
}

func (a *analytics) GetObjectPointClouds(
	ctx context.Context,
	cameraName string,
	extra map[string]interface{},
) ([]*vis.Object, error) {
	return nil, errUnimplemented
}

func (a *analytics) CaptureAllFromCamera(
	ctx context.Context,
	cameraName string,
	opt viscapture.CaptureOptions,
	extra map[string]interface{},
) (viscapture.VisCapture, error) {
	var out viscapture.VisCapture
	if opt.ReturnImage {
		if cameraName != a.camName {
			return viscapture.VisCapture{}, errors.Errorf("Camera name given to method, %v is not the same as configured camera %v", cameraName, a.camName)
		}
		if img := a.currImg.Load(); img != nil {
			out.Image = *img
		}
	}
	if opt.ReturnDetections {
		dets, err := a.current(ctx)
		if err != nil {
			return viscapture.VisCapture{}, err
		}
		out.Detections = dets
	}
	if opt.ReturnClassifications {
		out.Classifications = a.classifications()
	}
	return out, nil
}

func (a *analytics) Close(ctx context.Context) error {
	a.stop()
	return nil
}

type benchmark struct {
	Slowest      float64
	Fastest      float64
	Average      float64
	NumberOfRuns int
}

// DoCommand supports "benchmark", "logs", "stats" and "config". "config" takes a map of
// pipeline keys and applies it to the running pipeline.
func (a *analytics) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if cmd["benchmark"] != nil {
		a.statsMu.Lock()
		stats := append([]time.Duration(nil), a.timeStats...)
		a.statsMu.Unlock()
		if n := len(stats); n > 0 {
			tmin, tmax := stats[0], stats[0]
			var sum time.Duration
			for _, tt := range stats {
				if tt < tmin {
					tmin = tt
				}
				if tt > tmax {
					tmax = tt
				}
				sum += tt
			}
			out["benchmark"] = benchmark{
				Slowest:      float64(tmax),
				Fastest:      float64(tmin),
				Average:      float64(sum / time.Duration(n)),
				NumberOfRuns: n,
			}
		} else {
			out["benchmark"] = benchmark{}
		}
	}
	if cmd["logs"] != nil {
		a.allFreshObjects.mutex.RLock()
		out["logs"] = append([]trackedObject(nil), a.allFreshObjects.objects...)
		a.allFreshObjects.mutex.RUnlock()
	}
	if cmd["stats"] != nil {
		a.statsMu.Lock()
		out["pushed"] = a.pushed
		a.statsMu.Unlock()
		if engine := a.engine.Load(); engine != nil {
			out["stats"] = engine.Stats()
		}
	}
	if raw, ok := cmd["config"]; ok {
		kv, ok := raw.(map[string]interface{})
		if !ok {
			return nil, errors.New(`"config" must be a map of pipeline keys`)
		}
		engine := a.engine.Load()
		if engine == nil {
			return nil, errors.New("pipeline is not running")
		}
		if err := engine.Apply(kv); err != nil {
			return nil, err
		}
		out["config"] = "applied"
	}
	return out, nil
}

func lowerKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = strings.ToLower(v)
	}
	return out
}

func lowerKeysF(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}
