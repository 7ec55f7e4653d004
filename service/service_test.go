package service

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"go.viam.com/rdk/logging"
	objdet "go.viam.com/rdk/vision/objectdetection"
	"go.viam.com/rdk/vision/viscapture"
	"go.viam.com/test"

	"github.com/viam-modules/video-analytics/config"
	"github.com/viam-modules/video-analytics/frame"
	"github.com/viam-modules/video-analytics/objects"
	"github.com/viam-modules/video-analytics/pipeline"
	"github.com/viam-modules/video-analytics/tracker"
)

const (
	LabelDet0 string = "person"
	LabelDet1 string = "car"
	LabelDet2 string = "fish"
)

type FakeDetector struct {
	res []objdet.Detection
	err error
}

func (fd *FakeDetector) Detections(context.Context, image.Image, map[string]interface{}) ([]objdet.Detection, error) {
	return fd.res, fd.err
}

func blank(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.White)
	return img
}

func newTestAnalytics(t *testing.T) *analytics {
	return &analytics{
		logger:   logging.NewTestLogger(t),
		labels:   newLabeler(labelIdle(tracker.DefaultConfig())),
		camName:  "cam",
		coolDown: 0.05,
	}
}

func TestVisionDetector(t *testing.T) {
	fd := &FakeDetector{res: []objdet.Detection{
		objdet.NewDetection(image.Rect(0, 0, 10, 20), 0.9, LabelDet0),
		objdet.NewDetection(image.Rect(20, 20, 60, 40), 0.8, "Car"),
		objdet.NewDetection(image.Rect(5, 5, 15, 15), 0.99, LabelDet2),
	}}
	d := &visionDetector{
		src:        fd,
		classNames: objects.DefaultClassNames,
		labelMap:   lowerKeys(map[string]string{"Person": "Body", LabelDet1: objects.Vehicle}),
	}
	f := &frame.Frame{FrameID: 1, Width: 100, Height: 100, Image: blank(100, 100)}

	dets, err := d.Detect(context.Background(), f)
	test.That(t, err, test.ShouldBeNil)
	// fish has no class
	test.That(t, len(dets), test.ShouldEqual, 2)
	test.That(t, dets[0].ClassID, test.ShouldEqual, objects.ClassID(objects.DefaultClassNames, objects.Body))
	test.That(t, dets[0].Rect, test.ShouldResemble, objects.Rect{X: 0, Y: 0, W: 10, H: 20})
	test.That(t, dets[1].ClassID, test.ShouldEqual, objects.ClassID(objects.DefaultClassNames, objects.Vehicle))
	test.That(t, dets[1].Score, test.ShouldAlmostEqual, 0.8)

	t.Run("chosen labels", func(t *testing.T) {
		d.chosenLabels = lowerKeysF(map[string]float64{"PERSON": 0.95, "car": 0.5})
		dets, err := d.Detect(context.Background(), f)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, len(dets), test.ShouldEqual, 1)
		test.That(t, dets[0].ClassID, test.ShouldEqual, objects.ClassID(objects.DefaultClassNames, objects.Vehicle))
		d.chosenLabels = nil
	})

	t.Run("no image", func(t *testing.T) {
		_, err := d.Detect(context.Background(), &frame.Frame{FrameID: 2})
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("source error", func(t *testing.T) {
		fd.err = errors.New("boom")
		_, err := d.Detect(context.Background(), f)
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestLabels(t *testing.T) {
	l := newLabeler(3)
	l.now = func() time.Time { return time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC) }

	lb, fresh := l.label(objects.Item{Category: objects.Body, TrackID: 7})
	test.That(t, fresh, test.ShouldBeTrue)
	test.That(t, lb, test.ShouldEqual, "body_7_20240309_140507")

	l.now = time.Now
	again, fresh := l.label(objects.Item{Category: objects.Body, TrackID: 7})
	test.That(t, fresh, test.ShouldBeFalse)
	test.That(t, again, test.ShouldEqual, lb)

	to, err := newTrackedObjectFromLabel(lb)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, to.Label, test.ShouldEqual, objects.Body)
	test.That(t, to.ID, test.ShouldEqual, 7)
	test.That(t, to.Time, test.ShouldEqual, "20240309_140507")

	l.forget(7)
	_, fresh = l.label(objects.Item{Category: objects.Body, TrackID: 7})
	test.That(t, fresh, test.ShouldBeTrue)

	_, err = newTrackedObjectFromLabel("body")
	test.That(t, err, test.ShouldNotBeNil)
	_, err = newTrackedObjectFromLabel("body_x_1")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestOnResult(t *testing.T) {
	a := newTestAnalytics(t)
	img := blank(40, 40)
	at := time.Now()

	a.onResult(&pipeline.Result{
		FrameID:  1,
		UserData: captured{img: img, at: at},
		Objects: []objects.Item{
			{Category: objects.Body, TrackID: 1, Rect: objects.Rect{W: 10, H: 10}, Confidence: 0.9, State: objects.StatusNew},
			{Category: objects.Vehicle, TrackID: 2, Rect: objects.Rect{X: 20, W: 10, H: 10}, Confidence: 0.7, State: objects.StatusNew},
		},
		Pushed: []objects.Item{{Category: objects.Body, TrackID: 1}},
	})

	dets, err := a.Detections(context.Background(), nil, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(dets), test.ShouldEqual, 2)
	checkLabel(t, dets[0], "body_1_")
	checkLabel(t, dets[1], "vehicle_2_")
	test.That(t, *dets[1].BoundingBox(), test.ShouldResemble, image.Rect(20, 0, 30, 10))

	cls, err := a.Classifications(context.Background(), nil, 1, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(cls), test.ShouldEqual, 1)
	test.That(t, cls[0].Label(), test.ShouldEqual, NewObjectDetectedLabel)

	// track 1 updates, track 2 dies
	a.onResult(&pipeline.Result{
		FrameID: 2,
		Objects: []objects.Item{
			{Category: objects.Body, TrackID: 1, Rect: objects.Rect{X: 1, W: 10, H: 10}, Confidence: 0.9, State: objects.StatusUpdate},
			{Category: objects.Vehicle, TrackID: 2, State: objects.StatusDie},
		},
	})
	dets, err = a.DetectionsFromCamera(context.Background(), "cam", nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(dets), test.ShouldEqual, 1)
	checkLabel(t, dets[0], "body_1_")

	_, err = a.DetectionsFromCamera(context.Background(), "other", nil)
	test.That(t, err, test.ShouldNotBeNil)

	out, err := a.DoCommand(context.Background(), map[string]interface{}{"logs": true, "benchmark": true, "stats": true})
	test.That(t, err, test.ShouldBeNil)
	logs := out["logs"].([]trackedObject)
	test.That(t, len(logs), test.ShouldEqual, 2)
	test.That(t, logs[1].ID, test.ShouldEqual, 2)
	test.That(t, out["benchmark"].(benchmark).NumberOfRuns, test.ShouldEqual, 1)
	test.That(t, out["pushed"], test.ShouldEqual, 1)

	capt, err := a.CaptureAllFromCamera(context.Background(), "cam", viscapture.CaptureOptions{
		ReturnImage:           true,
		ReturnDetections:      true,
		ReturnClassifications: true,
	}, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, capt.Image, test.ShouldEqual, img)
	test.That(t, len(capt.Detections), test.ShouldEqual, 1)

	// cool-down expires
	time.Sleep(200 * time.Millisecond)
	cls, err = a.ClassificationsFromCamera(context.Background(), "cam", 1, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(cls), test.ShouldEqual, 0)

	test.That(t, a.Close(context.Background()), test.ShouldBeNil)
}

func checkLabel(t *testing.T, value objdet.Detection, target string) {
	test.That(t, value.Label()[:len(target)], test.ShouldEqual, target)
}

func TestDoCommandConfig(t *testing.T) {
	a := newTestAnalytics(t)
	_, err := a.DoCommand(context.Background(), map[string]interface{}{"config": map[string]interface{}{"push_disable": false}})
	test.That(t, err, test.ShouldNotBeNil)

	e, err := pipeline.New(config.Default(), pipeline.Deps{
		Detector: &visionDetector{src: &FakeDetector{}, classNames: objects.DefaultClassNames},
		Logger:   logging.NewTestLogger(t),
	})
	test.That(t, err, test.ShouldBeNil)
	a.engine.Store(e)

	out, err := a.DoCommand(context.Background(), map[string]interface{}{"config": map[string]interface{}{
		"push_disable":    false,
		"body_confidence": 0.8,
	}})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out["config"], test.ShouldEqual, "applied")
	test.That(t, e.Config().PushDisable, test.ShouldBeFalse)
	test.That(t, e.Config().BodyConfidence, test.ShouldAlmostEqual, 0.8)

	_, err = a.DoCommand(context.Background(), map[string]interface{}{"config": map[string]interface{}{"no_such_key": 1}})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = a.DoCommand(context.Background(), map[string]interface{}{"config": "push_disable"})
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, a.Close(context.Background()), test.ShouldBeNil)
	test.That(t, a.engine.Load(), test.ShouldBeNil)
}

func TestConfigValidate(t *testing.T) {
	neg := -1.0
	for _, tc := range []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"minimal", Config{CameraName: "cam", DetectorName: "det"}, true},
		{"pipeline keys", Config{CameraName: "cam", DetectorName: "det", Pipeline: map[string]interface{}{
			"push_disable": false, "push_strategy": map[string]interface{}{"push_mode": "best"}, "frame_cache_depth": 4,
		}}, true},
		{"no camera", Config{DetectorName: "det"}, false},
		{"no detector", Config{CameraName: "cam"}, false},
		{"negative frequency", Config{CameraName: "cam", DetectorName: "det", MaxFrequency: -2}, false},
		{"negative cool down", Config{CameraName: "cam", DetectorName: "det", TriggerCoolDown: &neg}, false},
		{"unknown pipeline key", Config{CameraName: "cam", DetectorName: "det", Pipeline: map[string]interface{}{"nope": 1}}, false},
		{"bad strategy", Config{CameraName: "cam", DetectorName: "det", Pipeline: map[string]interface{}{
			"push_strategy": map[string]interface{}{"push_mode": "sometimes"},
		}}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			deps, err := tc.cfg.Validate("services.0")
			if !tc.ok {
				test.That(t, err, test.ShouldNotBeNil)
				return
			}
			test.That(t, err, test.ShouldBeNil)
			test.That(t, deps, test.ShouldResemble, []string{"cam", "det"})
		})
	}
}

func TestAdvancedFilter(t *testing.T) {
	dets := []objdet.Detection{
		objdet.NewDetection(image.Rect(0, 0, 10, 10), 0.4, LabelDet0),
		objdet.NewDetection(image.Rect(0, 0, 10, 10), 0.9, LabelDet0),
		objdet.NewDetection(image.Rect(0, 0, 10, 10), 0.9, LabelDet2),
	}
	test.That(t, len(NewAdvancedFilter(nil)(dets)), test.ShouldEqual, 3)
	out := NewAdvancedFilter(map[string]float64{LabelDet0: 0.5})(dets)
	test.That(t, len(out), test.ShouldEqual, 1)
	test.That(t, out[0].Score(), test.ShouldEqual, 0.9)
}

func TestLabelerSweepsIdleTracks(t *testing.T) {
	l := newLabeler(3)
	l.next()
	l.label(objects.Item{Category: objects.Body, TrackID: 1})
	l.label(objects.Item{Category: objects.Body, TrackID: 2})
	l.sweep()

	// track 2 keeps showing up, track 1 never reports again and never dies
	for i := 0; i < 3; i++ {
		l.next()
		l.label(objects.Item{Category: objects.Body, TrackID: 2})
		l.sweep()
	}
	test.That(t, len(l.labels), test.ShouldEqual, 2)

	l.next()
	l.label(objects.Item{Category: objects.Body, TrackID: 2})
	l.sweep()
	test.That(t, len(l.labels), test.ShouldEqual, 1)
	_, ok := l.labels[2]
	test.That(t, ok, test.ShouldBeTrue)
}

func TestOneFrameBlipsDoNotAccumulateLabels(t *testing.T) {
	a := newTestAnalytics(t)
	cfg := tracker.DefaultConfig()
	tr, err := tracker.New(cfg, &tracker.IDs{}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	dies := 0
	for f := uint64(1); f <= 400; f++ {
		var dets []objects.Detection
		if f%2 == 1 {
			// every blip appears once at a fresh spot
			x := float64(f%40) * 40
			y := float64(f/40) * 40
			dets = []objects.Detection{{ClassID: 0, Score: 0.9, Rect: objects.Rect{X: x, Y: y, W: 20, H: 20}}}
		}
		items := tracker.Items(objects.DefaultClassNames, f, tr.Update(0, f, dets))
		for _, it := range items {
			if it.State == objects.StatusDie {
				dies++
			}
		}
		a.onResult(&pipeline.Result{FrameID: f, Objects: items})
	}
	test.That(t, dies, test.ShouldBeGreaterThan, 150)
	// only blips younger than the lost-track window are still labelled
	test.That(t, len(a.labels.labels), test.ShouldBeLessThanOrEqualTo, cfg.TrackBuffer/2+2)

	dets, err := a.Detections(context.Background(), nil, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(dets), test.ShouldEqual, 0)
	test.That(t, a.Close(context.Background()), test.ShouldBeNil)
}

func TestDoCommandWhileStopping(t *testing.T) {
	a := newTestAnalytics(t)
	e, err := pipeline.New(config.Default(), pipeline.Deps{
		Detector: &visionDetector{src: &FakeDetector{}, classNames: objects.DefaultClassNames},
		Logger:   logging.NewTestLogger(t),
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, e.Start(), test.ShouldBeNil)
	a.engine.Store(e)

	errs := make(chan error, 100)
	go func() {
		defer close(errs)
		for i := 0; i < 100; i++ {
			if _, err := a.DoCommand(context.Background(), map[string]interface{}{"stats": true}); err != nil {
				errs <- err
			}
		}
	}()
	test.That(t, a.Close(context.Background()), test.ShouldBeNil)
	for err := range errs {
		test.That(t, err, test.ShouldBeNil)
	}

	_, err = a.DoCommand(context.Background(), map[string]interface{}{"config": map[string]interface{}{"push_disable": false}})
	test.That(t, err, test.ShouldNotBeNil)
}
