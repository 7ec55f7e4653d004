package config

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"

	"github.com/viam-modules/video-analytics/errcode"
	"github.com/viam-modules/video-analytics/objects"
	"github.com/viam-modules/video-analytics/push"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	test.That(t, cfg.PushDisable, test.ShouldBeTrue)
	test.That(t, cfg.PushStrategy.Mode, test.ShouldEqual, push.ModeBest)

	cons := cfg.Constraints()
	test.That(t, cons.Filters[objects.Body].Confidence, test.ShouldEqual, 0.55)
	test.That(t, cons.Filters[objects.Plate].Confidence, test.ShouldEqual, 0.5)
}

func TestApply(t *testing.T) {
	base := Default()
	next, err := base.Apply(map[string]any{
		"push_disable":          false,
		"push_strategy":         map[string]any{"push_mode": 1, "push_counts": 3},
		"body_max_target_count": 2,
		"target_config":         []string{"body", "face"},
		"detect_roi":            map[string]any{"enable": true, "rect": map[string]any{"x": 0, "y": 0, "w": 640, "h": 480}},
		"push_quality_vehicle":  map[string]any{"quality": 0.7},
		"tracker":               map[string]any{"track_buffer": 60},
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, next.PushDisable, test.ShouldBeFalse)
	test.That(t, next.PushStrategy.Mode, test.ShouldEqual, push.ModeFast)
	test.That(t, next.PushStrategy.Count, test.ShouldEqual, 3)
	// fields of a section that were not named keep their value
	test.That(t, next.PushStrategy.IntervalMs, test.ShouldEqual, push.DefaultIntervalMs)
	test.That(t, next.Tracker.TrackBuffer, test.ShouldEqual, 60)
	test.That(t, next.Tracker.HighMatchThresh, test.ShouldEqual, 0.8)
	test.That(t, next.Constraints().MaxTargetCount.Body, test.ShouldEqual, 2)
	test.That(t, next.DetectROI.Rect.W, test.ShouldEqual, 640.0)

	pc := next.PushConfig()
	test.That(t, pc.Quality[objects.Vehicle].Quality, test.ShouldEqual, 0.7)
	test.That(t, pc.Quality[objects.Face].Quality, test.ShouldEqual, 0.0)

	// the receiver is untouched
	test.That(t, base.PushDisable, test.ShouldBeTrue)
	test.That(t, base.TargetConfig, test.ShouldBeNil)
}

func TestApplyRejects(t *testing.T) {
	base := Default()
	for _, kv := range []map[string]any{
		{"no_such_key": 1},
		{"push_strategy": map[string]any{"push_mode": "fast", "bogus": true}},
		{"body_max_target_count": "two"},
		{"push_strategy": map[string]any{"push_mode": 9}},
		{"crop_encoder_qpLevel": 100},
		{"target_config": []string{"dog"}},
		{"tracker": map[string]any{"solver": "greedy"}},
	} {
		_, err := base.Apply(kv)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, errcode.Is(err, errcode.IllegalParameter), test.ShouldBeTrue)
	}
	_, err := base.Apply(nil)
	test.That(t, errcode.Is(err, errcode.NullPointer), test.ShouldBeTrue)
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	test.That(t, os.WriteFile(p, []byte(body), 0o600), test.ShouldBeNil)
	return p
}

func TestLoadFormats(t *testing.T) {
	yml := writeFile(t, "pipeline.yaml", `
push_disable: false
push_strategy:
  push_mode: interval
  interval_times: 500
vehicle_max_target_count: 4
tracker:
  solver: munkres
`)
	cfg, err := Load(yml)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.PushStrategy.Mode, test.ShouldEqual, push.ModeInterval)
	test.That(t, cfg.PushStrategy.IntervalMs, test.ShouldEqual, 500)
	test.That(t, cfg.VehicleMaxTargetCount, test.ShouldEqual, 4)
	test.That(t, cfg.Tracker.Solver, test.ShouldEqual, "munkres")
	test.That(t, cfg.Tracker.TrackBuffer, test.ShouldEqual, 30)

	js := writeFile(t, "pipeline.json", `{"track_disable": true, "push_strategy": {"push_mode": 3}}`)
	cfg, err = Load(js)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.TrackDisable, test.ShouldBeTrue)
	test.That(t, cfg.PushStrategy.Mode, test.ShouldEqual, push.ModeBest)

	tml := writeFile(t, "pipeline.toml", `
frame_cache_depth = 3
body_confidence = 0.4

[push_strategy]
push_mode = "best"
push_counts = 1
`)
	cfg, err = Load(tml)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.FrameCacheDepth, test.ShouldEqual, 3)
	test.That(t, cfg.BodyConfidence, test.ShouldEqual, 0.4)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	for name, body := range map[string]string{
		"a.yaml": "push_disable: false\nmystery: 1\n",
		"a.json": `{"mystery": 1}`,
		"a.toml": "mystery = 1\n",
	} {
		_, err := Load(writeFile(t, name, body))
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, errcode.Is(err, errcode.IllegalParameter), test.ShouldBeTrue)
	}

	_, err := Load(writeFile(t, "a.ini", "x=1"))
	test.That(t, errcode.Is(err, errcode.NotSupported), test.ShouldBeTrue)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	test.That(t, err, test.ShouldNotBeNil)
}
