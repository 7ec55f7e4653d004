// Package config holds the typed pipeline configuration. It is the only place key/value
// blobs and config files are decoded, and it rejects any key it does not know.
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/viam-modules/video-analytics/errcode"
	"github.com/viam-modules/video-analytics/filter"
	"github.com/viam-modules/video-analytics/objects"
	"github.com/viam-modules/video-analytics/push"
	"github.com/viam-modules/video-analytics/tracker"
)

var (
	DefaultQueueDepth     = 20
	DefaultBodyConfidence = 0.55
	DefaultConfidence     = 0.5
	DefaultOriginWidth    = 1920
	DefaultOriginHeight   = 1080
)

// Size is a minimum box size in pixels.
type Size struct {
	Width  float64 `json:"width" yaml:"width" toml:"width"`
	Height float64 `json:"height" yaml:"height" toml:"height"`
}

// Config is the full pipeline configuration. Field names match the keys accepted by Apply.
type Config struct {
	ClassNames []string `json:"class_names,omitempty" yaml:"class_names,omitempty" toml:"class_names,omitempty"`

	TrackDisable bool `json:"track_disable" yaml:"track_disable" toml:"track_disable"`
	PushDisable  bool `json:"push_disable" yaml:"push_disable" toml:"push_disable"`

	PushStrategy push.Strategy `json:"push_strategy" yaml:"push_strategy" toml:"push_strategy"`
	// TargetConfig lists the categories to keep. Empty keeps everything.
	TargetConfig []string `json:"target_config,omitempty" yaml:"target_config,omitempty" toml:"target_config,omitempty"`

	BodyMaxTargetCount    int `json:"body_max_target_count" yaml:"body_max_target_count" toml:"body_max_target_count"`
	VehicleMaxTargetCount int `json:"vehicle_max_target_count" yaml:"vehicle_max_target_count" toml:"vehicle_max_target_count"`
	CycleMaxTargetCount   int `json:"cycle_max_target_count" yaml:"cycle_max_target_count" toml:"cycle_max_target_count"`

	BodyConfidence    float64 `json:"body_confidence" yaml:"body_confidence" toml:"body_confidence"`
	FaceConfidence    float64 `json:"face_confidence" yaml:"face_confidence" toml:"face_confidence"`
	VehicleConfidence float64 `json:"vehicle_confidence" yaml:"vehicle_confidence" toml:"vehicle_confidence"`
	CycleConfidence   float64 `json:"cycle_confidence" yaml:"cycle_confidence" toml:"cycle_confidence"`
	PlateConfidence   float64 `json:"plate_confidence" yaml:"plate_confidence" toml:"plate_confidence"`

	BodyMinSize    Size `json:"body_min_size" yaml:"body_min_size" toml:"body_min_size"`
	FaceMinSize    Size `json:"face_min_size" yaml:"face_min_size" toml:"face_min_size"`
	VehicleMinSize Size `json:"vehicle_min_size" yaml:"vehicle_min_size" toml:"vehicle_min_size"`
	CycleMinSize   Size `json:"cycle_min_size" yaml:"cycle_min_size" toml:"cycle_min_size"`
	PlateMinSize   Size `json:"plate_min_size" yaml:"plate_min_size" toml:"plate_min_size"`

	DetectROI filter.ROI `json:"detect_roi" yaml:"detect_roi" toml:"detect_roi"`

	CropEncoderQPLevel float64       `json:"crop_encoder_qpLevel" yaml:"crop_encoder_qpLevel" toml:"crop_encoder_qpLevel"`
	FrameCacheDepth    int           `json:"frame_cache_depth" yaml:"frame_cache_depth" toml:"frame_cache_depth"`
	PushPanorama       push.Panorama `json:"push_panorama" yaml:"push_panorama" toml:"push_panorama"`

	PushQualityBody    push.Quality `json:"push_quality_body" yaml:"push_quality_body" toml:"push_quality_body"`
	PushQualityVehicle push.Quality `json:"push_quality_vehicle" yaml:"push_quality_vehicle" toml:"push_quality_vehicle"`
	PushQualityCycle   push.Quality `json:"push_quality_cycle" yaml:"push_quality_cycle" toml:"push_quality_cycle"`
	PushQualityFace    push.Quality `json:"push_quality_face" yaml:"push_quality_face" toml:"push_quality_face"`
	PushQualityPlate   push.Quality `json:"push_quality_plate" yaml:"push_quality_plate" toml:"push_quality_plate"`

	// NMSThresh re-runs class-aware NMS on detector output when positive.
	NMSThresh float64 `json:"nms_thresh" yaml:"nms_thresh" toml:"nms_thresh"`

	Tracker tracker.Config `json:"tracker" yaml:"tracker" toml:"tracker"`

	InputQueueDepth  int `json:"input_queue_depth" yaml:"input_queue_depth" toml:"input_queue_depth"`
	OutputQueueDepth int `json:"output_queue_depth" yaml:"output_queue_depth" toml:"output_queue_depth"`

	// OriginWidth and OriginHeight are reported on every result. Zero uses the frame size.
	OriginWidth  int `json:"origin_width" yaml:"origin_width" toml:"origin_width"`
	OriginHeight int `json:"origin_height" yaml:"origin_height" toml:"origin_height"`
}

// Default returns the stock configuration. Push starts disabled.
func Default() Config {
	pc := push.DefaultConfig()
	return Config{
		ClassNames:         append([]string(nil), objects.DefaultClassNames...),
		PushDisable:        true,
		PushStrategy:       pc.Strategy,
		BodyConfidence:     DefaultBodyConfidence,
		FaceConfidence:     DefaultConfidence,
		VehicleConfidence:  DefaultConfidence,
		CycleConfidence:    DefaultConfidence,
		PlateConfidence:    DefaultConfidence,
		CropEncoderQPLevel: pc.CropQuality,
		FrameCacheDepth:    pc.CacheDepth,
		Tracker:            tracker.DefaultConfig(),
		InputQueueDepth:    DefaultQueueDepth,
		OutputQueueDepth:   DefaultQueueDepth,
		OriginWidth:        DefaultOriginWidth,
		OriginHeight:       DefaultOriginHeight,
	}
}

// Validate checks every section and normalizes the push mode.
func (c *Config) Validate() error {
	if len(c.ClassNames) == 0 {
		return illegal(errors.New("class_names cannot be empty"))
	}
	mode, err := push.ParseMode(string(c.PushStrategy.Mode))
	if err != nil {
		return illegal(err)
	}
	c.PushStrategy.Mode = mode
	for _, n := range c.TargetConfig {
		if objects.ClassID(c.ClassNames, n) < 0 {
			return illegal(errors.Errorf("target_config names unknown class %q", n))
		}
	}
	if c.BodyMaxTargetCount < 0 || c.VehicleMaxTargetCount < 0 || c.CycleMaxTargetCount < 0 {
		return illegal(errors.New("max target counts cannot be less than 0"))
	}
	if c.InputQueueDepth < 1 || c.OutputQueueDepth < 1 {
		return illegal(errors.New("queue depths must be at least 1"))
	}
	if c.OriginWidth < 0 || c.OriginHeight < 0 {
		return illegal(errors.New("origin size cannot be negative"))
	}
	if c.NMSThresh < 0 || c.NMSThresh > 1 {
		return illegal(errors.New("nms_thresh must be between 0 and 1"))
	}
	if err := c.Tracker.Validate(); err != nil {
		return illegal(err)
	}
	if err := c.PushConfig().Validate(); err != nil {
		return illegal(err)
	}
	return nil
}

func illegal(err error) error {
	return errcode.New(errcode.IllegalParameter, err.Error())
}

// Constraints returns the filter snapshot for this configuration.
func (c Config) Constraints() filter.Constraints {
	return filter.Constraints{
		ClassNames:  c.ClassNames,
		WantClasses: c.TargetConfig,
		ROI:         c.DetectROI,
		Filters: map[string]filter.ClassFilter{
			objects.Body:    {MinWidth: c.BodyMinSize.Width, MinHeight: c.BodyMinSize.Height, Confidence: c.BodyConfidence},
			objects.Vehicle: {MinWidth: c.VehicleMinSize.Width, MinHeight: c.VehicleMinSize.Height, Confidence: c.VehicleConfidence},
			objects.Cycle:   {MinWidth: c.CycleMinSize.Width, MinHeight: c.CycleMinSize.Height, Confidence: c.CycleConfidence},
			objects.Face:    {MinWidth: c.FaceMinSize.Width, MinHeight: c.FaceMinSize.Height, Confidence: c.FaceConfidence},
			objects.Plate:   {MinWidth: c.PlateMinSize.Width, MinHeight: c.PlateMinSize.Height, Confidence: c.PlateConfidence},
		},
		MaxTargetCount: filter.MaxTargetCount{
			Body:    c.BodyMaxTargetCount,
			Vehicle: c.VehicleMaxTargetCount,
			Cycle:   c.CycleMaxTargetCount,
		},
		NMSThresh: c.NMSThresh,
	}
}

// PushConfig returns the push engine snapshot for this configuration.
func (c Config) PushConfig() push.Config {
	cons := c.Constraints()
	return push.Config{
		Disable:     c.PushDisable,
		Strategy:    c.PushStrategy,
		CacheDepth:  c.FrameCacheDepth,
		CropQuality: c.CropEncoderQPLevel,
		Panorama:    c.PushPanorama,
		Quality: map[string]push.Quality{
			objects.Body:    c.PushQualityBody,
			objects.Vehicle: c.PushQualityVehicle,
			objects.Cycle:   c.PushQualityCycle,
			objects.Face:    c.PushQualityFace,
			objects.Plate:   c.PushQualityPlate,
		},
		ROI:     c.DetectROI,
		MinSize: cons.Filters,
	}
}

// Clone returns a copy that shares no slices with c.
func (c Config) Clone() Config {
	out := c
	out.ClassNames = append([]string(nil), c.ClassNames...)
	if c.TargetConfig != nil {
		out.TargetConfig = append([]string(nil), c.TargetConfig...)
	}
	return out
}

// Apply returns c with the given keys overwritten. Nested sections are merged field by
// field. Unknown keys, wrongly typed values and values that fail validation are rejected
// and c is left untouched.
func (c Config) Apply(kv map[string]any) (Config, error) {
	if kv == nil {
		return c, errcode.New(errcode.NullPointer, "nil config map")
	}
	raw, err := json.Marshal(kv)
	if err != nil {
		return c, errcode.New(errcode.IllegalParameter, err.Error())
	}
	next := c.Clone()
	if err := decodeJSON(raw, &next); err != nil {
		return c, err
	}
	if err := next.Validate(); err != nil {
		return c, err
	}
	return next, nil
}

// Load reads a YAML, JSON or TOML file over the defaults. The format is chosen by extension.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, errcode.Newf(errcode.IllegalParameter, "parse %s: %v", path, err)
		}
	case ".json":
		if err := decodeJSON(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse %s", path)
		}
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, errcode.Newf(errcode.IllegalParameter, "parse %s: %v", path, err)
		}
	default:
		return Config{}, errcode.Newf(errcode.NotSupported, "unsupported config format %q", filepath.Ext(path))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrapf(err, "invalid config %s", path)
	}
	return cfg, nil
}

func decodeJSON(data []byte, into *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return errcode.New(errcode.IllegalParameter, err.Error())
	}
	return nil
}
