package push

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/viam-modules/video-analytics/filter"
)

// Mode selects when a track's snapshot is pushed.
type Mode string

// Push modes.
const (
	// ModeFast pushes as soon as a track is first seen.
	ModeFast Mode = "fast"
	// ModeInterval pushes at most once per interval.
	ModeInterval Mode = "interval"
	// ModeBest pushes the best snapshot once the track ends.
	ModeBest Mode = "best"
)

// ParseMode accepts a mode name or the numeric codes 1 (fast), 2 (interval) and 3 (best).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fast", "1":
		return ModeFast, nil
	case "interval", "2":
		return ModeInterval, nil
	case "best", "3":
		return ModeBest, nil
	default:
		return "", errors.Errorf("unknown push mode %q", s)
	}
}

// UnmarshalJSON accepts a mode name or its numeric code.
func (m *Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int
		if err := json.Unmarshal(data, &n); err != nil {
			return errors.Errorf("push_mode must be a name or a number, got %s", data)
		}
		s = strconv.Itoa(n)
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

var (
	DefaultMode        = ModeBest
	DefaultIntervalMs  = 2000
	DefaultCount       = 1
	DefaultCacheDepth  = 1
	DefaultCropQuality = 75.0
	MinCropQuality     = 1.0
	MaxCropQuality     = 99.0
)

// Strategy configures the push decision.
type Strategy struct {
	Mode       Mode `json:"push_mode" yaml:"push_mode" toml:"push_mode"`
	IntervalMs int  `json:"interval_times" yaml:"interval_times" toml:"interval_times"`
	Count      int  `json:"push_counts" yaml:"push_counts" toml:"push_counts"`
	SameFrame  bool `json:"push_same_frame" yaml:"push_same_frame" toml:"push_same_frame"`
}

// Quality is the per-class push gate. Face uses Width and Height instead of Quality.
type Quality struct {
	Quality float64 `json:"quality" yaml:"quality" toml:"quality"`
	Width   float64 `json:"width" yaml:"width" toml:"width"`
	Height  float64 `json:"height" yaml:"height" toml:"height"`
}

// Panorama enables pushing the whole frame alongside the crop.
type Panorama struct {
	Enable bool `json:"enable" yaml:"enable" toml:"enable"`
}

// Config is the push engine's configuration snapshot.
type Config struct {
	Disable     bool
	Strategy    Strategy
	CacheDepth  int
	CropQuality float64
	Panorama    Panorama
	Quality     map[string]Quality
	ROI         filter.ROI
	// MinSize reuses the detection filters; only the sizes are read.
	MinSize map[string]filter.ClassFilter
}

// DefaultConfig returns a Best-mode configuration with a single cached frame.
func DefaultConfig() Config {
	return Config{
		Strategy: Strategy{
			Mode:       DefaultMode,
			IntervalMs: DefaultIntervalMs,
			Count:      DefaultCount,
		},
		CacheDepth:  DefaultCacheDepth,
		CropQuality: DefaultCropQuality,
	}
}

// Validate checks the strategy and depths.
func (c Config) Validate() error {
	if _, err := ParseMode(string(c.Strategy.Mode)); err != nil {
		return err
	}
	if c.Strategy.IntervalMs < 0 {
		return errors.New("push interval cannot be less than 0")
	}
	if c.Strategy.Count < 1 {
		return errors.New("push count must be at least 1")
	}
	if c.CacheDepth < 1 {
		return errors.New("frame cache depth must be at least 1")
	}
	if c.CropQuality < MinCropQuality || c.CropQuality > MaxCropQuality {
		return errors.Errorf("crop quality must be between %v and %v", MinCropQuality, MaxCropQuality)
	}
	return nil
}

// depth is the effective cache depth: one frame for the eager modes.
func (c Config) depth() int {
	if c.Strategy.Mode == ModeFast || c.Strategy.Mode == ModeInterval {
		return 1
	}
	return c.CacheDepth
}

// resets reports whether switching from c to next must drop all push state.
func (c Config) resets(next Config) bool {
	return next.Disable || c.Strategy != next.Strategy
}
