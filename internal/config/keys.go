package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "EXHIBIT_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "EXHIBIT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "auth.token", typ: kString, env: "EXHIBIT_AUTH_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Auth.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "EXHIBIT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.upload_dir", typ: kString, env: "EXHIBIT_STORAGE_UPLOAD_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.UploadDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.UploadDir },
	},
	{
		key: "analysis.stride", typ: kInt, env: "EXHIBIT_ANALYSIS_STRIDE",
		apply:   func(cfg *Config, v any) { cfg.Analysis.Stride = v.(int) },
		extract: func(cfg Config) any { return cfg.Analysis.Stride },
	},
	{
		key: "analysis.workers", typ: kInt, env: "EXHIBIT_ANALYSIS_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Analysis.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Analysis.Workers },
	},
	{
		key: "analysis.frame_timeout", typ: kDuration, env: "EXHIBIT_ANALYSIS_FRAME_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Analysis.FrameTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Analysis.FrameTimeout },
	},
	{
		key: "analysis.object_threshold", typ: kFloat, env: "EXHIBIT_ANALYSIS_OBJECT_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Analysis.ObjectThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Analysis.ObjectThreshold },
	},
	{
		key: "analysis.face_confidence", typ: kFloat, env: "EXHIBIT_ANALYSIS_FACE_CONFIDENCE",
		apply:   func(cfg *Config, v any) { cfg.Analysis.FaceConfidence = v.(float64) },
		extract: func(cfg Config) any { return cfg.Analysis.FaceConfidence },
	},
	{
		key: "calibration.sharpness", typ: kFloat, env: "EXHIBIT_CALIBRATION_SHARPNESS",
		apply:   func(cfg *Config, v any) { cfg.Calibration.Sharpness = v.(float64) },
		extract: func(cfg Config) any { return cfg.Calibration.Sharpness },
	},
	{
		key: "calibration.brightness", typ: kFloat, env: "EXHIBIT_CALIBRATION_BRIGHTNESS",
		apply:   func(cfg *Config, v any) { cfg.Calibration.Brightness = v.(float64) },
		extract: func(cfg Config) any { return cfg.Calibration.Brightness },
	},
	{
		key: "calibration.contrast", typ: kFloat, env: "EXHIBIT_CALIBRATION_CONTRAST",
		apply:   func(cfg *Config, v any) { cfg.Calibration.Contrast = v.(float64) },
		extract: func(cfg Config) any { return cfg.Calibration.Contrast },
	},
	{
		key: "calibration.noise", typ: kFloat, env: "EXHIBIT_CALIBRATION_NOISE",
		apply:   func(cfg *Config, v any) { cfg.Calibration.Noise = v.(float64) },
		extract: func(cfg Config) any { return cfg.Calibration.Noise },
	},
	{
		key: "detector.base_url", typ: kString, env: "EXHIBIT_DETECTOR_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Detector.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Detector.BaseURL },
	},
	{
		key: "detector.timeout", typ: kDuration, env: "EXHIBIT_DETECTOR_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Detector.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Detector.Timeout },
	},
	{
		key: "detector.scene_enabled", typ: kBool, env: "EXHIBIT_DETECTOR_SCENE_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Detector.SceneEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Detector.SceneEnabled },
	},
	{
		key: "retention.schedule", typ: kString, env: "EXHIBIT_RETENTION_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Retention.Schedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Retention.Schedule },
	},
	{
		key: "retention.max_age", typ: kDuration, env: "EXHIBIT_RETENTION_MAX_AGE",
		apply:   func(cfg *Config, v any) { cfg.Retention.MaxAge = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retention.MaxAge },
	},
	{
		key: "retention.archive_max_age", typ: kDuration, env: "EXHIBIT_RETENTION_ARCHIVE_MAX_AGE",
		apply:   func(cfg *Config, v any) { cfg.Retention.ArchiveMaxAge = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retention.ArchiveMaxAge },
	},
	{
		key: "admission.rate", typ: kFloat, env: "EXHIBIT_ADMISSION_RATE",
		apply:   func(cfg *Config, v any) { cfg.Admission.Rate = v.(float64) },
		extract: func(cfg Config) any { return cfg.Admission.Rate },
	},
	{
		key: "admission.burst", typ: kInt, env: "EXHIBIT_ADMISSION_BURST",
		apply:   func(cfg *Config, v any) { cfg.Admission.Burst = v.(int) },
		extract: func(cfg Config) any { return cfg.Admission.Burst },
	},
	{
		key: "log.level", typ: kString, env: "EXHIBIT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parse converts raw text into the key's value type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func (s keySpec) typeName() string {
	switch s.typ {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	default:
		return "string"
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typeName(), s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typeName(), s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
