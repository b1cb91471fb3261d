package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kalambet/exhibit/internal/frame"
)

// ErrMissingToken is returned by Load when no API token is configured.
var ErrMissingToken = errors.New("missing required config: auth token")

type Config struct {
	Server      ServerConfig      `toml:"server"`
	Auth        AuthConfig        `toml:"auth"`
	Storage     StorageConfig     `toml:"storage"`
	Analysis    AnalysisConfig    `toml:"analysis"`
	Calibration CalibrationConfig `toml:"calibration"`
	Detector    DetectorConfig    `toml:"detector"`
	Retention   RetentionConfig   `toml:"retention"`
	Admission   AdmissionConfig   `toml:"admission"`
	Log         LogConfig         `toml:"log"`
}

type ServerConfig struct {
	Host string `toml:"host" validate:"required"`
	Port int    `toml:"port" validate:"min=1,max=65535"`
}

// Addr is the listen address.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// URL is the base URL CLI clients use to reach the server.
func (c ServerConfig) URL() string {
	host := c.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.Port))
}

type AuthConfig struct {
	Token string `toml:"token"`
}

type StorageConfig struct {
	DataDir string `toml:"data_dir" validate:"required"`
	// UploadDir defaults to <data_dir>/uploads when empty.
	UploadDir string `toml:"upload_dir"`
}

// Uploads returns the directory uploaded videos are written to.
func (c StorageConfig) Uploads() string {
	if c.UploadDir != "" {
		return c.UploadDir
	}
	return filepath.Join(c.DataDir, "uploads")
}

type AnalysisConfig struct {
	Stride          int           `toml:"stride" validate:"min=1"`
	Workers         int           `toml:"workers" validate:"min=1,max=64"`
	FrameTimeout    time.Duration `toml:"frame_timeout" validate:"gt=0"`
	ObjectThreshold float64       `toml:"object_threshold" validate:"gte=0,lte=1"`
	FaceConfidence  float64       `toml:"face_confidence" validate:"gte=0,lte=1"`
}

type CalibrationConfig struct {
	Sharpness  float64 `toml:"sharpness" validate:"gt=0"`
	Brightness float64 `toml:"brightness" validate:"gt=0"`
	Contrast   float64 `toml:"contrast" validate:"gt=0"`
	Noise      float64 `toml:"noise" validate:"gt=0"`
}

// Frame converts the configured divisors for the scorer.
func (c CalibrationConfig) Frame() frame.Calibration {
	return frame.Calibration{
		Sharpness:  c.Sharpness,
		Brightness: c.Brightness,
		Contrast:   c.Contrast,
		Noise:      c.Noise,
	}
}

type DetectorConfig struct {
	BaseURL      string        `toml:"base_url" validate:"required,url"`
	Timeout      time.Duration `toml:"timeout" validate:"gt=0"`
	SceneEnabled bool          `toml:"scene_enabled"`
}

type RetentionConfig struct {
	Schedule string        `toml:"schedule" validate:"required"`
	MaxAge   time.Duration `toml:"max_age" validate:"gt=0"`
	// ArchiveMaxAge of zero keeps archived summaries forever.
	ArchiveMaxAge time.Duration `toml:"archive_max_age" validate:"gte=0"`
}

type AdmissionConfig struct {
	// Rate is uploads per second; zero disables admission control.
	Rate  float64 `toml:"rate" validate:"gte=0"`
	Burst int     `toml:"burst" validate:"min=1"`
}

type LogConfig struct {
	Level string `toml:"level" validate:"oneof=debug info warn error"`
}

func defaults() Config {
	cal := frame.DefaultCalibration()
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Analysis: AnalysisConfig{
			Stride:          30,
			Workers:         4,
			FrameTimeout:    30 * time.Second,
			ObjectThreshold: 0.5,
			FaceConfidence:  0.95,
		},
		Calibration: CalibrationConfig{
			Sharpness:  cal.Sharpness,
			Brightness: cal.Brightness,
			Contrast:   cal.Contrast,
			Noise:      cal.Noise,
		},
		Detector: DetectorConfig{
			BaseURL:      "http://localhost:8500",
			Timeout:      20 * time.Second,
			SceneEnabled: true,
		},
		Retention: RetentionConfig{
			Schedule: "0 */10 * * * *",
			MaxAge:   24 * time.Hour,
		},
		Admission: AdmissionConfig{
			Rate:  2,
			Burst: 4,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the TOML file, environment variables and
// the platform secret store, and requires an auth token.
//
// The file lives at $XDG_CONFIG_HOME/exhibit/config.toml. Environment
// variables (EXHIBIT_*) override file values. The token is never read from
// the file: set EXHIBIT_AUTH_TOKEN or store it with `exhibit config
// set-token`.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{}, true)
}

// LoadLocal is Load without the token requirement, for commands that never
// talk to a server.
func LoadLocal() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{}, false)
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

const (
	secretService = "exhibit"
	tokenAccount  = "auth_token"
)

func loadWith(b ConfigBackend, kc keychain, requireToken bool) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Auth.Token == "" {
		if tok, err := kc.Get(secretService, tokenAccount); err == nil && tok != "" {
			cfg.Auth.Token = tok
		}
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}

	if requireToken && cfg.Auth.Token == "" {
		return Config{}, fmt.Errorf("%w. Set it via environment variable EXHIBIT_AUTH_TOKEN or `exhibit config set-token`%s",
			ErrMissingToken, secretHint())
	}

	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks every field constraint and reports violations by config
// key, e.g. "analysis.workers".
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		key := strings.TrimPrefix(fe.Namespace(), "Config.")
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		msgs = append(msgs, fmt.Sprintf("%s=%v violates %s", key, fe.Value(), rule))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// SetToken stores the API token in the platform secret store.
func SetToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("token must not be empty")
	}
	return keychainSet(secretService, tokenAccount, token)
}
