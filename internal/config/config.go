package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/touchcapture/qrbridge/internal/barcode"
	"github.com/touchcapture/qrbridge/internal/device"
)

const (
	defaultPermissionTimeout = 60 * time.Second
	defaultEventBufferSize   = 100
	defaultLogLevel          = "info"
	defaultLogMaxFiles       = 5
)

// DirName is the per-user and per-project configuration directory.
const DirName = ".qrbridge"

// Config stores runtime settings loaded from TOML files.
type Config struct {
	CameraFacing      device.Facing
	AllowedFormats    barcode.FormatSet
	PermissionTimeout time.Duration
	EventBufferSize   int
	LogLevel          log.Level
	LogMaxFiles       int
	MetricsAddr       string
	OTelEndpoint      string
	OTelSampleRatio   float64
	Views             map[int]ViewConfig
}

// ViewConfig overrides construction defaults for one view id. Unset keys
// inherit the top-level values.
type ViewConfig struct {
	CameraFacing   device.Facing
	AllowedFormats barcode.FormatSet
	Owner          string
}

type fileConfig struct {
	CameraFacing      *int        `toml:"camera_facing"`
	AllowedFormats    *[]string   `toml:"allowed_formats"`
	PermissionTimeout *string     `toml:"permission_timeout"`
	EventBufferSize   *int        `toml:"event_buffer_size"`
	LogLevel          *string     `toml:"log_level"`
	LogMaxFiles       *int        `toml:"log_max_files"`
	MetricsAddr       *string     `toml:"metrics_addr"`
	OTel              *otelConfig `toml:"otel"`
}

type otelConfig struct {
	Endpoint    *string  `toml:"endpoint"`
	SampleRatio *float64 `toml:"sample_ratio"`
}

// Load reads config from ~/.qrbridge/config.toml and overlays a project-local
// .qrbridge/config.toml.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	return LoadFiles(ctx,
		filepath.Join(homeDir, DirName, "config.toml"),
		filepath.Join(workingDir, DirName, "config.toml"),
	)
}

// LoadFiles overlays paths onto the defaults in order. Missing files are
// skipped.
func LoadFiles(ctx context.Context, paths ...string) (*Config, error) {
	cfg := Defaults()
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		CameraFacing:      device.FacingBack,
		AllowedFormats:    barcode.NewFormatSet(),
		PermissionTimeout: defaultPermissionTimeout,
		EventBufferSize:   defaultEventBufferSize,
		LogLevel:          log.InfoLevel,
		LogMaxFiles:       defaultLogMaxFiles,
		Views:             map[int]ViewConfig{},
	}
}

// View resolves the construction defaults for viewID.
func (c *Config) View(viewID int) ViewConfig {
	if c == nil {
		return ViewConfig{}
	}
	if view, ok := c.Views[viewID]; ok {
		return view
	}
	return ViewConfig{CameraFacing: c.CameraFacing, AllowedFormats: c.AllowedFormats.Clone()}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return fmt.Errorf("decode config views in %q: %w", path, err)
	}

	if err := applyCameraOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyRuntimeOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := overlayViewConfigs(cfg, raw, path); err != nil {
		return err
	}
	return nil
}

func applyCameraOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.CameraFacing != nil {
		facing, err := device.ParseFacing(*decoded.CameraFacing)
		if err != nil {
			return fmt.Errorf("parse camera_facing in %q: %w", path, err)
		}
		cfg.CameraFacing = facing
	}
	if decoded.AllowedFormats != nil {
		formats, err := barcode.ParseNames(normalizeNames(*decoded.AllowedFormats))
		if err != nil {
			return fmt.Errorf("parse allowed_formats in %q: %w", path, err)
		}
		cfg.AllowedFormats = formats
	}
	return nil
}

func applyRuntimeOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.PermissionTimeout != nil {
		value, err := parseDuration(*decoded.PermissionTimeout, "permission_timeout", path)
		if err != nil {
			return err
		}
		if value <= 0 {
			return fmt.Errorf("parse permission_timeout in %q: must be > 0", path)
		}
		cfg.PermissionTimeout = value
	}
	if decoded.EventBufferSize != nil {
		if *decoded.EventBufferSize <= 0 {
			return fmt.Errorf("parse event_buffer_size in %q: must be > 0", path)
		}
		cfg.EventBufferSize = *decoded.EventBufferSize
	}
	if decoded.LogLevel != nil {
		level, err := log.ParseLevel(normalizeKey(*decoded.LogLevel))
		if err != nil {
			return fmt.Errorf("parse log_level in %q: %w", path, err)
		}
		cfg.LogLevel = level
	}
	if decoded.LogMaxFiles != nil {
		if *decoded.LogMaxFiles <= 0 {
			return fmt.Errorf("parse log_max_files in %q: must be > 0", path)
		}
		cfg.LogMaxFiles = *decoded.LogMaxFiles
	}
	if decoded.MetricsAddr != nil {
		cfg.MetricsAddr = strings.TrimSpace(*decoded.MetricsAddr)
	}
	if decoded.OTel == nil {
		return nil
	}
	if decoded.OTel.Endpoint != nil {
		cfg.OTelEndpoint = strings.TrimSpace(*decoded.OTel.Endpoint)
	}
	if ratio := decoded.OTel.SampleRatio; ratio != nil {
		if *ratio < 0 || *ratio > 1 {
			return fmt.Errorf("parse otel.sample_ratio in %q: must be within [0, 1]", path)
		}
		cfg.OTelSampleRatio = *ratio
	}
	return nil
}

// overlayViewConfigs reads [views.<id>] tables. Keys a table leaves out
// inherit the top-level values as they stand after this file is applied.
func overlayViewConfigs(cfg *Config, raw map[string]any, path string) error {
	viewsRaw, ok := raw["views"]
	if !ok {
		return nil
	}
	viewsMap, ok := viewsRaw.(map[string]any)
	if !ok {
		return fmt.Errorf("parse views in %q: expected table", path)
	}
	if cfg.Views == nil {
		cfg.Views = map[int]ViewConfig{}
	}

	for key, value := range viewsMap {
		viewID, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil || viewID < 0 {
			return fmt.Errorf("parse views.%s in %q: view id must be a non-negative integer", key, path)
		}
		table, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("parse views.%s in %q: expected table", key, path)
		}
		view, exists := cfg.Views[viewID]
		if !exists {
			view = ViewConfig{CameraFacing: cfg.CameraFacing, AllowedFormats: cfg.AllowedFormats.Clone()}
		}
		for entryKey, entryValue := range table {
			if err := applyViewEntry(&view, key, entryKey, entryValue, path); err != nil {
				return err
			}
		}
		cfg.Views[viewID] = view
	}
	return nil
}

func applyViewEntry(view *ViewConfig, viewKey, key string, value any, path string) error {
	field := fmt.Sprintf("views.%s.%s", viewKey, key)
	switch normalizeKey(key) {
	case "camera_facing":
		id, ok := value.(int64)
		if !ok {
			return fmt.Errorf("parse %s in %q: must be integer", field, path)
		}
		facing, err := device.ParseFacing(int(id))
		if err != nil {
			return fmt.Errorf("parse %s in %q: %w", field, path, err)
		}
		view.CameraFacing = facing
	case "allowed_formats":
		items, ok := value.([]any)
		if !ok {
			return fmt.Errorf("parse %s in %q: must be a list of strings", field, path)
		}
		names := make([]string, 0, len(items))
		for _, item := range items {
			name, err := stringValue(item, field, path)
			if err != nil {
				return err
			}
			names = append(names, name)
		}
		formats, err := barcode.ParseNames(normalizeNames(names))
		if err != nil {
			return fmt.Errorf("parse %s in %q: %w", field, path, err)
		}
		view.AllowedFormats = formats
	case "owner":
		owner, err := stringValue(value, field, path)
		if err != nil {
			return err
		}
		view.Owner = strings.TrimSpace(owner)
	default:
		return fmt.Errorf("parse %s in %q: unsupported key", field, path)
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func normalizeNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, strings.ToUpper(strings.TrimSpace(name)))
	}
	return out
}

func stringValue(value any, key string, path string) (string, error) {
	text, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("parse %s in %q: must be string", key, path)
	}
	return text, nil
}
