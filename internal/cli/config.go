package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tailscale/hujson"

	"github.com/newcuit/flogfs/pkg/flash"
)

// ConfigFileName is the default config file name, looked up in the working
// directory.
const ConfigFileName = ".flogctl.json"

// Config holds flogctl configuration. All fields are optional; the file is
// HuJSON (JSON with comments and trailing commas).
type Config struct {
	Image    string `json:"image,omitempty"`
	LogLevel string `json:"log_level,omitempty"` //nolint:tagliatelle // snake_case for config file

	// Geometry for newly formatted images; existing images carry their
	// own.
	NumBlocks      int `json:"num_blocks,omitempty"`      //nolint:tagliatelle
	PagesPerBlock  int `json:"pages_per_block,omitempty"` //nolint:tagliatelle
	SectorsPerPage int `json:"sectors_per_page,omitempty"` //nolint:tagliatelle
	SectorSize     int `json:"sector_size,omitempty"`     //nolint:tagliatelle
}

// DefaultConfig returns the defaults: image "flash.img", warn logging, the
// reference geometry.
func DefaultConfig() Config {
	geo := flash.DefaultGeometry()

	return Config{
		Image:          "flash.img",
		LogLevel:       "warn",
		NumBlocks:      geo.NumBlocks,
		PagesPerBlock:  geo.PagesPerBlock,
		SectorsPerPage: geo.SectorsPerPage,
		SectorSize:     geo.SectorSize,
	}
}

// Geometry assembles the configured flash geometry.
func (c Config) Geometry() flash.Geometry {
	geo := flash.DefaultGeometry()
	geo.NumBlocks = c.NumBlocks
	geo.PagesPerBlock = c.PagesPerBlock
	geo.SectorsPerPage = c.SectorsPerPage
	geo.SectorSize = c.SectorSize

	return geo
}

var errConfigInvalid = errors.New("invalid config")

// LoadConfig merges defaults, the config file (explicit path or
// [ConfigFileName] if present) and CLI overrides, highest last.
func LoadConfig(path string, overrides Config) (Config, error) {
	cfg := DefaultConfig()

	mustExist := path != ""
	if path == "" {
		path = ConfigFileName
	}

	data, err := os.ReadFile(path)

	switch {
	case err == nil:
		fileCfg, parseErr := parseConfig(data)
		if parseErr != nil {
			return Config{}, fmt.Errorf("%w %s: %w", errConfigInvalid, path, parseErr)
		}

		cfg = mergeConfig(cfg, fileCfg)

	case os.IsNotExist(err) && !mustExist:
		// Optional default config file; nothing to merge.

	default:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg = mergeConfig(cfg, overrides)

	if err := cfg.Geometry().Validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %w", errConfigInvalid, err)
	}

	return cfg, nil
}

func parseConfig(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.Image != "" {
		base.Image = overlay.Image
	}

	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}

	if overlay.NumBlocks != 0 {
		base.NumBlocks = overlay.NumBlocks
	}

	if overlay.PagesPerBlock != 0 {
		base.PagesPerBlock = overlay.PagesPerBlock
	}

	if overlay.SectorsPerPage != 0 {
		base.SectorsPerPage = overlay.SectorsPerPage
	}

	if overlay.SectorSize != 0 {
		base.SectorSize = overlay.SectorSize
	}

	return base
}
