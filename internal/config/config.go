package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// DefaultAPIBaseURL is the official endpoint; alternates may be listed in
// the config and are tried in order.
const DefaultAPIBaseURL = "https://civitai.com/api/v1"

type (
	// Config is the struct the CLI hands to the engine. Field names mirror
	// the TOML keys.
	Config struct {
		// Connection/Auth
		ApiToken    string   `toml:"ApiToken"`
		ApiBaseURLs []string `toml:"ApiBaseURLs"`

		// Paths
		OutputRoot string `toml:"OutputRoot"`
		TestMode   bool   `toml:"TestMode"`

		// Inputs
		Inputs Inputs `toml:"Inputs"`

		// Behavior
		MaxConcurrentDownloads int  `toml:"MaxConcurrentDownloads"`
		ParallelMode           bool `toml:"ParallelMode"`
		SkipExisting           bool `toml:"SkipExisting"`
		MaxUserImages          int  `toml:"MaxUserImages"`
		MaxGalleryImages       int  `toml:"MaxGalleryImages"`

		// Filtering
		BaseModelFilterPath string `toml:"BaseModelFilterPath"`

		Rate   RateConfig   `toml:"Rate"`
		Retry  RetryConfig  `toml:"Retry"`
		Resume ResumeConfig `toml:"Resume"`

		// Other
		LogApiRequests bool `toml:"LogApiRequests"`
	}

	Inputs struct {
		Users  []string `toml:"Users"`
		Models []string `toml:"Models"`
	}

	RateConfig struct {
		ModelApiRps      float64 `toml:"ModelApiRps"`
		ImageApiRps      float64 `toml:"ImageApiRps"`
		MaxConcurrentApi int     `toml:"MaxConcurrentApi"`
	}

	RetryConfig struct {
		MaxAttempts int `toml:"MaxAttempts"`
	}

	// ResumeConfig controls byte-level resume of partial downloads. The
	// negative form keeps resume on by default with a zero-value config.
	ResumeConfig struct {
		Disabled bool `toml:"Disabled"`
	}
)

// TagMappings maps canonical taxonomy categories to the keyword sets used
// by the path planner. Exact tag match on the category name wins before
// keyword substring matching.
var TagMappings = map[string][]string{
	"CONCEPT":    {"concept", "concepts", "technique"},
	"CHARACTER":  {"character", "characters", "person", "celebrity"},
	"STYLE":      {"style", "styles", "art style", "artist"},
	"POSE":       {"pose", "poses", "position", "posing"},
	"CLOTHING":   {"clothing", "outfit", "clothes", "dress"},
	"OBJECT":     {"object", "objects", "item", "tool"},
	"BACKGROUND": {"background", "scene", "location", "environment"},
	"ANIMAL":     {"animal", "animals", "creature"},
	"VEHICLE":    {"vehicle", "car", "airplane", "ship"},
}

// TagCategories returns the category names in a fixed iteration order so
// classification does not depend on map ordering.
var TagCategories = []string{
	"CONCEPT", "CHARACTER", "STYLE", "POSE", "CLOTHING",
	"OBJECT", "BACKGROUND", "ANIMAL", "VEHICLE",
}

// LoadConfig reads the configuration from the specified path (defaulting
// to "config.toml") and applies defaults for anything unset.
func LoadConfig(configFilePath string) (Config, error) {
	if configFilePath == "" {
		configFilePath = "config.toml"
	}
	cfg := Defaults()
	if _, err := os.Stat(configFilePath); err == nil {
		if _, err := toml.DecodeFile(configFilePath, &cfg); err != nil {
			return Config{}, fmt.Errorf("error loading config file %s: %w", configFilePath, err)
		}
		log.Infof("Configuration loaded from %s", configFilePath)
	} else {
		log.Debugf("No config file at %s, using defaults", configFilePath)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Defaults returns a Config with every default applied.
func Defaults() Config {
	cfg := Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields in place. Called after decode so that a
// partial config file still yields a usable configuration.
func (c *Config) ApplyDefaults() {
	if c.ApiToken == "" {
		c.ApiToken = os.Getenv("CIVITAI_API_KEY")
	}
	if len(c.ApiBaseURLs) == 0 {
		c.ApiBaseURLs = []string{DefaultAPIBaseURL}
	}
	if c.OutputRoot == "" {
		c.OutputRoot = defaultOutputRoot()
	}
	if c.TestMode {
		c.OutputRoot = "./test_downloads"
	}
	if c.MaxConcurrentDownloads < 1 {
		c.MaxConcurrentDownloads = 3
	}
	if c.MaxUserImages <= 0 {
		c.MaxUserImages = 1000
	}
	if c.MaxGalleryImages <= 0 {
		c.MaxGalleryImages = 50
	}
	if c.Rate.ModelApiRps <= 0 {
		c.Rate.ModelApiRps = 0.5
	}
	if c.Rate.ImageApiRps <= 0 {
		c.Rate.ImageApiRps = 2.0
	}
	if c.Rate.MaxConcurrentApi <= 0 {
		c.Rate.MaxConcurrentApi = 4
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
}

// StateDir is where the task store and control files live.
func (c Config) StateDir() string {
	return filepath.Join(c.OutputRoot, ".state")
}

func defaultOutputRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./civitai-downloads"
	}
	return filepath.Join(home, "civitai-downloads")
}
