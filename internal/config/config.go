package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Flux    FluxConfig    `toml:"flux"`
	Poller  PollerConfig  `toml:"poller"`
	Storage StorageConfig `toml:"storage"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type FluxConfig struct {
	BaseURL           string `toml:"base_url"`
	SubmitTimeoutMS   int    `toml:"submit_timeout_ms"`
	DownloadTimeoutMS int    `toml:"download_timeout_ms"`
}

type PollerConfig struct {
	IntervalMS int `toml:"interval_ms"`
	// Concurrency bounds how many submitted tasks one poll cycle may check
	// at the same time.
	Concurrency int `toml:"concurrency"`
	// MaxTaskAgeMS fails submitted tasks older than the bound. Zero means
	// a task may stay submitted indefinitely, matching the remote service's
	// lack of push notification.
	MaxTaskAgeMS int `toml:"max_task_age_ms"`
}

type StorageConfig struct {
	// Backend selects the task store: "snapshot" (JSON file) or "sqlite".
	Backend string `toml:"backend"`
}

func Default() Config {
	return Config{
		Server:  ServerConfig{Host: "127.0.0.1", Port: 8787},
		Flux:    FluxConfig{BaseURL: "https://api.bfl.ai", SubmitTimeoutMS: 30000, DownloadTimeoutMS: 60000},
		Poller:  PollerConfig{IntervalMS: 5000, Concurrency: 4, MaxTaskAgeMS: 0},
		Storage: StorageConfig{Backend: "snapshot"},
	}
}

var ErrInvalid = errors.New("invalid config")

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

// Load reads .retouch/config.toml under root. A missing file is not an
// error; defaults apply. A present but unparsable file is reported via
// ParseError so the caller can refuse to start on a typo'd config.
func Load(root string) LoadResult {
	res := LoadResult{Config: Default()}
	path := filepath.Join(root, ".retouch", "config.toml")
	res.Path = path

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res
		}
		res.ParseError = err
		return res
	}

	res.Found = true
	var parsed Config
	if err := toml.Unmarshal(b, &parsed); err != nil {
		res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		return res
	}

	res.Config = merge(Default(), parsed)
	return res
}

func merge(def Config, cfg Config) Config {
	// Server
	if cfg.Server.Host != "" {
		def.Server.Host = cfg.Server.Host
	}
	if cfg.Server.Port != 0 {
		def.Server.Port = cfg.Server.Port
	}
	// Flux
	if cfg.Flux.BaseURL != "" {
		def.Flux.BaseURL = cfg.Flux.BaseURL
	}
	if cfg.Flux.SubmitTimeoutMS != 0 {
		def.Flux.SubmitTimeoutMS = cfg.Flux.SubmitTimeoutMS
	}
	if cfg.Flux.DownloadTimeoutMS != 0 {
		def.Flux.DownloadTimeoutMS = cfg.Flux.DownloadTimeoutMS
	}
	// Poller
	if cfg.Poller.IntervalMS != 0 {
		def.Poller.IntervalMS = cfg.Poller.IntervalMS
	}
	if cfg.Poller.Concurrency != 0 {
		def.Poller.Concurrency = cfg.Poller.Concurrency
	}
	if cfg.Poller.MaxTaskAgeMS != 0 {
		def.Poller.MaxTaskAgeMS = cfg.Poller.MaxTaskAgeMS
	}
	// Storage
	if cfg.Storage.Backend != "" {
		def.Storage.Backend = cfg.Storage.Backend
	}
	return def
}
