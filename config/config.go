// Package config loads the orchestrator's tunables (spec §6 "Environment /
// configuration") from environment variables and an optional YAML file, with
// the framework's usual precedence: explicit value > environment variable >
// YAML file > hardcoded default. The YAML file, if given, is watched with
// fsnotify so operators can retune queue/playbook/planner knobs without a
// restart.
package config

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/itsneelabh/orchestra/logging"
)

// Config holds every tunable named in spec §6.
type Config struct {
	Queue    QueueConfig    `yaml:"queue"`
	Playbook PlaybookConfig `yaml:"playbook"`
	Planner  PlannerConfig  `yaml:"planner"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

// QueueConfig tunes the Background Analysis Queue (§4.G).
type QueueConfig struct {
	Capacity        int           `yaml:"queue_capacity"`
	SampleRate      float64       `yaml:"sample_rate"`
	ItemTTL         time.Duration `yaml:"item_ttl"`
	MaxItemsPerWake int           `yaml:"max_items_per_wake"`
	IdleThreshold   time.Duration `yaml:"idle_threshold"`
	MaxRetries      int           `yaml:"max_retries"`
	DeadLetterMax   int           `yaml:"dead_letter_max"`
}

// PlaybookConfig tunes the Playbook Store (§4.F).
type PlaybookConfig struct {
	MaxLessons      int           `yaml:"max_lessons"`
	Maturity        int           `yaml:"maturity"`
	HalfLife        time.Duration `yaml:"half_life"`
	StabilityWindow time.Duration `yaml:"stability_window"`
	PriorAlpha      float64       `yaml:"prior_alpha"`
	PriorBeta       float64       `yaml:"prior_beta"`
	// BurstAcceleration and StabilityRoundsUp resolve spec.md's two Open
	// Questions (see SPEC_FULL.md / DESIGN.md). Defaults keep the plain
	// Bayesian update and strict incumbent-wins-on-tie behavior.
	BurstAcceleration float64 `yaml:"burst_acceleration"`
	StabilityRoundsUp bool    `yaml:"stability_rounds_up"`
}

// PlannerConfig tunes the Capacity Planner (§4.D).
type PlannerConfig struct {
	SafetyBufferChars int           `yaml:"safety_buffer_chars"`
	LocalMinTimeout   time.Duration `yaml:"local_min_timeout"`
	LocalMaxTimeout   time.Duration `yaml:"local_max_timeout"`
	RemoteMinTimeout  time.Duration `yaml:"remote_min_timeout"`
	RemoteMaxTimeout  time.Duration `yaml:"remote_max_timeout"`
}

// DiscoveryConfig tunes Model Discovery (§4.C).
type DiscoveryConfig struct {
	ScanPorts []int         `yaml:"scan_ports"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// Default returns the defaults given literally in spec §6.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			Capacity:        100,
			SampleRate:      0.02,
			ItemTTL:         10 * time.Minute,
			MaxItemsPerWake: 5,
			IdleThreshold:   60 * time.Second,
			MaxRetries:      3,
			DeadLetterMax:   20,
		},
		Playbook: PlaybookConfig{
			MaxLessons:        50,
			Maturity:          10,
			HalfLife:          24 * time.Hour,
			StabilityWindow:   5 * time.Minute,
			PriorAlpha:        0.1,
			PriorBeta:         0.9,
			BurstAcceleration: 1.0,
			StabilityRoundsUp: false,
		},
		Planner: PlannerConfig{
			SafetyBufferChars: 4000,
			LocalMinTimeout:   120 * time.Second,
			LocalMaxTimeout:   5 * time.Minute,
			RemoteMinTimeout:  60 * time.Second,
			RemoteMaxTimeout:  2 * time.Minute,
		},
		Discovery: DiscoveryConfig{
			ScanPorts: []int{8080, 11434, 8000, 1234},
			CacheTTL:  60 * time.Second,
		},
	}
}

// Load applies, in increasing precedence: defaults, the YAML file at path
// (if path is non-empty and the file exists), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if b, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(b, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := envInt("ORCHESTRA_QUEUE_CAPACITY"); ok {
		cfg.Queue.Capacity = v
	}
	if v, ok := envFloat("ORCHESTRA_SAMPLE_RATE"); ok {
		cfg.Queue.SampleRate = v
	}
	if v, ok := envInt("ORCHESTRA_MAX_ITEMS_PER_WAKE"); ok {
		cfg.Queue.MaxItemsPerWake = v
	}
	if v, ok := envDuration("ORCHESTRA_IDLE_THRESHOLD"); ok {
		cfg.Queue.IdleThreshold = v
	}
	if v, ok := envInt("ORCHESTRA_MAX_RETRIES"); ok {
		cfg.Queue.MaxRetries = v
	}
	if v, ok := envInt("ORCHESTRA_PLAYBOOK_MAX_LESSONS"); ok {
		cfg.Playbook.MaxLessons = v
	}
	if v, ok := envDuration("ORCHESTRA_PLAYBOOK_HALF_LIFE"); ok {
		cfg.Playbook.HalfLife = v
	}
}

func envInt(key string) (int, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	return v, err == nil
}

func envFloat(key string) (float64, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

func envDuration(key string) (time.Duration, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	v, err := time.ParseDuration(s)
	return v, err == nil
}

// Watcher hot-reloads the YAML file at path, invoking onReload with the
// freshly parsed Config whenever the file changes on disk. Callers are
// responsible for atomically swapping the Config their components read
// from (e.g. via atomic.Pointer[Config]).
type Watcher struct {
	path     string
	logger   logging.Logger
	fsw      *fsnotify.Watcher
	mu       sync.Mutex
	onReload func(*Config)
}

// NewWatcher starts watching path for changes. Call Close to stop.
func NewWatcher(path string, logger logging.Logger, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{path: path, logger: logging.Fallback(logger), fsw: fsw, onReload: onReload}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Warn("config reload failed", map[string]interface{}{"path": w.path, "error": err.Error()})
				continue
			}
			w.logger.Info("config reloaded", map[string]interface{}{"path": w.path})
			w.onReload(cfg)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fsw.Close()
}
