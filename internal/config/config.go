// Package config loads and validates the run configuration file.
//
// Files may be JSON or YAML; YAML is coerced to JSON so both formats share
// one strict decoder. Validation happens before the engine is constructed:
// a bad config is fatal and the run never begins.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

type Config struct {
	Run     RunConfig      `json:"run"`
	Log     LogConfig      `json:"log"`
	Storage StorageConfig  `json:"storage"`
	Target  TargetConfig   `json:"target"`
	Window  *WindowConfig  `json:"window,omitempty"`
	Feeder  *FeederConfig  `json:"feeder,omitempty"`
	Alerts  *AlertConfig   `json:"alerts,omitempty"`
	Router  map[string]string `json:"router,omitempty"` // category -> action ("continue"|"abort"|"abort_after:N")
}

// RunConfig mirrors the core attack parameters.
//
// All jitter fields are delay specs: "", "750ms", or "1s-3s".
type RunConfig struct {
	Workers      int  `json:"workers"`
	MaxAuthTries int  `json:"max_auth_tries"`
	StopOnValid  bool `json:"stop_on_valid"`

	AttemptJitter   string `json:"attempt_jitter,omitempty"`
	ThresholdJitter string `json:"threshold_jitter,omitempty"`

	GlobalRatePerSec float64 `json:"global_rate_per_sec,omitempty"`

	// DrainGrace is a Go duration string bounding cancellation drain.
	DrainGrace string `json:"drain_grace,omitempty"`
}

type LogConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console"`
	Stderr  bool   `json:"stderr,omitempty"`
	File    string `json:"file,omitempty"`
}

type StorageConfig struct {
	Driver string `json:"driver,omitempty"` // "sqlite" (default) or "postgres"
	Path   string `json:"path,omitempty"`
	DSN    string `json:"dsn,omitempty"`

	BusyTimeout  string `json:"busy_timeout,omitempty"`  // sqlite, Go duration string
	LeaseTimeout string `json:"lease_timeout,omitempty"` // reservation reclaim bound
}

// TargetConfig selects one of the bundled authentication callbacks.
type TargetConfig struct {
	Kind string `json:"kind"` // "http_basic" or "ssh"

	URL     string `json:"url,omitempty"`     // http_basic
	Addr    string `json:"addr,omitempty"`    // ssh host:port
	Timeout string `json:"timeout,omitempty"` // Go duration string
}

// WindowConfig restricts dispatch to recurring engagement windows.
type WindowConfig struct {
	Cron     string `json:"cron"`
	Duration string `json:"duration"`
}

// FeederConfig watches a combo file ("user:pass" lines) for live appends.
type FeederConfig struct {
	ComboFile string `json:"combo_file"`
}

// AlertConfig pushes recovered credentials and aborts to a Telegram chat.
type AlertConfig struct {
	TelegramToken string `json:"telegram_token"`
	ChatID        int64  `json:"chat_id"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
}

// Load reads, decodes and validates a config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the invariants the engine assumes. Field errors are
// joined so the operator sees everything wrong at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Run.Workers < 1 {
		errs = append(errs, fmt.Errorf("run.workers: must be >= 1 (got %d)", c.Run.Workers))
	}
	if c.Run.MaxAuthTries < 1 {
		errs = append(errs, fmt.Errorf("run.max_auth_tries: must be >= 1 (got %d)", c.Run.MaxAuthTries))
	}
	if c.Run.GlobalRatePerSec < 0 {
		errs = append(errs, errors.New("run.global_rate_per_sec: must be >= 0"))
	}
	if _, err := ParseDurationField("run.drain_grace", c.Run.DrainGrace); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path: required for the sqlite driver"))
		}
	case "postgres", "pgx":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn: required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("storage.lease_timeout", c.Storage.LeaseTimeout); err != nil {
		errs = append(errs, err)
	}

	switch c.Target.Kind {
	case "http_basic":
		if strings.TrimSpace(c.Target.URL) == "" {
			errs = append(errs, errors.New("target.url: required for http_basic"))
		}
	case "ssh":
		if strings.TrimSpace(c.Target.Addr) == "" {
			errs = append(errs, errors.New("target.addr: required for ssh"))
		}
	case "":
		errs = append(errs, errors.New("target.kind: required"))
	default:
		errs = append(errs, fmt.Errorf("target.kind: unknown kind %q", c.Target.Kind))
	}
	if _, err := ParseDurationField("target.timeout", c.Target.Timeout); err != nil {
		errs = append(errs, err)
	}

	if c.Window != nil {
		if strings.TrimSpace(c.Window.Cron) == "" {
			errs = append(errs, errors.New("window.cron: required when window is set"))
		}
		if d, err := ParseDurationField("window.duration", c.Window.Duration); err != nil {
			errs = append(errs, err)
		} else if d <= 0 {
			errs = append(errs, errors.New("window.duration: must be > 0"))
		}
	}

	if c.Feeder != nil && strings.TrimSpace(c.Feeder.ComboFile) == "" {
		errs = append(errs, errors.New("feeder.combo_file: required when feeder is set"))
	}

	if c.Alerts != nil {
		if strings.TrimSpace(c.Alerts.TelegramToken) == "" {
			errs = append(errs, errors.New("alerts.telegram_token: required when alerts are set"))
		}
		if c.Alerts.ChatID == 0 {
			errs = append(errs, errors.New("alerts.chat_id: required when alerts are set"))
		}
	}

	for cat, action := range c.Router {
		switch cat {
		case "callback_error", "timeout", "store_error", "unknown":
		default:
			errs = append(errs, fmt.Errorf("router: unknown category %q", cat))
		}
		if action != "continue" && action != "abort" && !strings.HasPrefix(action, "abort_after:") {
			errs = append(errs, fmt.Errorf("router.%s: unknown action %q", cat, action))
		}
	}

	return errors.Join(errs...)
}
