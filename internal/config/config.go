// Package config loads broker configuration from a TOML file and overlays
// defaults for anything left unset.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/rompd/rompd/broker"
)

// File is the on-disk shape of a broker config. Durations are strings in
// Go duration syntax ("10s", "1m30s").
type File struct {
	Addr            string `toml:"addr"`
	WSAddr          string `toml:"ws_addr"`
	ReadTimeout     string `toml:"read_timeout"`
	WriteTimeout    string `toml:"write_timeout"`
	ResponseTimeout string `toml:"response_timeout"`
	DeliveryDepth   int    `toml:"delivery_depth"`
	NoDelay         bool   `toml:"nodelay"`
	KeepAlive       string `toml:"keepalive"`

	Log LogConfig `toml:"log"`
}

type LogConfig struct {
	Level  string `toml:"level"`  // trace, debug, info, warn, error
	Pretty bool   `toml:"pretty"` // console writer instead of JSON
}

// Default returns the built-in broker configuration.
func Default() (broker.Config, LogConfig) {
	return broker.Config{
		Addr:            broker.DefaultAddr,
		ReadTimeout:     broker.DefaultReadTimeout,
		WriteTimeout:    broker.DefaultWriteTimeout,
		ResponseTimeout: broker.DefaultResponseTimeout,
		DeliveryDepth:   broker.DefaultDeliveryDepth,
		NoDelay:         true,
	}, LogConfig{Level: "info"}
}

// Load reads path and overlays its defined keys onto the defaults. Keys
// absent from the file keep their default values.
func Load(path string) (broker.Config, LogConfig, error) {
	cfg, logCfg := Default()

	var raw File
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return broker.Config{}, LogConfig{}, fmt.Errorf("load config %s: %w", path, err)
	}

	if meta.IsDefined("addr") {
		cfg.Addr = raw.Addr
	}
	if meta.IsDefined("ws_addr") {
		cfg.WSAddr = raw.WSAddr
	}
	if meta.IsDefined("read_timeout") {
		if cfg.ReadTimeout, err = parseDuration("read_timeout", raw.ReadTimeout); err != nil {
			return broker.Config{}, LogConfig{}, err
		}
	}
	if meta.IsDefined("write_timeout") {
		if cfg.WriteTimeout, err = parseDuration("write_timeout", raw.WriteTimeout); err != nil {
			return broker.Config{}, LogConfig{}, err
		}
	}
	if meta.IsDefined("response_timeout") {
		if cfg.ResponseTimeout, err = parseDuration("response_timeout", raw.ResponseTimeout); err != nil {
			return broker.Config{}, LogConfig{}, err
		}
	}
	if meta.IsDefined("delivery_depth") {
		cfg.DeliveryDepth = raw.DeliveryDepth
	}
	if meta.IsDefined("nodelay") {
		cfg.NoDelay = raw.NoDelay
	}
	if meta.IsDefined("keepalive") {
		if cfg.KeepAlive, err = parseDuration("keepalive", raw.KeepAlive); err != nil {
			return broker.Config{}, LogConfig{}, err
		}
	}
	if meta.IsDefined("log", "level") {
		logCfg.Level = raw.Log.Level
	}
	if meta.IsDefined("log", "pretty") {
		logCfg.Pretty = raw.Log.Pretty
	}

	if err := Validate(cfg, logCfg); err != nil {
		return broker.Config{}, LogConfig{}, err
	}
	return cfg, logCfg, nil
}

// Validate rejects configurations the broker cannot run with.
func Validate(cfg broker.Config, logCfg LogConfig) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("config missing addr")
	}
	if cfg.DeliveryDepth < 0 {
		return fmt.Errorf("delivery_depth must be >= 0, got %d", cfg.DeliveryDepth)
	}
	switch logCfg.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", logCfg.Level)
	}
	return nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
