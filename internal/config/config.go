// Package config loads portwire settings from TOML or YAML files with
// environment overrides, and watches them for live reload.
//
// A minimal TOML file:
//
//	channel = "portwire"
//	network = "tcp"
//	address = "127.0.0.1:7420"
//	scripts = ["guard.lua"]
//
//	[log]
//	level = "debug"
package config

import (
	"fmt"
	"slices"
	"time"

	"github.com/dshills/portwire/internal/logging"
	"github.com/dshills/portwire/internal/token"
)

// Default values.
const (
	DefaultChannel          = "portwire"
	DefaultNetwork          = "tcp"
	DefaultAddress          = "127.0.0.1:7420"
	DefaultHandshakeTimeout = 5 * time.Second
)

// Token length bounds.
const (
	MinTokenLength = 8
	MaxTokenLength = 256
)

var networks = []string{"tcp", "tcp4", "tcp6", "unix"}

// Config holds the settings shared by the server and client commands.
type Config struct {
	// Channel is the name both endpoints must agree on.
	Channel string `toml:"channel" yaml:"channel"`
	Network string `toml:"network" yaml:"network"`
	Address string `toml:"address" yaml:"address"`

	// TokenLength is the length of correlation tokens issued by callers.
	TokenLength int `toml:"token_length" yaml:"token_length"`

	// HandshakeTimeout is a Go duration string such as "5s".
	HandshakeTimeout string `toml:"handshake_timeout" yaml:"handshake_timeout"`

	Log LogConfig `toml:"log" yaml:"log"`

	// Scripts are Lua middleware files installed in order. Relative paths
	// resolve against the config file directory.
	Scripts []string `toml:"scripts" yaml:"scripts"`

	// Allow restricts the commands a server accepts. Empty allows all.
	Allow []string `toml:"allow" yaml:"allow"`
	// Deny rejects the listed commands.
	Deny []string `toml:"deny" yaml:"deny"`

	// Path is the file the config was loaded from, if any.
	Path string `toml:"-" yaml:"-"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
	// File receives log output instead of stderr when set.
	File string `toml:"file" yaml:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Channel:          DefaultChannel,
		Network:          DefaultNetwork,
		Address:          DefaultAddress,
		TokenLength:      token.DefaultLength,
		HandshakeTimeout: DefaultHandshakeTimeout.String(),
		Log:              LogConfig{Level: "info"},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Channel == "" {
		errs = append(errs, ValidationError{Field: "channel", Message: "must not be empty"})
	}
	if !slices.Contains(networks, c.Network) {
		errs = append(errs, ValidationError{
			Field:   "network",
			Message: fmt.Sprintf("unsupported network %q", c.Network),
		})
	}
	if c.Address == "" {
		errs = append(errs, ValidationError{Field: "address", Message: "must not be empty"})
	}
	if c.TokenLength < MinTokenLength || c.TokenLength > MaxTokenLength {
		errs = append(errs, ValidationError{
			Field:   "token_length",
			Message: fmt.Sprintf("must be between %d and %d, got %d", MinTokenLength, MaxTokenLength, c.TokenLength),
		})
	}
	if c.HandshakeTimeout != "" {
		if d, err := time.ParseDuration(c.HandshakeTimeout); err != nil || d <= 0 {
			errs = append(errs, ValidationError{
				Field:   "handshake_timeout",
				Message: fmt.Sprintf("invalid duration %q", c.HandshakeTimeout),
			})
		}
	}
	if c.Log.Level != "" && !logging.ValidLevel(c.Log.Level) {
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("unknown level %q", c.Log.Level),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Timeout returns the handshake timeout, falling back to the default.
func (c *Config) Timeout() time.Duration {
	d, err := time.ParseDuration(c.HandshakeTimeout)
	if err != nil || d <= 0 {
		return DefaultHandshakeTimeout
	}
	return d
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() logging.Level {
	return logging.ParseLevel(c.Log.Level)
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	out := *c
	out.Scripts = slices.Clone(c.Scripts)
	out.Allow = slices.Clone(c.Allow)
	out.Deny = slices.Clone(c.Deny)
	return &out
}
