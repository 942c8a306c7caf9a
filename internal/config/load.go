package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PORTWIRE_"

// Format identifies a config file syntax.
type Format string

// Supported formats.
const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatOf returns the format implied by path's extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// Load reads the file at path over the defaults, applies environment
// overrides and validates the result. An empty path loads defaults and
// environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		format, err := FormatOf(path)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
			}
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := Decode(cfg, path, format, data); err != nil {
			return nil, err
		}
		cfg.Path = path
		cfg.resolveScripts(filepath.Dir(path))
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode parses data into cfg. Keys missing from data keep their current
// values; unknown keys are an error. source names the data in errors.
func Decode(cfg *Config, source string, format Format, data []byte) error {
	switch format {
	case FormatTOML:
		return decodeTOML(cfg, source, data)
	case FormatYAML:
		return decodeYAML(cfg, source, data)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

func decodeTOML(cfg *Config, source string, data []byte) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	err := dec.Decode(cfg)
	if err == nil {
		return nil
	}

	perr := &ParseError{Path: source, Message: err.Error(), Err: err}
	var decErr *toml.DecodeError
	if errors.As(err, &decErr) {
		perr.Line, perr.Column = decErr.Position()
	}
	var strictErr *toml.StrictMissingError
	if errors.As(err, &strictErr) && len(strictErr.Errors) > 0 {
		perr.Line, perr.Column = strictErr.Errors[0].Position()
		perr.Message = "unknown key " + strings.Join(strictErr.Errors[0].Key(), ".")
	}
	return perr
}

func decodeYAML(cfg *Config, source string, data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	err := dec.Decode(cfg)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}

	perr := &ParseError{Path: source, Message: err.Error(), Err: err}
	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) && len(typeErr.Errors) > 0 {
		perr.Message = typeErr.Errors[0]
		fmt.Sscanf(typeErr.Errors[0], "line %d:", &perr.Line)
	} else {
		fmt.Sscanf(err.Error(), "yaml: line %d:", &perr.Line)
	}
	return perr
}

// resolveScripts makes relative script paths relative to dir.
func (c *Config) resolveScripts(dir string) {
	for i, s := range c.Scripts {
		if s != "" && !filepath.IsAbs(s) {
			c.Scripts[i] = filepath.Join(dir, s)
		}
	}
}

// envSetting applies one environment variable to a config.
type envSetting func(c *Config, value string) error

// envMapping maps variable names (without prefix) to setters.
var envMapping = map[string]envSetting{
	"CHANNEL": func(c *Config, v string) error { c.Channel = v; return nil },
	"NETWORK": func(c *Config, v string) error { c.Network = v; return nil },
	"ADDRESS": func(c *Config, v string) error { c.Address = v; return nil },
	"TOKEN_LENGTH": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.TokenLength = n
		return nil
	},
	"HANDSHAKE_TIMEOUT": func(c *Config, v string) error { c.HandshakeTimeout = v; return nil },
	"LOG_LEVEL":         func(c *Config, v string) error { c.Log.Level = v; return nil },
	"LOG_FILE":          func(c *Config, v string) error { c.Log.File = v; return nil },
	"SCRIPTS":           func(c *Config, v string) error { c.Scripts = splitList(v); return nil },
	"ALLOW":             func(c *Config, v string) error { c.Allow = splitList(v); return nil },
	"DENY":              func(c *Config, v string) error { c.Deny = splitList(v); return nil },
}

// EnvNames returns the recognized environment variable names.
func EnvNames() []string {
	names := make([]string, 0, len(envMapping))
	for k := range envMapping {
		names = append(names, EnvPrefix+k)
	}
	return names
}

// ApplyEnv overrides cfg from environment variables found by lookup.
// Empty values are treated as set.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for key, set := range envMapping {
		name := EnvPrefix + key
		val, ok := lookup(name)
		if !ok {
			continue
		}
		if err := set(cfg, val); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// splitList splits a comma separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
