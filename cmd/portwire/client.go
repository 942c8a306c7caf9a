package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"

	"github.com/dshills/portwire/internal/caller"
	"github.com/dshills/portwire/internal/channel"
	"github.com/dshills/portwire/internal/channel/stream"
	"github.com/dshills/portwire/internal/config"
	"github.com/dshills/portwire/internal/logging"
)

// dial connects a caller to the server described by cfg.
func dial(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*caller.Caller, error) {
	host := stream.NewHost(cfg.Network, cfg.Address)
	return caller.Dial(ctx, host, cfg.Channel,
		caller.WithLogger(logger),
		caller.WithTokenLength(cfg.TokenLength),
	)
}

// parsePayload decodes a JSON command line payload. Empty means no payload.
func parsePayload(s string) (any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	if !gjson.Valid(s) {
		return nil, fmt.Errorf("payload is not valid JSON: %s", s)
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// formatJSON renders v for output, indented unless raw.
func formatJSON(v any, raw bool) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if raw {
		return append(data, '\n'), nil
	}
	return pretty.Pretty(data), nil
}

func runCall(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var (
		opts    options
		command string
		payload string
		timeout time.Duration
		raw     bool
	)
	fs := newFlagSet("call", stderr, &opts)
	fs.StringVar(&command, "command", "", "Command to invoke (required)")
	fs.StringVar(&payload, "payload", "", "JSON payload")
	fs.DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for the result")
	fs.BoolVar(&raw, "raw", false, "Print compact JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if command == "" {
		fmt.Fprintln(stderr, "Error: -command is required")
		fs.Usage()
		return errUsage
	}

	body, err := parsePayload(payload)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := dial(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	// The relay reaches every live connection, this one included.
	if command == "broadcast" {
		if relayed := gjson.Get(payload, "command").String(); relayed != "" {
			c.On(relayed, func(any) {})
		}
	}

	result, err := c.Call(ctx, command, body)
	if err != nil {
		var remote *caller.RemoteError
		if errors.As(err, &remote) {
			return fmt.Errorf("%s failed: %s", command, remote.Message)
		}
		return err
	}

	out, err := formatJSON(result, raw)
	if err != nil {
		return err
	}
	_, err = stdout.Write(out)
	return err
}

func runListen(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var (
		opts     options
		commands string
	)
	fs := newFlagSet("listen", stderr, &opts)
	fs.StringVar(&commands, "command", "", "Comma separated broadcast commands to print (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	names := splitCommands(commands)
	if len(names) == 0 {
		fmt.Fprintln(stderr, "Error: -command is required")
		fs.Usage()
		return errUsage
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	c, err := dial(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	var mu sync.Mutex
	for _, name := range names {
		if err := c.On(name, func(payload any) {
			data, err := json.Marshal(payload)
			if err != nil {
				logger.Warn("broadcast %s: %v", name, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(stdout, "%s %s\n", name, data)
		}); err != nil {
			return err
		}
	}
	logger.Info("listening for %s on channel %s", strings.Join(names, ", "), cfg.Channel)

	select {
	case <-ctx.Done():
		return nil
	case <-c.Done():
		if err := c.Err(); err != nil && !channel.IsClosed(err) {
			return err
		}
		return errors.New("connection closed by server")
	}
}

func splitCommands(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
