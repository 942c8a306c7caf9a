// Package main is the entry point for the portwire server and client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dshills/portwire/internal/config"
	"github.com/dshills/portwire/internal/logging"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// errUsage reports bad command line arguments.
var errUsage = errors.New("usage")

// options are the flags shared by every subcommand.
type options struct {
	ConfigPath string
	LogLevel   string
	Channel    string
	Address    string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}

	switch args[0] {
	case "-v", "-version", "--version", "version":
		fmt.Fprintf(stdout, "portwire %s\n", version)
		fmt.Fprintf(stdout, "Commit: %s\n", commit)
		fmt.Fprintf(stdout, "Built: %s\n", date)
		return 0
	case "-h", "-help", "--help", "help":
		usage(stdout)
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch args[0] {
	case "serve":
		err = runServe(ctx, args[1:], stderr)
	case "call":
		err = runCall(ctx, args[1:], stdout, stderr)
	case "listen":
		err = runListen(ctx, args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Error: unknown command %q\n\n", args[0])
		usage(stderr)
		return 2
	}

	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		return 2
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "portwire - request/response and broadcast messaging over named channels\n\n")
	fmt.Fprintf(w, "Usage: portwire <command> [options]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  serve     Run a dispatcher with the built-in commands\n")
	fmt.Fprintf(w, "  call      Send one request and print the result\n")
	fmt.Fprintf(w, "  listen    Print broadcasts for a command until interrupted\n")
	fmt.Fprintf(w, "  version   Show version information\n")
	fmt.Fprintf(w, "\nExamples:\n")
	fmt.Fprintf(w, "  portwire serve -c portwire.toml\n")
	fmt.Fprintf(w, "  portwire call -command echo -payload '{\"hello\":\"world\"}'\n")
	fmt.Fprintf(w, "  portwire listen -command news\n")
}

// newFlagSet registers the shared flags on a subcommand flag set.
func newFlagSet(name string, stderr io.Writer, opts *options) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to configuration file (.toml or .yaml)")
	fs.StringVar(&opts.ConfigPath, "c", "", "Path to configuration file (shorthand)")
	fs.StringVar(&opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&opts.Channel, "channel", "", "Channel name (overrides config)")
	fs.StringVar(&opts.Address, "addr", "", "Network address (overrides config)")
	return fs
}

// loadConfig loads the config file and applies flag overrides.
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	applyFlags(cfg, opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cfg *config.Config, opts options) {
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.Channel != "" {
		cfg.Channel = opts.Channel
	}
	if opts.Address != "" {
		cfg.Address = opts.Address
	}
}

// newLogger builds the process logger. The returned closer releases the log
// file, if any.
func newLogger(cfg *config.Config, stderr io.Writer) (*logging.Logger, func(), error) {
	lc := logging.DefaultConfig()
	lc.Level = cfg.LogLevel()
	lc.Output = stderr

	closer := func() {}
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		lc.Output = f
		closer = func() { f.Close() }
	}
	return logging.New(lc), closer, nil
}
