package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dshills/portwire/internal/channel"
	"github.com/dshills/portwire/internal/channel/stream"
	"github.com/dshills/portwire/internal/config"
	"github.com/dshills/portwire/internal/dispatcher"
	"github.com/dshills/portwire/internal/logging"
	"github.com/dshills/portwire/internal/middleware"
	"github.com/dshills/portwire/internal/middleware/script"
)

// Fixed middleware names. Scripts use their file names.
const (
	mwLog      = "log"
	mwAllow    = "allow"
	mwDeny     = "deny"
	mwRequired = "require-payload"
	mwRelay    = "validate-broadcast"
)

// server couples a dispatcher with the config-driven parts of its pipeline.
type server struct {
	logger   *logging.Logger
	pipeline *middleware.Pipeline
	disp     *dispatcher.Dispatcher

	mu      sync.Mutex
	scripts map[string]*script.Middleware
}

func newServer(cfg *config.Config, logger *logging.Logger) (*server, error) {
	s := &server{
		logger:   logger,
		pipeline: middleware.New(),
		scripts:  make(map[string]*script.Middleware),
	}

	s.disp = dispatcher.New(cfg.Channel,
		dispatcher.WithLogger(logger),
		dispatcher.WithPipeline(s.pipeline),
		dispatcher.WithDebug(logger.WithComponent("debug").DebugSink()),
		dispatcher.OnConnect(func(c channel.Conn) {
			logger.Info("client %s connected", c.ID())
		}),
		dispatcher.OnDisconnect(func(c channel.Conn) {
			logger.Info("client %s disconnected", c.ID())
		}),
	)

	if err := s.disp.Use(mwLog, middleware.Logging(logger.WithComponent("invoke"))); err != nil {
		return nil, err
	}
	if err := s.disp.Use(mwRequired, middleware.RequirePayload("broadcast")); err != nil {
		return nil, err
	}
	if err := s.disp.Use(mwRelay, middleware.Validate("broadcast", validateRelay)); err != nil {
		return nil, err
	}
	if err := s.configure(cfg); err != nil {
		return nil, err
	}
	if err := registerCommands(s.disp); err != nil {
		return nil, err
	}
	return s, nil
}

func validateRelay(payload any) error {
	m, ok := payload.(map[string]any)
	if !ok {
		return errors.New("broadcast payload must be an object")
	}
	if c, _ := m["command"].(string); c == "" {
		return errors.New("broadcast payload needs a command")
	}
	return nil
}

// configure installs the allow and deny lists and the Lua scripts named by
// cfg, removing whatever a previous config installed and this one dropped.
// Scripts that fail to compile leave the previous version in place.
func (s *server) configure(cfg *config.Config) error {
	s.logger.SetLevel(cfg.LogLevel())

	if len(cfg.Allow) > 0 {
		if err := s.pipeline.Use(mwAllow, middleware.AllowList(cfg.Allow...)); err != nil {
			return err
		}
	} else {
		s.pipeline.Remove(mwAllow)
	}
	if len(cfg.Deny) > 0 {
		if err := s.pipeline.Use(mwDeny, middleware.DenyList(cfg.Deny...)); err != nil {
			return err
		}
	} else {
		s.pipeline.Remove(mwDeny)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	keep := make(map[string]bool, len(cfg.Scripts))
	for _, path := range cfg.Scripts {
		name := script.NameOf(path)
		keep[name] = true

		m, err := script.Load(path, script.WithLogger(s.logger.WithComponent("script")))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.pipeline.Use(name, m.Func()); err != nil {
			m.Close()
			errs = append(errs, err)
			continue
		}
		if old, ok := s.scripts[name]; ok {
			old.Close()
		}
		s.scripts[name] = m
		s.logger.Debug("installed script %s", name)
	}

	for name, m := range s.scripts {
		if keep[name] {
			continue
		}
		s.pipeline.Remove(name)
		m.Close()
		delete(s.scripts, name)
		s.logger.Debug("removed script %s", name)
	}

	return errors.Join(errs...)
}

// reload is the config watch callback.
func (s *server) reload(cfg *config.Config, err error) {
	if err != nil {
		s.logger.Warn("config reload failed: %v", err)
		return
	}
	if err := s.configure(cfg); err != nil {
		s.logger.Warn("config reload incomplete: %v", err)
		return
	}
	s.logger.Info("config reloaded (middleware: %v)", s.disp.Middlewares())
}

// close shuts the dispatcher and releases the Lua states.
func (s *server) close() {
	s.disp.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, m := range s.scripts {
		m.Close()
		delete(s.scripts, name)
	}
}

func runServe(ctx context.Context, args []string, stderr io.Writer) error {
	var opts options
	fs := newFlagSet("serve", stderr, &opts)
	if err := fs.Parse(args); err != nil {
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

	srv, err := newServer(cfg, logger)
	if err != nil {
		return err
	}
	defer srv.close()

	host := stream.NewHost(cfg.Network, cfg.Address)
	host.HandshakeTimeout = cfg.Timeout()
	l, err := host.Listen(cfg.Channel)
	if err != nil {
		return err
	}
	defer l.Close()

	if cfg.Path != "" {
		go func() {
			err := config.Watch(ctx, cfg.Path, func(next *config.Config, err error) {
				if next != nil {
					applyFlags(next, opts)
				}
				srv.reload(next, err)
			})
			if err != nil {
				logger.Warn("config watch stopped: %v", err)
			}
		}()
	}

	logger.Info("listening on %s %s (channel %s)", cfg.Network, cfg.Address, cfg.Channel)
	if err := srv.disp.Serve(ctx, l); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
