package main

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/portwire/internal/dispatcher"
	"github.com/dshills/portwire/internal/handler"
)

// registerCommands installs the built-in server commands.
func registerCommands(d *dispatcher.Dispatcher) error {
	commands := map[string]handler.Func{
		"ping": handler.Sync(func(context.Context, *handler.Request) (any, error) {
			return "pong", nil
		}),
		"echo": handler.Sync(func(_ context.Context, req *handler.Request) (any, error) {
			return req.Payload, nil
		}),
		"time": handler.Sync(func(context.Context, *handler.Request) (any, error) {
			return time.Now().UTC().Format(time.RFC3339Nano), nil
		}),
		"commands": handler.Sync(func(context.Context, *handler.Request) (any, error) {
			return d.Commands(), nil
		}),
		"broadcast": handler.Sync(func(_ context.Context, req *handler.Request) (any, error) {
			return relay(d, req.Payload)
		}),
	}

	for name, fn := range commands {
		if err := d.On(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// relay re-broadcasts payload.payload under payload.command and returns the
// number of connections it was sent to.
func relay(d *dispatcher.Dispatcher, payload any) (any, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil, errors.New("broadcast payload must be an object")
	}
	command, _ := m["command"].(string)
	if command == "" {
		return nil, errors.New("broadcast payload needs a command")
	}

	n := d.ConnectionCount()
	if err := d.Broadcast(command, m["payload"]); err != nil {
		return nil, err
	}
	return n, nil
}
