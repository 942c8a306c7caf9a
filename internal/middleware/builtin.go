package middleware

import (
	"context"
	"fmt"

	"github.com/dshills/portwire/internal/handler"
)

// Logger is the logging surface used by the built-in middlewares.
type Logger interface {
	Debug(msg string, args ...any)
}

// Logging logs every invocation at debug level and never rejects.
func Logging(logger Logger) Func {
	return func(ctx context.Context, req *handler.Request) error {
		if logger == nil {
			return nil
		}
		conn := "local"
		if req.Conn != nil {
			conn = req.Conn.ID()
		}
		logger.Debug("invoke %s (conn=%s, token=%s)", req.Command, conn, req.Message.Token)
		return nil
	}
}

// AllowList rejects any command not in commands.
func AllowList(commands ...string) Func {
	allowed := toSet(commands)
	return func(ctx context.Context, req *handler.Request) error {
		if _, ok := allowed[req.Command]; !ok {
			return fmt.Errorf("command %s is not allowed", req.Command)
		}
		return nil
	}
}

// DenyList rejects the given commands.
func DenyList(commands ...string) Func {
	denied := toSet(commands)
	return func(ctx context.Context, req *handler.Request) error {
		if _, ok := denied[req.Command]; ok {
			return fmt.Errorf("command %s is denied", req.Command)
		}
		return nil
	}
}

// RequirePayload rejects the given commands when they arrive without payload.
// With no commands it applies to every command.
func RequirePayload(commands ...string) Func {
	only := toSet(commands)
	return func(ctx context.Context, req *handler.Request) error {
		if len(only) > 0 {
			if _, ok := only[req.Command]; !ok {
				return nil
			}
		}
		if req.Payload == nil {
			return fmt.Errorf("command %s requires a payload", req.Command)
		}
		return nil
	}
}

// Validate runs fn only for command and passes otherwise.
func Validate(command string, fn func(payload any) error) Func {
	return func(ctx context.Context, req *handler.Request) error {
		if req.Command != command || fn == nil {
			return nil
		}
		return fn(req.Payload)
	}
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set
}
