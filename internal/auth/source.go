package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"bulkxfer/internal/tool"
)

// TokenSource acquires a fresh bearer value
type TokenSource interface {
	Acquire(ctx context.Context) (string, error)
}

// ErrNoToken is returned when a source produced an empty value
var ErrNoToken = errors.New("token source returned no token")

// CommandSource runs a command that prints the token on stdout
type CommandSource struct {
	Invoker tool.Invoker
	Args    []string
}

// Acquire implements TokenSource
func (s *CommandSource) Acquire(ctx context.Context) (string, error) {
	res, err := s.Invoker.Invoke(ctx, s.Args...)
	if err != nil {
		detail := ""
		if res != nil {
			detail = res.Diagnostic()
		}
		return "", fmt.Errorf("token command failed: %w: %s", err, detail)
	}
	value := strings.TrimSpace(res.Stdout)
	if value == "" {
		return "", ErrNoToken
	}
	return value, nil
}

// EnvSource reads the token from an environment variable on every acquisition
type EnvSource struct {
	Variable string
}

// Acquire implements TokenSource
func (s *EnvSource) Acquire(context.Context) (string, error) {
	value := strings.TrimSpace(os.Getenv(s.Variable))
	if value == "" {
		return "", fmt.Errorf("%w: %s is not set", ErrNoToken, s.Variable)
	}
	return value, nil
}

// SourceFunc adapts a function to TokenSource
type SourceFunc func(ctx context.Context) (string, error)

// Acquire implements TokenSource
func (f SourceFunc) Acquire(ctx context.Context) (string, error) {
	return f(ctx)
}
