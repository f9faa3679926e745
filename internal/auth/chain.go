package auth

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"bulkxfer/internal/tool"

	"go.uber.org/zap"
)

// Mode names an authentication strategy, passed to the tool as -auth <mode>
type Mode string

const (
	ModeNone        Mode = "none"
	ModeCached      Mode = "cached"
	ModeToken       Mode = "token"
	ModeInteractive Mode = "user"
)

// Strategy produces the auth arguments appended to a tool invocation
type Strategy struct {
	Mode Mode
	Args func(ctx context.Context) ([]string, error)
}

// ChainConfig selects which strategies are available
type ChainConfig struct {
	UseToken bool   // start the chain at the managed-token strategy
	User     string // enables the interactive strategy when set
}

// ErrNoStrategy is returned when every strategy was unusable
var ErrNoStrategy = errors.New("no authentication strategy available")

// Chain invokes the tool, falling back through the strategies in order
// none → cached → token → interactive when a call fails for auth reasons.
// It satisfies tool.Invoker so callers stay unaware of authentication.
type Chain struct {
	invoker       tool.Invoker
	manager       *Manager
	strategies    []Strategy
	isAuthFailure func(diagnostic string) bool
	logger        *zap.Logger

	preferred atomic.Int32 // index of the last strategy that worked
}

// NewChain builds the strategy chain. manager may be nil, in which case
// the token strategy is left out.
func NewChain(invoker tool.Invoker, manager *Manager, cfg ChainConfig, isAuthFailure func(string) bool, logger *zap.Logger) *Chain {
	c := &Chain{
		invoker:       invoker,
		manager:       manager,
		isAuthFailure: isAuthFailure,
		logger:        logger,
	}

	c.strategies = append(c.strategies,
		Strategy{Mode: ModeNone, Args: staticArgs(ModeNone)},
		Strategy{Mode: ModeCached, Args: staticArgs(ModeCached)},
	)
	if manager != nil {
		c.strategies = append(c.strategies, Strategy{Mode: ModeToken, Args: c.tokenArgs})
	}
	if cfg.User != "" {
		user := cfg.User
		c.strategies = append(c.strategies, Strategy{
			Mode: ModeInteractive,
			Args: func(context.Context) ([]string, error) {
				return []string{"-auth", string(ModeInteractive), "-user", user}, nil
			},
		})
	}

	if cfg.UseToken && manager != nil {
		c.preferred.Store(int32(c.index(ModeToken)))
	}
	return c
}

func staticArgs(mode Mode) func(context.Context) ([]string, error) {
	return func(context.Context) ([]string, error) {
		return []string{"-auth", string(mode)}, nil
	}
}

func (c *Chain) tokenArgs(ctx context.Context) ([]string, error) {
	if _, err := c.manager.GetToken(ctx, false); err != nil {
		return nil, err
	}
	return []string{"-auth", string(ModeToken), "-tokenfile", c.manager.TokenFile()}, nil
}

func (c *Chain) index(mode Mode) int {
	for i, s := range c.strategies {
		if s.Mode == mode {
			return i
		}
	}
	return 0
}

// Modes lists the strategies in fallback order
func (c *Chain) Modes() []Mode {
	modes := make([]Mode, len(c.strategies))
	for i, s := range c.strategies {
		modes[i] = s.Mode
	}
	return modes
}

// Preferred returns the strategy the next call starts with
func (c *Chain) Preferred() Mode {
	return c.strategies[c.preferred.Load()].Mode
}

// Invoke runs the tool with args followed by the auth arguments of the
// current strategy. An auth-shaped failure under the token strategy forces
// one token refresh and a retry before moving on to the next strategy.
// Failures that are not auth-shaped, and timeouts whatever their output,
// are returned as they are.
func (c *Chain) Invoke(ctx context.Context, args ...string) (*tool.Result, error) {
	var (
		lastRes *tool.Result
		lastErr error
	)

	for i := int(c.preferred.Load()); i < len(c.strategies); i++ {
		s := c.strategies[i]

		authArgs, err := s.Args(ctx)
		if err != nil {
			c.logger.Warn("Authentication strategy unavailable",
				zap.String("mode", string(s.Mode)),
				zap.Error(err),
			)
			lastErr = err
			continue
		}

		res, err := c.invoker.Invoke(ctx, withAuth(args, authArgs)...)
		if err == nil {
			c.prefer(i)
			return res, nil
		}
		if ctx.Err() != nil || timedOut(res) || !c.isAuthFailure(diagnostic(res, err)) {
			return res, err
		}

		if s.Mode == ModeToken {
			retryRes, retryErr := c.retryWithFreshToken(ctx, args)
			if retryErr == nil {
				c.prefer(i)
				return retryRes, nil
			}
			if retryRes != nil {
				if timedOut(retryRes) || !c.isAuthFailure(diagnostic(retryRes, retryErr)) {
					return retryRes, retryErr
				}
				res, err = retryRes, retryErr
			}
		}

		c.logger.Debug("Authentication failed, trying next strategy",
			zap.String("mode", string(s.Mode)),
			zap.Strings("args", args),
		)
		lastRes, lastErr = res, err
	}

	if lastErr == nil {
		lastErr = ErrNoStrategy
	}
	return lastRes, lastErr
}

func (c *Chain) retryWithFreshToken(ctx context.Context, args []string) (*tool.Result, error) {
	if _, err := c.manager.GetToken(ctx, true); err != nil {
		return nil, fmt.Errorf("forced token refresh failed: %w", err)
	}
	return c.invoker.Invoke(ctx, withAuth(args, []string{"-auth", string(ModeToken), "-tokenfile", c.manager.TokenFile()})...)
}

// prefer moves the starting strategy forward; it never moves back
func (c *Chain) prefer(i int) {
	for {
		cur := c.preferred.Load()
		if int32(i) <= cur || c.preferred.CompareAndSwap(cur, int32(i)) {
			return
		}
	}
}

func withAuth(args, authArgs []string) []string {
	out := make([]string, 0, len(args)+len(authArgs))
	out = append(out, args...)
	return append(out, authArgs...)
}

func timedOut(res *tool.Result) bool {
	return res != nil && res.TimedOut
}

func diagnostic(res *tool.Result, err error) string {
	if res != nil {
		return res.Diagnostic()
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
