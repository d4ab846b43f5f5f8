// Package supervisor runs the node's long-lived components — each one
// a blocking Run(ctx) that returns when ctx is canceled — under a
// single top-level lifecycle. A component that exits early with a
// types.Transient-classified error is restarted with exponential
// backoff, the same retry-only-Transient rule pkg/lifecycle applies to
// a single stack's Deploy call. A Fatal or unclassified exit escalates:
// the supervisor cancels every other component and returns, which the
// entry point treats as a supervisor failure.
//
// Shutdown propagates from the context passed to Run: canceling it
// cancels every component's ctx, and Run waits up to Config's
// ShutdownGrace (spec default 30s) for all of them to return before
// giving up and returning anyway.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/mu-protocol/executor/pkg/log"
	"github.com/mu-protocol/executor/pkg/types"
)

// Component is one long-lived node subsystem. Run must block until ctx
// is canceled (returning nil) or it hits an error it cannot recover
// from internally.
type Component interface {
	Name() string
	Run(ctx context.Context) error
}

// funcComponent adapts a plain function into a Component, for
// subsystems whose Start method already matches the Run(ctx) error
// shape with nothing left to wrap.
type funcComponent struct {
	name string
	fn   func(ctx context.Context) error
}

func (f *funcComponent) Name() string                 { return f.name }
func (f *funcComponent) Run(ctx context.Context) error { return f.fn(ctx) }

// NewComponent wraps fn as a Component named name.
func NewComponent(name string, fn func(ctx context.Context) error) Component {
	return &funcComponent{name: name, fn: fn}
}

// Config tunes restart backoff and shutdown timing.
type Config struct {
	// ShutdownGrace bounds how long Run waits for every component to
	// return once its context is canceled. Spec default 30s.
	ShutdownGrace time.Duration
	// RestartMaxElapsed bounds how long a single component may keep
	// being restarted before the supervisor gives up and escalates.
	RestartMaxElapsed time.Duration
}

func (c Config) withDefaults() Config {
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.RestartMaxElapsed == 0 {
		c.RestartMaxElapsed = 5 * time.Minute
	}
	return c
}

// Supervisor owns a fixed set of Components and runs them together.
type Supervisor struct {
	cfg        Config
	logger     zerolog.Logger
	components []Component
}

// New creates a Supervisor. Register components before calling Run.
func New(cfg Config) *Supervisor {
	return &Supervisor{
		cfg:    cfg.withDefaults(),
		logger: log.WithComponent("supervisor"),
	}
}

// Register adds c to the set Run starts. Not safe to call concurrently
// with Run.
func (s *Supervisor) Register(c Component) {
	s.components = append(s.components, c)
}

// Run starts every registered component and blocks until parent is
// canceled or a component escalates. It returns nil on a clean
// shutdown driven by parent, or a non-nil error identifying the
// component whose failure ended supervision early.
func (s *Supervisor) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var wg sync.WaitGroup
	failCh := make(chan error, len(s.components))

	for _, c := range s.components {
		wg.Add(1)
		go func(c Component) {
			defer wg.Done()
			if err := s.runWithRestart(ctx, c); err != nil {
				select {
				case failCh <- fmt.Errorf("component %s: %w", c.Name(), err):
				default:
				}
				cancel()
			}
		}(c)
	}

	doneCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneCh)
	}()

	select {
	case <-parent.Done():
		s.logger.Info().Msg("shutdown requested")
	case <-doneCh:
		// every component returned on its own before shutdown was
		// requested; nothing left to wait for.
	}
	cancel()

	select {
	case <-doneCh:
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn().Dur("grace", s.cfg.ShutdownGrace).Msg("components still running past shutdown grace window")
	}

	select {
	case err := <-failCh:
		return err
	default:
		return nil
	}
}

// runWithRestart calls c.Run repeatedly, restarting with exponential
// backoff only when it exits with a types.Transient-classified error.
// A Fatal or unclassified error, or exceeding RestartMaxElapsed,
// escalates by returning the error.
func (s *Supervisor) runWithRestart(ctx context.Context, c Component) error {
	logger := s.logger.With().Str("component", c.Name()).Logger()

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = s.cfg.RestartMaxElapsed

	return backoff.Retry(func() error {
		err := c.Run(ctx)
		if err == nil {
			if ctx.Err() != nil {
				return nil
			}
			// a component returning nil before ctx was canceled is
			// still an unexpected exit worth restarting.
			logger.Warn().Msg("component exited before shutdown was requested, restarting")
			return fmt.Errorf("component %s exited unexpectedly", c.Name())
		}
		if ctx.Err() != nil {
			return nil
		}

		var classified *types.Classified
		if asClassified(err, &classified) && classified.Outcome == types.OutcomeTransient {
			logger.Warn().Err(err).Msg("component failed, restarting")
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}

func asClassified(err error, target **types.Classified) bool {
	for err != nil {
		if c, ok := err.(*types.Classified); ok {
			*target = c
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
