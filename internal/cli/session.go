package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/roach88/durex/internal/archive"
	"github.com/roach88/durex/internal/config"
	"github.com/roach88/durex/internal/engine"
	"github.com/roach88/durex/internal/services"
	"github.com/roach88/durex/internal/store"
)

// session is a runtime over the demo services opened for one command.
//
// Commands that only write to the store (send, resolve, purge) never start
// the event loop; the work they create is picked up by the next runtime that
// does. Commands that wait for an outcome start it and drive the invocation
// in-process.
type session struct {
	cfg     config.Config
	store   *store.Store
	archive *archive.Archive
	rt      *engine.Runtime
	client  *engine.Client

	cancel context.CancelFunc
	done   chan error
}

// loadConfig reads --config, or the defaults, and applies --db.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg := config.Default()
	if opts.Config != "" {
		var err error
		if cfg, err = config.Load(opts.Config); err != nil {
			return config.Config{}, err
		}
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	return cfg, nil
}

func openSession(opts *RootOptions) (*session, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	slog.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	s := &session{cfg: cfg, store: st}

	rtOpts := []engine.RuntimeOption{
		engine.WithConcurrency(cfg.Concurrency),
		engine.WithJournalQuota(cfg.JournalQuota),
		engine.WithRetryPolicy(cfg.Retry),
		engine.WithRetention(cfg.Retention, cfg.SweepInterval),
	}
	if cfg.Archive != "" {
		a, err := archive.Open(cfg.Archive)
		if err != nil {
			s.Close()
			return nil, WrapExitError(ExitCommandError, "failed to open archive", err)
		}
		s.archive = a
		rtOpts = append(rtOpts, engine.WithArchive(a))
	}

	reg := engine.NewRegistry()
	if err := reg.Register(services.Definitions(services.LogMailer{})...); err != nil {
		s.Close()
		return nil, WrapExitError(ExitCommandError, "failed to register services", err)
	}

	rt, err := engine.New(st, reg, rtOpts...)
	if err != nil {
		s.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create runtime", err)
	}
	s.rt = rt
	s.client = rt.Client()
	return s, nil
}

// start runs the runtime in the background until Close.
func (s *session) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan error, 1)
	go func() {
		s.done <- s.rt.Run(ctx)
	}()
}

// Close stops the runtime, if started, and closes the archive and store.
func (s *session) Close() error {
	var errs error
	if s.cancel != nil {
		s.cancel()
		errs = multierr.Append(errs, <-s.done)
		s.cancel = nil
	}
	if s.archive != nil {
		errs = multierr.Append(errs, s.archive.Close())
	}
	errs = multierr.Append(errs, s.store.Close())
	if errs != nil {
		slog.Error("error closing session", "error", errs)
	}
	return errs
}

// reportError writes err in the configured format and returns the matching
// ExitError.
func reportError(f *OutputFormatter, message string, err error) error {
	code, exit := classify(err)

	var details any
	var re *engine.RuntimeError
	if errors.As(err, &re) {
		details = re.Details
	}
	if ferr := f.Error(code, fmt.Sprintf("%s: %v", message, err), details); ferr != nil {
		return ferr
	}
	return WrapExitError(exit, message, err)
}

func classify(err error) (code string, exit int) {
	var exitErr *ExitError
	switch {
	case errors.As(err, &exitErr):
		return ErrCodeGeneric, exitErr.Code
	case engine.IsNotFound(err), errors.Is(err, store.ErrNotFound):
		return ErrCodeNotFound, ExitFailure
	case engine.IsAlreadyCompleted(err), engine.IsIdempotencyConflict(err):
		return ErrCodeConflict, ExitFailure
	case engine.IsUnknownTarget(err):
		return ErrCodeBadArgs, ExitCommandError
	case engine.IsCancelled(err):
		return ErrCodeCancelled, ExitFailure
	case engine.IsTerminal(err):
		return ErrCodeFailed, ExitFailure
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout, ExitFailure
	default:
		var re *engine.RuntimeError
		if errors.As(err, &re) && re.Code == engine.ErrCodeStopped {
			return ErrCodeStopped, ExitFailure
		}
		return ErrCodeGeneric, ExitCommandError
	}
}
