// Package config loads runtime configuration from a CUE file.
//
// The file is unified with an embedded schema that supplies defaults and
// constraints, so a missing or empty file yields Default(). Every error is
// reported, not just the first.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"go.uber.org/multierr"

	"github.com/roach88/durex/internal/retry"
)

//go:embed schema.cue
var schemaCUE string

// Config is the runtime configuration.
type Config struct {
	Database     string
	Archive      string
	Concurrency  int
	JournalQuota int

	// Retention is how long finished invocations are kept. Zero keeps them
	// forever.
	Retention     time.Duration
	SweepInterval time.Duration

	Retry retry.Policy
}

// file mirrors the schema.
type file struct {
	Database     string `json:"database"`
	Archive      string `json:"archive"`
	Concurrency  int    `json:"concurrency"`
	JournalQuota int    `json:"journal_quota"`
	Retention    struct {
		After    string `json:"after"`
		Interval string `json:"interval"`
	} `json:"retention"`
	Retry struct {
		Initial     string  `json:"initial"`
		Multiplier  float64 `json:"multiplier"`
		Max         string  `json:"max"`
		Jitter      bool    `json:"jitter"`
		MaxAttempts int     `json:"max_attempts"`
	} `json:"retry"`
}

// FieldError is a configuration error at a field.
type FieldError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *FieldError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Default returns the configuration used when no file is given.
func Default() Config {
	c, err := Parse("default.cue", nil)
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema: %v", err))
	}
	return c
}

// Load reads and parses a configuration file.
func Load(path string) (Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return Parse(path, src)
}

// Parse parses CUE source. filename is used in error positions.
func Parse(filename string, src []byte) (Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile schema: %w", err)
	}

	user := ctx.CompileBytes(src, cue.Filename(filename))
	if err := user.Err(); err != nil {
		return Config{}, cueErrors(err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(user)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Config{}, cueErrors(err)
	}

	var f file
	if err := v.Decode(&f); err != nil {
		return Config{}, cueErrors(err)
	}
	return f.config()
}

func (f file) config() (Config, error) {
	var errs error
	duration := func(field, s string) time.Duration {
		d, err := time.ParseDuration(s)
		if err != nil {
			errs = multierr.Append(errs, &FieldError{Field: field, Message: fmt.Sprintf("invalid duration %q", s)})
			return 0
		}
		if d < 0 {
			errs = multierr.Append(errs, &FieldError{Field: field, Message: "must not be negative"})
		}
		return d
	}

	c := Config{
		Database:      f.Database,
		Archive:       f.Archive,
		Concurrency:   f.Concurrency,
		JournalQuota:  f.JournalQuota,
		Retention:     duration("retention.after", f.Retention.After),
		SweepInterval: duration("retention.interval", f.Retention.Interval),
		Retry: retry.Policy{
			Initial:     duration("retry.initial", f.Retry.Initial),
			Multiplier:  f.Retry.Multiplier,
			Max:         duration("retry.max", f.Retry.Max),
			Jitter:      f.Retry.Jitter,
			MaxAttempts: f.Retry.MaxAttempts,
		},
	}
	if errs != nil {
		return Config{}, errs
	}

	if c.Retention > 0 && c.SweepInterval <= 0 {
		errs = multierr.Append(errs, &FieldError{Field: "retention.interval", Message: "must be positive when retention is enabled"})
	}
	if err := c.Retry.Validate(); err != nil {
		errs = multierr.Append(errs, &FieldError{Field: "retry", Message: err.Error()})
	}
	if errs != nil {
		return Config{}, errs
	}
	return c, nil
}

// cueErrors converts CUE errors into FieldErrors combined with multierr.
func cueErrors(err error) error {
	var errs error
	for _, e := range cueerrors.Errors(err) {
		fe := &FieldError{
			Field:   strings.Join(e.Path(), "."),
			Message: e.Error(),
		}
		if fe.Field == "" {
			fe.Field = "cue"
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			fe.Pos = pos[0]
		}
		errs = multierr.Append(errs, fe)
	}
	if errs == nil {
		return err
	}
	return errs
}
