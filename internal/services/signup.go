package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/durex/internal/engine"
)

// VerificationWindow is how long a signup waits for the email to be
// verified.
const VerificationWindow = 24 * time.Hour

// Signup statuses, as reported by Signup.status.
const (
	StatusPending  = "pending"
	StatusVerified = "verified"
	StatusExpired  = "expired"
)

// Mailer sends verification emails. It is called from a side effect, so it
// runs at most once per successful signup attempt.
type Mailer interface {
	SendVerification(ctx context.Context, email, code string) error
}

// LogMailer logs verification emails instead of sending them.
type LogMailer struct{}

// SendVerification implements Mailer.
func (LogMailer) SendVerification(_ context.Context, email, code string) error {
	slog.Info("verification email", "email", email, "code", code)
	return nil
}

// SignupRequest starts a signup.
type SignupRequest struct {
	Email string `json:"email"`
}

// SignupResult is the outcome of a signup workflow.
type SignupResult struct {
	Email    string `json:"email"`
	Verified bool   `json:"verified"`
}

// VerifyRequest carries the code from the verification email.
type VerifyRequest struct {
	Code string `json:"code"`
}

// Signup defines the "Signup" workflow, keyed by user id.
//
// run sends a verification code and races the "verified" promise against
// VerificationWindow. verify checks a code and resolves the promise. status
// reports progress.
func Signup(m Mailer) *engine.ServiceDefinition {
	s := &signup{mailer: m}
	return engine.NewWorkflow("Signup").
		Handler(engine.WorkflowRunHandler, engine.Handler(s.run)).
		Handler("verify", engine.Handler(s.verify)).
		Handler("status", engine.Handler(s.status))
}

type signup struct {
	mailer Mailer
}

func (s *signup) run(ctx engine.Context, req SignupRequest) (SignupResult, error) {
	if req.Email == "" {
		return SignupResult{}, engine.NewTerminalError(errors.New("email is required"), engine.CodeBadRequest)
	}

	code := fmt.Sprintf("%06d", ctx.Rand().Intn(1_000_000))
	if err := ctx.Set("code", code); err != nil {
		return SignupResult{}, err
	}
	if err := ctx.Set("status", StatusPending); err != nil {
		return SignupResult{}, err
	}

	if _, err := ctx.Run("send-email", func(c context.Context) (any, error) {
		return nil, s.mailer.SendVerification(c, req.Email, code)
	}); err != nil {
		return SignupResult{}, err
	}

	i, _, err := ctx.Any(ctx.Promise("verified"), ctx.After(VerificationWindow))
	if err != nil {
		return SignupResult{}, err
	}

	result := SignupResult{Email: req.Email, Verified: i == 0}
	status := StatusExpired
	if result.Verified {
		status = StatusVerified
	}
	if err := ctx.Set("status", status); err != nil {
		return SignupResult{}, err
	}
	ctx.Log().Info("signup finished", "user", ctx.Key(), "status", status)
	return result, nil
}

func (s *signup) verify(ctx engine.Context, req VerifyRequest) (bool, error) {
	code, ok, err := engine.GetAs[string](ctx, "code")
	if err != nil {
		return false, err
	}
	if !ok || req.Code != code {
		return false, engine.NewTerminalError(errors.New("invalid verification code"), engine.CodeBadRequest)
	}
	if err := ctx.ResolvePromise("verified", true); err != nil {
		return false, err
	}
	return true, nil
}

func (s *signup) status(ctx engine.Context, _ struct{}) (string, error) {
	st, ok, err := engine.GetAs[string](ctx, "status")
	if err != nil || !ok {
		return "", err
	}
	return st, nil
}
