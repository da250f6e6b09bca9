// Package services holds the example handlers shipped with durex.
//
// Greeter is a pure stateless service and produces no journal entries.
// Counter is a virtual object keyed by counter name. Signup is a workflow
// that waits for an email verification or gives up after a deadline.
//
// Definitions returns all three for registration:
//
//	reg := engine.NewRegistry()
//	err := reg.Register(services.Definitions(services.LogMailer{})...)
package services

import "github.com/roach88/durex/internal/engine"

// Definitions returns the example service definitions.
func Definitions(m Mailer) []*engine.ServiceDefinition {
	return []*engine.ServiceDefinition{
		Greeter(),
		Counter(),
		Signup(m),
	}
}
