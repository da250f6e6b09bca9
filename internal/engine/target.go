package engine

import (
	"fmt"
	"strings"
)

// Target addresses a handler: a service, the key for virtual objects and
// workflows, and the handler name.
type Target struct {
	Service string
	Key     string
	Handler string
}

// ServiceTarget addresses a handler of a stateless service.
func ServiceTarget(service, handler string) Target {
	return Target{Service: service, Handler: handler}
}

// KeyedTarget addresses a handler of a virtual object or workflow.
func KeyedTarget(service, key, handler string) Target {
	return Target{Service: service, Key: key, Handler: handler}
}

// String formats the target as "Service/handler" or "Service/key/handler".
func (t Target) String() string {
	if t.Key == "" {
		return t.Service + "/" + t.Handler
	}
	return t.Service + "/" + t.Key + "/" + t.Handler
}

// ParseTarget parses the format produced by String.
//
// Keys may not contain "/". "Service//handler" is accepted as the empty key.
func ParseTarget(s string) (Target, error) {
	parts := strings.Split(s, "/")
	switch len(parts) {
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return Target{}, fmt.Errorf("invalid target %q", s)
		}
		return Target{Service: parts[0], Handler: parts[1]}, nil
	case 3:
		if parts[0] == "" || parts[2] == "" {
			return Target{}, fmt.Errorf("invalid target %q", s)
		}
		return Target{Service: parts[0], Key: parts[1], Handler: parts[2]}, nil
	default:
		return Target{}, fmt.Errorf("invalid target %q: want Service/handler or Service/key/handler", s)
	}
}
