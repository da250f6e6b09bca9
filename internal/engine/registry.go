package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/durex/internal/store"
)

// WorkflowRunHandler is the name of a workflow's primary handler.
const WorkflowRunHandler = "run"

// ServiceDefinition describes a service, virtual object or workflow and its
// handlers. Build one with NewService, NewObject or NewWorkflow.
type ServiceDefinition struct {
	name     string
	kind     store.ServiceKind
	handlers map[string]*handlerDefinition
	errs     []error
}

type handlerDefinition struct {
	name   string
	fn     HandlerFunc
	shared bool
}

// HandlerOption configures a handler.
type HandlerOption func(*handlerDefinition)

// Shared marks a virtual object handler as shared: it may read state and run
// concurrently with other shared handlers on the same key. Workflow handlers
// other than run are always shared.
func Shared() HandlerOption {
	return func(h *handlerDefinition) {
		h.shared = true
	}
}

// NewService defines a stateless service. Its invocations run concurrently.
func NewService(name string) *ServiceDefinition {
	return newDefinition(name, store.KindService)
}

// NewObject defines a virtual object: keyed state with exclusive handlers
// serialized per key.
func NewObject(name string) *ServiceDefinition {
	return newDefinition(name, store.KindObject)
}

// NewWorkflow defines a workflow. Its run handler executes at most once per
// workflow key; its other handlers are shared.
func NewWorkflow(name string) *ServiceDefinition {
	return newDefinition(name, store.KindWorkflow)
}

func newDefinition(name string, kind store.ServiceKind) *ServiceDefinition {
	return &ServiceDefinition{
		name:     name,
		kind:     kind,
		handlers: make(map[string]*handlerDefinition),
	}
}

// Name returns the service name.
func (d *ServiceDefinition) Name() string {
	return d.name
}

// Kind returns how the service serializes invocations.
func (d *ServiceDefinition) Kind() store.ServiceKind {
	return d.kind
}

// Handler adds a handler. Definition errors are reported by
// Registry.Register.
func (d *ServiceDefinition) Handler(name string, fn HandlerFunc, opts ...HandlerOption) *ServiceDefinition {
	h := &handlerDefinition{name: name, fn: fn}
	for _, opt := range opts {
		opt(h)
	}

	switch {
	case name == "" || strings.Contains(name, "/"):
		d.errs = append(d.errs, fmt.Errorf("%s: invalid handler name %q", d.name, name))
	case fn == nil:
		d.errs = append(d.errs, fmt.Errorf("%s/%s: nil handler", d.name, name))
	case d.handlers[name] != nil:
		d.errs = append(d.errs, fmt.Errorf("%s/%s: duplicate handler", d.name, name))
	case d.kind == store.KindService && h.shared:
		d.errs = append(d.errs, fmt.Errorf("%s/%s: services have no shared handlers", d.name, name))
	case d.kind == store.KindWorkflow && name == WorkflowRunHandler && h.shared:
		d.errs = append(d.errs, fmt.Errorf("%s/%s: the workflow run handler cannot be shared", d.name, name))
	}

	if d.kind == store.KindWorkflow && name != WorkflowRunHandler {
		h.shared = true
	}
	d.handlers[name] = h
	return d
}

// HandlerNames returns the handler names in sorted order.
func (d *ServiceDefinition) HandlerNames() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *ServiceDefinition) validate() error {
	errs := append([]error(nil), d.errs...)
	if d.name == "" || strings.Contains(d.name, "/") {
		errs = append(errs, fmt.Errorf("invalid service name %q", d.name))
	}
	if d.kind == store.KindWorkflow && d.handlers[WorkflowRunHandler] == nil {
		errs = append(errs, fmt.Errorf("%s: workflow has no %q handler", d.name, WorkflowRunHandler))
	}
	return errors.Join(errs...)
}

// Registry maps service names to definitions. Targets are resolved through
// it by name, never by reflection.
type Registry struct {
	services map[string]*ServiceDefinition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*ServiceDefinition)}
}

// Register adds service definitions, returning every definition error found.
func (r *Registry) Register(defs ...*ServiceDefinition) error {
	var errs []error
	for _, d := range defs {
		if err := d.validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if r.services[d.name] != nil {
			errs = append(errs, fmt.Errorf("service %q registered twice", d.name))
			continue
		}
		r.services[d.name] = d
	}
	return errors.Join(errs...)
}

// Services returns the registered definitions sorted by name.
func (r *Registry) Services() []*ServiceDefinition {
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]*ServiceDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.services[name])
	}
	return defs
}

// resolved is a target matched to its definitions.
type resolved struct {
	target  Target
	service *ServiceDefinition
	handler *handlerDefinition
}

// lockClass returns the key lock an invocation of this target needs.
func (r resolved) lockClass() lockClass {
	return classFor(r.service.kind, r.handler.shared)
}

func (r resolved) workflowRun() bool {
	return r.service.kind == store.KindWorkflow && r.handler.name == WorkflowRunHandler
}

// Resolve matches a target to a registered handler.
func (r *Registry) Resolve(t Target) (resolved, error) {
	svc := r.services[t.Service]
	if svc == nil {
		return resolved{}, &RuntimeError{Code: ErrCodeUnknownTarget, Message: fmt.Sprintf("unknown service %q", t.Service)}
	}
	h := svc.handlers[t.Handler]
	if h == nil {
		return resolved{}, &RuntimeError{Code: ErrCodeUnknownTarget, Message: fmt.Sprintf("unknown handler %q", t.String())}
	}

	if svc.kind == store.KindService && t.Key != "" {
		return resolved{}, &RuntimeError{Code: ErrCodeUnknownTarget, Message: fmt.Sprintf("service %q is not keyed", t.Service)}
	}
	if svc.kind != store.KindService && t.Key == "" {
		return resolved{}, &RuntimeError{Code: ErrCodeUnknownTarget, Message: fmt.Sprintf("%s %q requires a key", svc.kind, t.Service)}
	}
	if strings.Contains(t.Key, "/") {
		return resolved{}, &RuntimeError{Code: ErrCodeUnknownTarget, Message: fmt.Sprintf("key %q may not contain '/'", t.Key)}
	}

	return resolved{target: t, service: svc, handler: h}, nil
}
