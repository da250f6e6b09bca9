package services

import "github.com/roach88/durex/internal/engine"

// Greeting is the request of Greeter.greet.
type Greeting struct {
	Name string `json:"name"`
}

// GreetingResponse is the response of Greeter.greet.
type GreetingResponse struct {
	Message string `json:"message"`
}

// Greeter defines the "Greeter" service.
func Greeter() *engine.ServiceDefinition {
	return engine.NewService("Greeter").
		Handler("greet", engine.Handler(greet))
}

func greet(_ engine.Context, g Greeting) (GreetingResponse, error) {
	return GreetingResponse{Message: "You said hi to " + g.Name + "!"}, nil
}
