package engine

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/durex/internal/ir"
)

// HandlerFunc is the untyped form of a handler. The request is canonical
// JSON; the returned output is canonicalized before it is stored.
type HandlerFunc func(ctx Context, request json.RawMessage) (json.RawMessage, error)

// Handler adapts a typed function into a HandlerFunc using JSON encoding.
//
// A request that does not decode into I fails the invocation with
// CodeBadRequest.
func Handler[I, O any](fn func(Context, I) (O, error)) HandlerFunc {
	return func(ctx Context, request json.RawMessage) (json.RawMessage, error) {
		var in I
		if len(request) > 0 && string(request) != "null" {
			if err := json.Unmarshal(request, &in); err != nil {
				return nil, NewTerminalError(fmt.Errorf("decode request: %w", err), CodeBadRequest)
			}
		}

		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}

		data, err := ir.MarshalCanonical(out)
		if err != nil {
			return nil, NewTerminalError(fmt.Errorf("encode response: %w", err), CodeInternal)
		}
		return data, nil
	}
}

// Decode unmarshals a raw result into T.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}
