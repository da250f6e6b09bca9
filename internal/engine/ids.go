package engine

import (
	"github.com/google/uuid"
)

// IDGenerator produces invocation ids.
type IDGenerator interface {
	Generate() string
}

// InvocationIDPrefix prefixes every generated invocation id.
const InvocationIDPrefix = "inv_"

// UUIDv7Generator generates time-sortable UUIDv7 invocation ids.
//
// UUIDv7 embeds a timestamp in the most significant bits, so ids sort by
// creation time, which helps when reading store dumps.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new id of the form "inv_<uuidv7>".
//
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return InvocationIDPrefix + uuid.Must(uuid.NewV7()).String()
}
