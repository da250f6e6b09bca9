package journal

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/durex/internal/ir"
)

// Digest returns a content digest of a journal. It covers every entry's
// kind, name, ref, payload and failure in seq order; payloads are
// canonicalized first, so formatting differences do not change it.
func Digest(entries []Entry) (string, error) {
	hashes := make([]string, 0, len(entries))
	for _, e := range entries {
		body, err := json.Marshal(struct {
			Ref     int64           `json:"ref"`
			Payload json.RawMessage `json:"payload"`
			Failure *Failure        `json:"failure"`
		}{e.Ref, e.Payload, e.Failure})
		if err != nil {
			return "", fmt.Errorf("digest seq %d: %w", e.Seq, err)
		}
		h, err := ir.EntryHash(string(e.Kind), e.Name, body)
		if err != nil {
			return "", fmt.Errorf("digest seq %d: %w", e.Seq, err)
		}
		hashes = append(hashes, h)
	}
	return ir.JournalDigest(hashes), nil
}
