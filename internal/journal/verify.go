package journal

import (
	"encoding/json"
	"fmt"
)

// Violation describes one integrity problem found by Verify.
type Violation struct {
	Seq     int64  `json:"seq"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("seq %d: %s", v.Seq, v.Message)
}

// CombinatorPayload is the payload of a KindCombinator entry: the refs of the
// futures in the order the combinator observed them resolve.
type CombinatorPayload struct {
	Order []int64 `json:"order"`
}

// Verify checks the structural integrity of a journal:
//   - seq values are contiguous starting at 1
//   - every kind is known
//   - each resolution references an earlier entry that creates a future of
//     the matching kind, and no future is resolved twice
//   - combinator entries only list futures resolved before them
//
// Returns an empty slice for a well-formed journal.
func Verify(entries []Entry) []Violation {
	violations := []Violation{}
	add := func(seq int64, format string, args ...any) {
		violations = append(violations, Violation{Seq: seq, Message: fmt.Sprintf(format, args...)})
	}

	bySeq := make(map[int64]Entry, len(entries))
	resolved := make(map[int64]int64) // future ref -> seq of its resolution

	for i, e := range entries {
		if want := int64(i) + 1; e.Seq != want {
			add(e.Seq, "expected seq %d", want)
		}
		bySeq[e.Seq] = e

		if !e.Kind.Valid() {
			add(e.Seq, "unknown kind %q", e.Kind)
			continue
		}

		switch {
		case e.Kind.IsResolution():
			creator, ok := bySeq[e.Ref]
			if !ok || e.Ref >= e.Seq {
				add(e.Seq, "%s references missing or later entry %d", e.Kind, e.Ref)
				continue
			}
			if want, _ := ResolutionFor(creator.Kind); want != e.Kind {
				add(e.Seq, "%s cannot resolve %s entry %d", e.Kind, creator.Kind, e.Ref)
				continue
			}
			if creator.Failed() {
				add(e.Seq, "future %d was rejected when created", e.Ref)
				continue
			}
			if prev, dup := resolved[e.Ref]; dup {
				add(e.Seq, "future %d already resolved at seq %d", e.Ref, prev)
				continue
			}
			resolved[e.Ref] = e.Seq

		case e.Kind == KindCombinator:
			var p CombinatorPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				add(e.Seq, "combinator payload: %v", err)
				continue
			}
			for _, ref := range p.Order {
				creator, ok := bySeq[ref]
				if !ok || !creator.Kind.CreatesFuture() {
					add(e.Seq, "combinator lists %d which is not a future", ref)
					continue
				}
				if _, done := resolved[ref]; !done && !creator.Failed() {
					add(e.Seq, "combinator lists unresolved future %d", ref)
				}
			}

		default:
			if e.Ref != 0 {
				add(e.Seq, "%s entry must not carry a ref", e.Kind)
			}
		}
	}

	return violations
}
