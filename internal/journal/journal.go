package journal

import "fmt"

// DefaultMaxLength bounds a journal when no quota is configured.
const DefaultMaxLength = 10000

// Journal is an invocation's entries plus a replay cursor.
//
// A Journal is owned by a single attempt and is not safe for concurrent use.
type Journal struct {
	entries []Entry
	cursor  int
	maxLen  int
}

// New creates a journal over previously recorded entries. Entries must be
// ordered by seq. A maxLen <= 0 selects DefaultMaxLength.
func New(entries []Entry, maxLen int) *Journal {
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	return &Journal{
		entries: entries,
		maxLen:  maxLen,
	}
}

// Len returns the number of recorded entries.
func (j *Journal) Len() int {
	return len(j.entries)
}

// Entries returns the recorded entries. The slice must not be modified.
func (j *Journal) Entries() []Entry {
	return j.entries
}

// Entry returns the entry with the given seq.
func (j *Journal) Entry(seq int64) (Entry, bool) {
	if seq < 1 || seq > int64(len(j.entries)) {
		return Entry{}, false
	}
	return j.entries[seq-1], true
}

// Replaying reports whether recorded entries remain to be consumed.
func (j *Journal) Replaying() bool {
	return j.cursor < len(j.entries)
}

// Peek returns the next recorded entry without consuming it.
func (j *Journal) Peek() (Entry, bool) {
	if !j.Replaying() {
		return Entry{}, false
	}
	return j.entries[j.cursor], true
}

// ReplayNext consumes and returns the next recorded entry.
// Returns false once replay has reached the end of the journal.
func (j *Journal) ReplayNext() (Entry, bool) {
	e, ok := j.Peek()
	if ok {
		j.cursor++
	}
	return e, ok
}

// Expect consumes the next recorded entry, checking that it records the same
// operation the handler is performing now.
//
// Returns (Entry{}, false, nil) when the journal is live.
func (j *Journal) Expect(kind Kind, name string) (Entry, bool, error) {
	e, ok := j.Peek()
	if !ok {
		return Entry{}, false, nil
	}
	if e.Kind != kind || e.Name != name {
		return Entry{}, false, &MismatchError{
			Seq:          e.Seq,
			ExpectedKind: e.Kind,
			ExpectedName: e.Name,
			ActualKind:   kind,
			ActualName:   name,
		}
	}
	j.cursor++
	return e, true, nil
}

// Finish checks that the handler consumed every recorded entry before
// returning. A handler that returns early took a path the recorded attempt
// did not.
func (j *Journal) Finish() error {
	e, ok := j.Peek()
	if !ok {
		return nil
	}
	return &MismatchError{
		Seq:          e.Seq,
		ExpectedKind: e.Kind,
		ExpectedName: e.Name,
		Returned:     true,
	}
}

// Record appends a new entry and returns its seq.
//
// Recording while recorded entries remain unconsumed is a programming error:
// the handler must consume the journal before producing new entries.
func (j *Journal) Record(e Entry) (int64, error) {
	if err := j.CanRecord(); err != nil {
		return 0, fmt.Errorf("record %s: %w", e.Kind, err)
	}

	e.Seq = int64(len(j.entries)) + 1
	j.entries = append(j.entries, e)
	j.cursor = len(j.entries)
	return e.Seq, nil
}

// Next returns the seq the next recorded entry will receive.
func (j *Journal) Next() int64 {
	return int64(len(j.entries)) + 1
}

// CanRecord reports whether a new entry may be appended: replay must be
// complete and the length quota must have room.
func (j *Journal) CanRecord() error {
	if j.Replaying() {
		return fmt.Errorf("%d recorded entries not yet replayed", len(j.entries)-j.cursor)
	}
	if len(j.entries) >= j.maxLen {
		return &LengthExceededError{Length: len(j.entries) + 1, Limit: j.maxLen}
	}
	return nil
}
