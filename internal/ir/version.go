package ir

// Version constants for the journal format and engine.
const (
	// JournalVersion is the journal entry format version.
	JournalVersion = "1"

	// EngineVersion is the durex engine version.
	EngineVersion = "0.1.0"
)
