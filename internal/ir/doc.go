// Package ir provides the canonical encoding and content-addressed identity
// used by durex for journal payloads and request hashing.
//
// This package has no internal dependencies; every other internal package may
// import it.
//
// Key design constraints:
//   - Journaled payloads are stored in canonical form so that replaying a
//     journal yields byte-identical values on every attempt
//   - Logical clocks (seq) order events, never wall-clock timestamps
//   - Hashes use SHA-256 with domain separation
package ir
