package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainRequest = "durex/request/v1"
	DomainEntry   = "durex/entry/v1"
	DomainJournal = "durex/journal/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte (0x00) separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// RequestHash computes the identity of a request sent to a target.
//
// Two submissions carrying the same idempotency key must hash identically;
// a different hash means the key was reused for a different request.
func RequestHash(target string, request []byte) (string, error) {
	canonical, err := Canonicalize(request)
	if err != nil {
		return "", fmt.Errorf("RequestHash: %w", err)
	}

	data := make([]byte, 0, len(target)+1+len(canonical))
	data = append(data, target...)
	data = append(data, 0x00)
	data = append(data, canonical...)

	return hashWithDomain(DomainRequest, data), nil
}

// EntryHash computes a digest of a journal entry's kind, name and payload.
// Used to compare journals across replays without holding both in memory.
func EntryHash(kind, name string, payload []byte) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("EntryHash: %w", err)
	}

	data := make([]byte, 0, len(kind)+len(name)+2+len(canonical))
	data = append(data, kind...)
	data = append(data, 0x00)
	data = append(data, name...)
	data = append(data, 0x00)
	data = append(data, canonical...)

	return hashWithDomain(DomainEntry, data), nil
}

// JournalDigest folds entry hashes, in seq order, into one digest. Two
// journals have the same digest only if they record the same entries in the
// same order.
func JournalDigest(entryHashes []string) string {
	data := make([]byte, 0, len(entryHashes)*65)
	for _, h := range entryHashes {
		data = append(data, h...)
		data = append(data, 0x00)
	}
	return hashWithDomain(DomainJournal, data)
}

// MustRequestHash is like RequestHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustRequestHash(target string, request []byte) string {
	h, err := RequestHash(target, request)
	if err != nil {
		panic(err)
	}
	return h
}
