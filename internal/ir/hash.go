package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainGraph        = "fxaware/graph/v1"
	DomainReplacements = "fxaware/replacements/v1"
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

// GraphFingerprint computes the content hash of a graph.
// Structurally identical graphs (same names, ops, targets, arguments in the
// same order) have equal fingerprints regardless of how they were built.
func GraphFingerprint(g *Graph) (string, error) {
	obj, err := g.ToIR()
	if err != nil {
		return "", fmt.Errorf("GraphFingerprint: %w", err)
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("GraphFingerprint: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainGraph, canonical), nil
}

// ReplacementsHash computes the content hash of a replacement map
// (qualified module name -> replacement type name).
func ReplacementsHash(replacements map[string]string) (string, error) {
	obj := make(IRObject, len(replacements))
	for k, v := range replacements {
		obj[k] = IRString(v)
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("ReplacementsHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainReplacements, canonical), nil
}

// MustGraphFingerprint is like GraphFingerprint but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustGraphFingerprint(g *Graph) string {
	fp, err := GraphFingerprint(g)
	if err != nil {
		panic(err)
	}
	return fp
}
