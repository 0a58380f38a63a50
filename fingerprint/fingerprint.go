// Package fingerprint computes the stable content hash used to identify a
// pipeline stage across runs. Two stages with the same fingerprint are
// considered the same unit of work for completion-log purposes, regardless
// of which run produced them.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Spec is the canonical content of a stage that determines its identity.
// Anything that should invalidate a previously-recorded completion belongs
// here; anything purely cosmetic (display name, log path) does not.
type Spec struct {
	Command []string          `json:"command"`
	Inputs  []string          `json:"inputs"`
	Outputs []string          `json:"outputs"`
	Env     map[string]string `json:"env,omitempty"`
}

// Of returns the hex-encoded SHA-256 fingerprint of spec.
//
// Map keys are sorted and slices are hashed in the order given, so callers
// that want order-independence for Inputs/Outputs must sort them before
// calling Of. Command order always matters (it is the literal argv).
func Of(spec Spec) string {
	canonical := canonicalize(spec)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// canonicalize produces a deterministic byte representation of spec: JSON
// marshaling of a Go map already sorts keys, so the only extra care needed
// is normalizing the Env map into an ordered slice of pairs before hashing,
// which we get for free here since json.Marshal on map[string]string already
// emits keys in sorted order (Go's encoding/json guarantee).
func canonicalize(spec Spec) []byte {
	type pair struct {
		K string `json:"k"`
		V string `json:"v"`
	}
	envPairs := make([]pair, 0, len(spec.Env))
	for k, v := range spec.Env {
		envPairs = append(envPairs, pair{K: k, V: v})
	}
	sort.Slice(envPairs, func(i, j int) bool { return envPairs[i].K < envPairs[j].K })

	type canonicalSpec struct {
		Command []string `json:"command"`
		Inputs  []string `json:"inputs"`
		Outputs []string `json:"outputs"`
		Env     []pair   `json:"env"`
	}
	c := canonicalSpec{
		Command: spec.Command,
		Inputs:  spec.Inputs,
		Outputs: spec.Outputs,
		Env:     envPairs,
	}
	// json.Marshal never fails for this shape (no channels, funcs, or cycles).
	b, _ := json.Marshal(c)
	return b
}
