// Package identity generates collision-free model numbers and serial
// identifiers for new workers. The role catalog is a fixed, closed
// enumeration: unknown roles are a typed error, never a silent default.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownRole indicates a registration referenced a role absent from the
// model catalog. Fatal to that call; the caller must retry with a valid role.
var ErrUnknownRole = errors.New("unknown role")

// catalog is the fixed role -> model number lookup table. Model numbers
// encode a role family and generation: DMN-<two letter family>-<two digit
// generation>. The catalog is not mutable at runtime; changing it means
// redeploying the coordinator.
var catalog = map[string]string{
	"conversation": "DMN-CV-01",
	"nft_mint":     "DMN-GN-02",
	"market_watch": "DMN-MW-01",
	"lore_craft":   "DMN-LC-03",
	"voice_synth":  "DMN-VS-01",
	"guardian":     "DMN-GD-02",
	"archivist":    "DMN-AR-01",
	"oracle":       "DMN-OR-02",
}

// Allocator produces worker identities. It holds no mutable state: serial
// uniqueness comes from a cryptographically random shard plus a time-derived
// counter, so concurrent Allocate calls never race on a shared counter.
type Allocator struct{}

// NewAllocator creates an identity allocator.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Allocate resolves a role against the model catalog and mints a new serial.
// The serial format is <MODEL-NUMBER>-<RANDOMSHARD>-<COUNTER> where
// RANDOMSHARD is 8 random hex digits and COUNTER is a 5 hex digit
// time-derived value. Returns ErrUnknownRole if the role is not catalogued.
//
// The caller is responsible for persisting the identity; Allocate has no
// side effects.
func (a *Allocator) Allocate(role string) (modelNumber, serial string, err error) {
	modelNumber, ok := catalog[role]
	if !ok {
		return "", "", fmt.Errorf("role %q not in model catalog: %w", role, ErrUnknownRole)
	}

	shard := make([]byte, 4)
	if _, err := rand.Read(shard); err != nil {
		return "", "", fmt.Errorf("failed to generate serial shard: %w", err)
	}

	// 5 hex digits of the nanosecond clock. The counter alone is not unique;
	// paired with the 32-bit random shard it makes collisions impractical
	// even under heavy concurrent registration.
	counter := time.Now().UnixNano() & 0xFFFFF

	serial = fmt.Sprintf("%s-%s-%05X",
		modelNumber,
		strings.ToUpper(hex.EncodeToString(shard)),
		counter,
	)

	return modelNumber, serial, nil
}

// Catalog returns a copy of the role -> model number table for read-only
// exposure (the GET models/catalog endpoint).
func (a *Allocator) Catalog() map[string]string {
	out := make(map[string]string, len(catalog))
	for role, model := range catalog {
		out[role] = model
	}
	return out
}

// ModelForRole resolves a single role, returning ErrUnknownRole if absent.
func (a *Allocator) ModelForRole(role string) (string, error) {
	model, ok := catalog[role]
	if !ok {
		return "", fmt.Errorf("role %q not in model catalog: %w", role, ErrUnknownRole)
	}
	return model, nil
}
