// Package signer implements ports.Signer. Real identity keypair
// generation and the marketplace's native signature scheme are external
// collaborators per spec.md §1 — this adapter is a concrete, testable
// stand-in that satisfies the same interface: it derives an Ed25519 key
// pair per agentId from the seed material in that identity's keys.json
// and signs/verifies hex-encoded signatures over exact byte payloads.
package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync"
)

// Signer holds one Ed25519 key pair per agentId, derived once and cached.
type Signer struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PrivateKey
}

// New returns an empty Signer; call Enroll for each identity before first
// use.
func New() *Signer {
	return &Signer{keys: make(map[string]ed25519.PrivateKey)}
}

// Enroll derives and caches an Ed25519 key pair for agentId from seed.
// seed must be >= ed25519.SeedSize bytes; shorter seeds are rejected
// rather than silently padded, since a weak seed would make the whole
// identity's signatures forgeable.
func (s *Signer) Enroll(agentID string, seed []byte) error {
	if len(seed) < ed25519.SeedSize {
		return fmt.Errorf("signer: seed for %s must be at least %d bytes, got %d", agentID, ed25519.SeedSize, len(seed))
	}
	key := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])

	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[agentID] = key
	return nil
}

// EnrollHexSeed is a convenience wrapper over Enroll for hex-encoded seed
// strings, the format keys.json stores PrivateKeySeed in.
func (s *Signer) EnrollHexSeed(agentID, hexSeed string) error {
	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return fmt.Errorf("signer: decoding seed for %s: %w", agentID, err)
	}
	return s.Enroll(agentID, seed)
}

// Sign returns a hex-encoded Ed25519 signature over payload.
func (s *Signer) Sign(_ context.Context, agentID string, payload []byte) (string, error) {
	s.mu.RLock()
	key, ok := s.keys[agentID]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("signer: no key enrolled for agent %s", agentID)
	}
	sig := ed25519.Sign(key, payload)
	return hex.EncodeToString(sig), nil
}

// Verify checks a hex-encoded signature over payload against agentId's
// public key.
func (s *Signer) Verify(_ context.Context, agentID string, payload []byte, signature string) (bool, error) {
	s.mu.RLock()
	key, ok := s.keys[agentID]
	s.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("signer: no key enrolled for agent %s", agentID)
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("signer: decoding signature: %w", err)
	}
	pub := key.Public().(ed25519.PublicKey)
	return ed25519.Verify(pub, payload, sig), nil
}
