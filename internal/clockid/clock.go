// Package clockid provides the monotonic time source and identity helpers
// shared by every other package in the control plane: a pluggable clock
// (so tests can advance time deterministically) and ID/fingerprint minting.
package clockid

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock access so rate windows and TTL checks can be
// tested without real sleeps.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// VirtualClock is a manually advanced clock for deterministic tests. It
// mirrors the teacher's in-memory store's "monotonic virtual clock"
// contract (spec.md §4.1).
type VirtualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewVirtualClock creates a VirtualClock starting at the given time.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

// Now returns the current virtual time.
func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the virtual clock forward by d.
func (c *VirtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// NewID mints a new random identifier (agent IDs, transaction IDs, nonces).
func NewID() string {
	return uuid.New().String()
}

// Fingerprint returns a stable SHA-256 hex digest of s. Used to hash bearer
// tokens before they ever touch a map key or a log line — raw secrets must
// never be retained (spec.md §4.3).
func Fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
