package reconcile

import (
	"sync"

	"github.com/tidewell/reservesync/internal/records"
)

// SlotClaims is the shared, synchronized set of slot keys already claimed for
// a write during this run. A worker observing a just-claimed slot must not
// also insert; mutual exclusion on the set is mandatory.
type SlotClaims struct {
	mu      sync.Mutex
	claimed map[records.SlotKey]struct{}
}

// NewSlotClaims returns an empty claim set for one run.
func NewSlotClaims() *SlotClaims {
	return &SlotClaims{claimed: make(map[records.SlotKey]struct{})}
}

// Claim records the slot key before any write. It returns false when another
// entry already claimed the slot in this run.
func (c *SlotClaims) Claim(key records.SlotKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, taken := c.claimed[key]; taken {
		return false
	}
	c.claimed[key] = struct{}{}
	return true
}
