package workflow

import (
	"slices"
	"sync"
)

// ClaimSet tracks the case IDs currently held by this process.
type ClaimSet struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewClaimSet returns an empty set.
func NewClaimSet() *ClaimSet {
	return &ClaimSet{held: make(map[string]struct{})}
}

// TryClaim adds caseID and reports whether the caller now owns it.
func (c *ClaimSet) TryClaim(caseID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.held[caseID]; ok {
		return false
	}
	c.held[caseID] = struct{}{}
	return true
}

// Release drops caseID.
func (c *ClaimSet) Release(caseID string) {
	c.mu.Lock()
	delete(c.held, caseID)
	c.mu.Unlock()
}

// Len returns the number of held cases.
func (c *ClaimSet) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.held)
}

// Held returns the held case IDs, sorted.
func (c *ClaimSet) Held() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.held))
	for id := range c.held {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	slices.Sort(ids)
	return ids
}
