package queue

import "errors"

// ErrNotFound is returned when no row exists for a case identifier.
var ErrNotFound = errors.New("queue item not found")

// ErrNotClaimable is returned when a claim loses to another claimer or the
// row is not pending.
var ErrNotClaimable = errors.New("queue item not claimable")
