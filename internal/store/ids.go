// Package store provides the durable, debounced-write, in-memory-indexed
// stores for routing rules and virtual-port declarations.
package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewID generates an entity id from the current millisecond timestamp
// and a short random suffix. Propagation relies on route ids being
// unique across the whole peer set, so the random suffix must be present
// in every producer of route ids.
// Format: "1724750000000-a1b2c3d4".
func NewID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// NewPrefixedID generates an id with a type prefix (e.g. "rt-...").
func NewPrefixedID(prefix string) string {
	return prefix + "-" + NewID()
}
