// Package ids generates prefixed, time-sortable identifiers (msg_, log_, evt_).
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// New returns "<prefix>_<uuid-v7-hex>". UUIDv7 embeds a millisecond timestamp,
// so identifiers sort by insertion time.
func New(prefix string) string {
	u, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4.
		u = uuid.New()
	}
	return prefix + "_" + strings.ReplaceAll(u.String(), "-", "")
}
