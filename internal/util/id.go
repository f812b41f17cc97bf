// Package util holds small cross-cutting helpers.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier such as task_9f2c... The prefix makes
// the id self-describing in logs and notification metadata; callers use
// task, cmt, his, ntf, and usr.
func NewID(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	id := hex.EncodeToString(buf)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
