package lifecycle

import (
	"math/rand/v2"
	"time"
)

const codeLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// NewCode builds a human-readable request code such as
// REQ-20250301090000-KQZ. Collisions are caught by the unique index and the
// transaction is retried with a fresh code.
func NewCode(at time.Time) string {
	suffix := make([]byte, 3)
	for i := range suffix {
		suffix[i] = codeLetters[rand.IntN(len(codeLetters))]
	}
	return "REQ-" + at.UTC().Format("20060102150405") + "-" + string(suffix)
}
