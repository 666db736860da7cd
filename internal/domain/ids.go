package domain

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu   sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // Weak random is sufficient for ULID entropy.
)

// NewID returns a 26-character Crockford-Base32 ULID. Lexicographic order of
// generated IDs equals generation order at millisecond granularity.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulidEntropy)
	if err != nil {
		// Entropy exhaustion within one millisecond; retry with a fresh source.
		ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec
		id = ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy)
	}
	return id.String()
}
