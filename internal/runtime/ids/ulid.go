package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	return NewULIDAt(time.Now()).String()
}

// NewULIDAt returns a monotonic ULID stamped with the supplied time.
func NewULIDAt(t time.Time) ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(t), entropy)
}

// SessionStartedAt extracts the creation time from a session id produced by
// CreateULID. It returns false for anything that is not a ULID.
func SessionStartedAt(id string) (time.Time, bool) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}
