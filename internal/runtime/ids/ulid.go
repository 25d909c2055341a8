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

func next(at time.Time) ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), entropy)
}

// NewMessageID returns a time-sortable ULID for backends that do not assign
// their own message identifiers.
func NewMessageID() string {
	return next(time.Now()).String()
}

// NewCycleID returns the identifier attached to the logs and spans of one
// dequeue cycle.
func NewCycleID() string {
	return next(time.Now()).String()
}

// Time extracts the creation time encoded in an id produced by this package.
func Time(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
