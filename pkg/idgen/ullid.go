// Package idgen generates time-sortable identifiers.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a ULID that sorts after every ULID previously returned by
// this process within the same millisecond.
func NewULID() ulid.ULID {
	mu.Lock()
	defer mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		// Monotonic entropy overflows only after 2^80 ids in one millisecond.
		panic(err)
	}
	return id
}

// MustGenerateSortableID returns NewULID in its canonical string form.
func MustGenerateSortableID() string {
	return NewULID().String()
}
