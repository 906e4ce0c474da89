package utils

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"sync"
	"time"
)

// A Clock returns the current time. Implementations must be monotonic.
type Clock interface {
	Now() time.Time
}

// MonotonicClock reads time.Now, which carries a monotonic reading.
// Micros reports the offset from the first time the process clock was used.
type MonotonicClock struct {
	epoch time.Time
}

// Now returns the current time.
func (c *MonotonicClock) Now() time.Time { return time.Now() }

// Micros returns microseconds elapsed since the clock's epoch.
func (c *MonotonicClock) Micros() int64 { return time.Since(c.epoch).Microseconds() }

var (
	clockOnce    sync.Once
	processClock *MonotonicClock

	randomOnce    sync.Once
	processRandom io.Reader
)

// DefaultClock returns the process-wide clock. The first call fixes its
// epoch; every later call returns the same instance.
func DefaultClock() *MonotonicClock {
	clockOnce.Do(func() {
		processClock = &MonotonicClock{epoch: time.Now()}
	})
	return processClock
}

// DefaultRandom returns the process-wide secure random source. It is
// initialized exactly once and safe for concurrent use.
func DefaultRandom() io.Reader {
	randomOnce.Do(func() {
		processRandom = rand.Reader
	})
	return processRandom
}

// RandUint64 reads a uint64 from r.
func RandUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
