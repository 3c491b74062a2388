// Package models defines shared data types for all Driftwood entities including
// User, Note, Following, Reaction, Instance, and Notification. Types include
// JSON tags for API serialization and match the PostgreSQL schema exactly.
package models

import (
	"crypto/rand"
	"database/sql/driver"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ID is a 16-character lowercase base36 identifier: 48 bits of millisecond
// time followed by 30 bits of per-process counter seeded with randomness.
// String comparison of IDs generated on a single node approximates creation
// order at millisecond resolution. IDs are opaque to the federation protocol.
type ID string

const (
	idTimeChars    = 10
	idCounterChars = 6
	idLen          = idTimeChars + idCounterChars

	// counterMask keeps the counter within 30 bits so it always fits in
	// six base36 characters (36^6 > 2^30).
	counterMask = (1 << 30) - 1
)

var idGen = newGenerator()

// generator holds the mutex-protected monotonic counter behind NewID.
type generator struct {
	mu      sync.Mutex
	lastMs  int64
	counter uint32
}

func newGenerator() *generator {
	var seed [4]byte
	if _, err := rand.Read(seed[:]); err != nil {
		panic(fmt.Sprintf("models: reading random seed: %v", err))
	}
	return &generator{counter: binary.BigEndian.Uint32(seed[:]) & counterMask}
}

// NewID generates a new ID using the current time. It is safe for concurrent
// use from multiple goroutines.
func NewID() ID {
	return NewIDWithTime(time.Now())
}

// NewIDWithTime generates a new ID using the specified time. Useful for tests
// or importing historical data.
func NewIDWithTime(t time.Time) ID {
	return idGen.next(t.UnixMilli())
}

func (g *generator) next(ms int64) ID {
	g.mu.Lock()
	if ms == g.lastMs {
		g.counter = (g.counter + 1) & counterMask
	} else {
		g.lastMs = ms
		// Re-seed the low bits each millisecond so IDs are not guessable
		// from a single observed value.
		var seed [4]byte
		if _, err := rand.Read(seed[:]); err == nil {
			g.counter = binary.BigEndian.Uint32(seed[:]) & counterMask
		} else {
			g.counter = (g.counter + 1) & counterMask
		}
	}
	c := g.counter
	g.mu.Unlock()

	return ID(encodeBase36(uint64(ms), idTimeChars) + encodeBase36(uint64(c), idCounterChars))
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// encodeBase36 renders v as lowercase base36, left-padded with '0' to width.
func encodeBase36(v uint64, width int) string {
	buf := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		buf[i] = base36Alphabet[v%36]
		v /= 36
	}
	return string(buf)
}

// ParseID validates the string form of an ID.
func ParseID(s string) (ID, error) {
	if len(s) != idLen {
		return "", fmt.Errorf("parsing ID %q: want %d characters, got %d", s, idLen, len(s))
	}
	for _, r := range s {
		if !strings.ContainsRune(base36Alphabet, r) {
			return "", fmt.Errorf("parsing ID %q: invalid character %q", s, r)
		}
	}
	return ID(s), nil
}

// IsZero reports whether the ID is empty.
func (id ID) IsZero() bool { return id == "" }

// Time returns the creation time encoded in the ID's timestamp component.
func (id ID) Time() time.Time {
	s := string(id)
	if len(s) > idTimeChars {
		s = s[:idTimeChars]
	}
	var ms uint64
	for _, r := range s {
		ms = ms*36 + uint64(strings.IndexRune(base36Alphabet, r))
	}
	return time.UnixMilli(int64(ms))
}

// String returns the canonical string representation.
func (id ID) String() string { return string(id) }

// MarshalJSON implements json.Marshaler, encoding the ID as a JSON string.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(id))
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshaling ID JSON: %w", err)
	}
	if s == "" {
		*id = ""
		return nil
	}
	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Scan implements database/sql.Scanner for reading IDs from TEXT columns.
func (id *ID) Scan(src interface{}) error {
	if src == nil {
		*id = ""
		return nil
	}
	switch v := src.(type) {
	case string:
		*id = ID(v)
		return nil
	case []byte:
		*id = ID(v)
		return nil
	default:
		return fmt.Errorf("unsupported ID scan source type: %T", src)
	}
}

// Value implements database/sql/driver.Valuer for writing IDs to TEXT columns.
func (id ID) Value() (driver.Value, error) {
	if id.IsZero() {
		return nil, nil
	}
	return string(id), nil
}
