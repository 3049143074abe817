// Package events defines the wire format written under .knots/events and
// .knots/index on the knots branch: the full/index event envelopes, their
// JSON encoding, and the sortable, host-unique event ID used to name each
// file.
package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewID generates a time-ordered, host-unique event ID. Event IDs are
// UUIDv7: sortable within a host by construction and, across hosts, "mostly
// chronological" since each host's system clock contributes the high bits.
// The string form is what gets embedded in filenames and JSON payloads.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("new event id: %w", err)
	}

	return id.String(), nil
}

// ParseIDTime extracts the embedded timestamp from a UUIDv7 event ID, used
// to date-partition event files (YYYY/MM/DD by UTC commit time is the
// on-disk layout; callers needing the event's own time use this helper).
func ParseIDTime(id string) (time.Time, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse event id %q: %w", id, err)
	}

	if parsed.Version() != 7 {
		return time.Time{}, fmt.Errorf("event id %q is not UUIDv7", id)
	}

	sec, nsec := parsed.Time().UnixTime()

	return time.Unix(sec, nsec).UTC(), nil
}

const (
	shortIDLength = 12
	crockfordBase = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

// NewKnotID derives a knot's opaque short ID from a fresh UUIDv7: a stable,
// 12-character Crockford base32 string built from the UUID's random bits,
// so two knots created in the same instant still get distinct, sortable-ish
// IDs without colliding.
func NewKnotID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("new knot id: %w", err)
	}

	return shortIDFromUUIDBits(id), nil
}

func shortIDFromUUIDBits(id uuid.UUID) string {
	// UUIDv7 layout (RFC 9562): 48-bit time, 4-bit version, 12-bit rand_a,
	// 2-bit variant, 62-bit rand_b. We use the high 60 random bits so the
	// short ID doesn't simply echo the (low-entropy, shared-instant) time.
	randA := (uint16(id[6]&0x0f) << 8) | uint16(id[7])
	randB := (uint64(id[8]&0x3f) << 56) |
		(uint64(id[9]) << 48) |
		(uint64(id[10]) << 40) |
		(uint64(id[11]) << 32) |
		(uint64(id[12]) << 24) |
		(uint64(id[13]) << 16) |
		(uint64(id[14]) << 8) |
		uint64(id[15])

	top60 := (uint64(randA) << 48) | (randB >> 14)

	return encodeCrockfordBase32(top60)
}

func encodeCrockfordBase32(value uint64) string {
	var buf [shortIDLength]byte
	for i := shortIDLength - 1; i >= 0; i-- {
		buf[i] = crockfordBase[value&0x1f]
		value >>= 5
	}

	return string(buf[:])
}
