// Package idkey generates and validates the time-ordered identifiers that
// double as idempotency keys. Identifiers are UUIDv7: the high bits carry a
// millisecond timestamp, so the same key both deduplicates retried uploads
// and sorts changes chronologically without a central counter.
package idkey

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidFormat indicates the string is not a syntactically valid UUID.
	ErrInvalidFormat = errors.New("invalid identifier format")
	// ErrWrongVersion indicates the UUID is not the time-ordered (v7) variant.
	ErrWrongVersion = errors.New("identifier must be UUID version 7")
	// ErrFutureTimestamp indicates the embedded timestamp is too far ahead of
	// the local clock.
	ErrFutureTimestamp = errors.New("identifier timestamp is too far in the future")
)

// MaxClockSkew is the tolerance for embedded-timestamp validation. An
// identifier minted up to this far ahead of local time is accepted; anything
// further is treated as a skewed or malicious clock.
const MaxClockSkew = time.Minute

// New mints a new time-ordered identifier in canonical string form.
func New() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate identifier: %w", err)
	}
	return id.String(), nil
}

// Validate checks that id is a well-formed UUIDv7 whose embedded timestamp is
// within MaxClockSkew of now. Pure function over its input and the clock.
func Validate(id string) error {
	return validateAt(id, time.Now())
}

// validateAt is the clock-injected form of Validate, used by tests.
func validateAt(id string, now time.Time) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	if parsed.Version() != 7 {
		return fmt.Errorf("%w: got version %d", ErrWrongVersion, parsed.Version())
	}

	// uuid.Time() returns 100-nanosecond intervals since Oct 15, 1582;
	// for v7 it is derived from the embedded Unix milliseconds.
	sec, nsec := parsed.Time().UnixTime()
	timestamp := time.Unix(sec, nsec)

	if timestamp.After(now.Add(MaxClockSkew)) {
		return fmt.Errorf("%w: %s is more than %s ahead",
			ErrFutureTimestamp, timestamp.Format(time.RFC3339), MaxClockSkew)
	}

	return nil
}

// Timestamp extracts the embedded creation time from a time-ordered
// identifier. Returns the zero time if parsing fails.
func Timestamp(id string) time.Time {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return time.Time{}
	}
	sec, nsec := parsed.Time().UnixTime()
	return time.Unix(sec, nsec)
}
