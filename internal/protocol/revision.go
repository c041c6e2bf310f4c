package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidRevision indicates that a revision is not a non-negative base-10 integer.
	ErrInvalidRevision = errors.New("protocol: invalid revision")
	// ErrInvalidBlob indicates that an opaque CRDT payload is not valid base64.
	ErrInvalidBlob = errors.New("protocol: invalid blob")
	// ErrInvalidIdentifier indicates that an identifier is empty or exceeds storage bounds.
	ErrInvalidIdentifier = errors.New("protocol: invalid identifier")
)

const (
	errFormatEmpty         = "%w: empty"
	errFormatInvalidBase64 = "%w: invalid base64"
	maxIdentifierLength    = 190
)

// Revision is a server-assigned position in a resource log.
// On the wire it is carried as a string-encoded integer.
type Revision int64

// ZeroRevision is the cursor of a subscriber that has consumed nothing.
const ZeroRevision Revision = 0

// NewRevision parses raw input and returns a Revision.
func NewRevision(rawInput string) (Revision, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return ZeroRevision, nil
	}
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRevision, trimmed)
	}
	if value < 0 {
		return 0, fmt.Errorf("%w: negative %d", ErrInvalidRevision, value)
	}
	return Revision(value), nil
}

// Int64 exposes the raw revision value.
func (revision Revision) Int64() int64 {
	return int64(revision)
}

// String returns the base-10 encoding used on the wire.
func (revision Revision) String() string {
	return strconv.FormatInt(int64(revision), 10)
}

// After reports whether revision is strictly newer than other.
func (revision Revision) After(other Revision) bool {
	return revision > other
}

// MarshalText encodes the revision as a decimal string.
func (revision Revision) MarshalText() ([]byte, error) {
	return []byte(revision.String()), nil
}

// UnmarshalText decodes a decimal string revision.
func (revision *Revision) UnmarshalText(text []byte) error {
	parsed, err := NewRevision(string(text))
	if err != nil {
		return err
	}
	*revision = parsed
	return nil
}

// ValidateBlob checks that an opaque CRDT payload is non-empty base64.
func ValidateBlob(rawInput string) error {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return fmt.Errorf(errFormatEmpty, ErrInvalidBlob)
	}
	if _, err := base64.StdEncoding.DecodeString(trimmed); err != nil {
		return fmt.Errorf(errFormatInvalidBase64, ErrInvalidBlob)
	}
	return nil
}

// ValidateIdentifier checks identifier bounds shared by every synced table.
func ValidateIdentifier(field, rawInput string) error {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidIdentifier, field)
	}
	if len(trimmed) > maxIdentifierLength {
		return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidIdentifier, field, maxIdentifierLength)
	}
	return nil
}
