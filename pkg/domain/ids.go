package domain

import (
	"fmt"
	"unicode"
)

// SessionID is the caller-supplied identifier for a payment session. It is
// opaque to the ledger: uniqueness is enforced at open time, format is only
// sanity-checked at the trust boundary.
type SessionID string

// Address identifies a principal (payer or merchant). Opaque to the ledger;
// the payment rail interprets it.
type Address string

const maxIdentifierLen = 128

// ParseSessionID validates an externally supplied session identifier.
func ParseSessionID(s string) (SessionID, error) {
	if err := checkIdentifier("session id", s); err != nil {
		return "", err
	}
	return SessionID(s), nil
}

// ParseAddress validates an externally supplied principal address.
func ParseAddress(s string) (Address, error) {
	if err := checkIdentifier("address", s); err != nil {
		return "", err
	}
	return Address(s), nil
}

func checkIdentifier(what, s string) error {
	if s == "" {
		return fmt.Errorf("%s is empty", what)
	}
	if len(s) > maxIdentifierLen {
		return fmt.Errorf("%s exceeds %d bytes", what, maxIdentifierLen)
	}
	for _, r := range s {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("%s contains whitespace or control characters", what)
		}
	}
	return nil
}

func (id SessionID) String() string { return string(id) }

// IsNil reports whether the session id is empty.
func (id SessionID) IsNil() bool { return id == "" }

func (a Address) String() string { return string(a) }

// IsNil reports whether the address is empty.
func (a Address) IsNil() bool { return a == "" }
