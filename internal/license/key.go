package license

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// Class is the immutable kind of a license key.
type Class string

const (
	ClassPremium Class = "premium"
	ClassCustom  Class = "custom"
)

const (
	PremiumPrefix = "pk_"
	CustomPrefix  = "ck_"

	// suffixLen is the number of lowercase hex characters after the prefix.
	suffixLen = 20
)

// Prefix returns the value prefix that encodes c.
func (c Class) Prefix() string {
	switch c {
	case ClassPremium:
		return PremiumPrefix
	case ClassCustom:
		return CustomPrefix
	default:
		return ""
	}
}

func (c Class) Valid() bool { return c.Prefix() != "" }

// ParseClass accepts "premium" or "custom" in any case.
func ParseClass(s string) (Class, error) {
	c := Class(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown key class %q", s)
	}
	return c, nil
}

// ClassOf reads the class from a key value's prefix.
func ClassOf(value string) (Class, bool) {
	switch {
	case strings.HasPrefix(value, PremiumPrefix):
		return ClassPremium, true
	case strings.HasPrefix(value, CustomPrefix):
		return ClassCustom, true
	default:
		return "", false
	}
}

// NewKey returns "<prefix><20 lowercase hex>" using crypto/rand.
func NewKey(c Class) (string, error) {
	prefix := c.Prefix()
	if prefix == "" {
		return "", fmt.Errorf("unknown key class %q", c)
	}
	b := make([]byte, suffixLen/2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(b), nil
}

// WellFormed reports whether value looks like a key this package generated.
func WellFormed(value string) bool {
	if _, ok := ClassOf(value); !ok {
		return false
	}
	suffix := value[len(PremiumPrefix):]
	if len(suffix) != suffixLen {
		return false
	}
	for _, r := range suffix {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}
