package services

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// PaymentIDPrefix is the fixed prefix of every canonical gateway id.
	PaymentIDPrefix = "pay_"
	// PaymentIDSuffixLength is the number of alphanumerics after the prefix.
	PaymentIDSuffixLength = 22

	paymentIDFiller = '0'
)

var canonicalPaymentID = regexp.MustCompile(`^pay_[A-Za-z0-9]{22}$`)

// IsCanonicalPaymentID reports whether id is already in the gateway format.
func IsCanonicalPaymentID(id string) bool {
	return canonicalPaymentID.MatchString(id)
}

// IsLegacyUUID reports whether id is a hyphenated 36 character UUID, the
// format payments were keyed by before the gateway migration.
func IsLegacyUUID(id string) bool {
	return len(id) == 36 && uuid.Validate(id) == nil
}

// NormalizePaymentID converts any identifier into the canonical gateway
// format. It never fails: input that cannot be converted gets a freshly
// generated id. Every branch except the generated one is deterministic, and
// normalizing a canonical id returns it unchanged.
func NormalizePaymentID(raw string) string {
	var id string
	switch {
	case IsCanonicalPaymentID(raw):
		return raw
	case strings.TrimSpace(raw) == "":
		id = GeneratePaymentID()
	case IsLegacyUUID(raw):
		id = PaymentIDPrefix + fromUUID(raw)
	case strings.HasPrefix(raw, PaymentIDPrefix):
		id = fromArbitrary(strings.TrimPrefix(raw, PaymentIDPrefix))
	default:
		id = fromArbitrary(raw)
	}

	if !IsCanonicalPaymentID(id) {
		id = PaymentIDPrefix + fitSuffix(alphanumeric(strings.TrimPrefix(id, PaymentIDPrefix)))
	}
	return id
}

// GeneratePaymentID returns a new canonical id built from the current time
// and random bits.
func GeneratePaymentID() string {
	seed := strconv.FormatInt(time.Now().UnixMilli(), 36) + strings.ReplaceAll(uuid.NewString(), "-", "")
	return PaymentIDPrefix + fitSuffix(alphanumeric(seed))
}

// fromUUID keeps the leading 8 hex chars, the 6 that follow them and the
// trailing 8, which is exactly 22 characters.
func fromUUID(raw string) string {
	hex := strings.ReplaceAll(raw, "-", "")
	reduced := hex[:8] + hex[8:14] + hex[len(hex)-8:]
	return fitSuffix(reduced)
}

func fromArbitrary(raw string) string {
	cleaned := alphanumeric(raw)
	if cleaned == "" {
		return GeneratePaymentID()
	}
	return PaymentIDPrefix + fitSuffix(cleaned)
}

// fitSuffix forces s to the suffix length: long values keep their first and
// last 11 characters, short values are right-padded with '0'.
func fitSuffix(s string) string {
	switch {
	case len(s) > PaymentIDSuffixLength:
		half := PaymentIDSuffixLength / 2
		return s[:half] + s[len(s)-half:]
	case len(s) < PaymentIDSuffixLength:
		return s + strings.Repeat(string(paymentIDFiller), PaymentIDSuffixLength-len(s))
	default:
		return s
	}
}

// alphanumeric drops everything outside [A-Za-z0-9], including non-ASCII
// letters and digits.
func alphanumeric(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') {
			b.WriteByte(c)
		}
	}
	return b.String()
}
