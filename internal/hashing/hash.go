// Package hashing normalizes and hashes identity fields into the
// privacy-preserving form the conversions sink expects. All functions are
// pure; already-hashed values pass through unchanged so re-hashing
// previously processed data is idempotent.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DefaultCountryCode is prefixed to phone numbers that arrive without
// one. Overridable via Hasher.
const DefaultCountryCode = "55"

// Identity field keys the sink accepts hashed. Anything else in
// user_data (cookies, client IP hash, user agent) is passed through.
var piiFields = []string{"em", "ph", "fn", "ln", "ct", "st", "zp", "country", "external_id"}

// Hasher applies normalization + SHA-256 to identity fields.
// The zero value is usable and applies DefaultCountryCode.
type Hasher struct {
	// CountryCode is prefixed to phone numbers missing one.
	CountryCode string
}

// SHA256 hashes a single value after trimming and lowercasing.
func SHA256(value string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(value))))
	return hex.EncodeToString(sum[:])
}

// IsHashed reports whether the value is already a lowercase hex SHA-256
// digest. Such values are treated as pre-hashed and never hashed again.
func IsHashed(value string) bool {
	if len(value) != 64 {
		return false
	}
	for _, c := range value {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// HashIfNeeded hashes the value unless it is already in hashed form.
// Empty input yields empty output; callers omit empty fields.
func HashIfNeeded(value string) string {
	if value == "" {
		return ""
	}
	if IsHashed(value) {
		return value
	}
	return SHA256(value)
}

func (h Hasher) countryCode() string {
	if h.CountryCode != "" {
		return h.CountryCode
	}
	return DefaultCountryCode
}

// NormalizePhone strips every non-digit and prefixes the default country
// code when the number arrives without one.
func (h Hasher) NormalizePhone(phone string) string {
	var b strings.Builder
	for _, c := range phone {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}
	cc := h.countryCode()
	if strings.HasPrefix(phone, "+") || strings.HasPrefix(digits, cc) {
		return digits
	}
	return cc + digits
}

// HashPhone normalizes then hashes a phone number, passing through
// values that are already hashed.
func (h Hasher) HashPhone(phone string) string {
	if phone == "" {
		return ""
	}
	if IsHashed(phone) {
		return phone
	}
	normalized := h.NormalizePhone(phone)
	if normalized == "" {
		return ""
	}
	return SHA256(normalized)
}

// HashUserData replaces every populated identity field with its
// normalized-then-hashed form. Unpopulated fields are omitted, never
// hashed as empty strings; non-identity fields pass through untouched.
func (h Hasher) HashUserData(userData map[string]string) map[string]string {
	if len(userData) == 0 {
		return nil
	}

	out := make(map[string]string, len(userData))
	for k, v := range userData {
		if v != "" {
			out[k] = v
		}
	}

	for _, field := range piiFields {
		v, ok := out[field]
		if !ok {
			continue
		}
		if field == "ph" {
			out[field] = h.HashPhone(v)
		} else {
			out[field] = HashIfNeeded(v)
		}
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

// SplitName breaks a full name into first and last parts for the fn/ln
// fields. A single-word name yields an empty last name.
func SplitName(name string) (first, last string) {
	parts := strings.Fields(strings.TrimSpace(name))
	if len(parts) == 0 {
		return "", ""
	}
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}
