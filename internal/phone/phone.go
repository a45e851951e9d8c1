// Package phone normalizes CRM phone numbers into an E.164-like form.
package phone

import "strings"

// minNationalDigits is the shortest national significant number we accept
// as already carrying the default country code.
const minNationalDigits = 10

// Normalize returns "+<digits>" for raw, assuming defaultCountryCode when the
// number does not carry one. Empty or digit-less input yields "".
func Normalize(raw, defaultCountryCode string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	hasPlus := strings.HasPrefix(raw, "+")
	digits := Digits(raw)
	if digits == "" {
		return ""
	}

	switch {
	case hasPlus:
		return "+" + digits
	case strings.HasPrefix(digits, "00"):
		return "+" + strings.TrimPrefix(digits, "00")
	case defaultCountryCode != "" && strings.HasPrefix(digits, defaultCountryCode) &&
		len(digits)-len(defaultCountryCode) >= minNationalDigits:
		return "+" + digits
	}

	// Drop a national trunk prefix before prepending the country code.
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return ""
	}
	return "+" + defaultCountryCode + digits
}

// Digits strips everything but ASCII digits.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Variants lists the stored forms a number may take in the contact directory:
// the normalized number, its bare digits, and the national number without
// the country code.
func Variants(number, countryCode string) []string {
	n := Normalize(number, countryCode)
	if n == "" {
		return nil
	}
	out := []string{n, strings.TrimPrefix(n, "+")}
	if countryCode != "" {
		if national := strings.TrimPrefix(n, "+"+countryCode); national != n && national != "" {
			out = append(out, national)
		}
	}
	if raw := strings.TrimSpace(number); raw != "" && !contains(out, raw) {
		out = append(out, raw)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
