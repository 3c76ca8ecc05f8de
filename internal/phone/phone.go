// Package phone normalizes and validates WhatsApp destinations.
package phone

import "strings"

const (
	DefaultCountryCode = "92"

	minDigits = 11
	maxDigits = 13

	whatsAppPrefix = "whatsapp:"
)

func digits(raw string) string {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), whatsAppPrefix)
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Normalize strips the channel prefix and punctuation: "whatsapp:+92 300-1234567" -> "+923001234567".
func Normalize(raw string) string {
	d := digits(raw)
	if d == "" {
		return ""
	}
	return "+" + d
}

// ToE164 applies the default country code to local numbers: a leading trunk
// zero is replaced, and bare 10-digit numbers are prefixed.
func ToE164(raw, countryCode string) string {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	d := digits(raw)
	switch {
	case d == "":
		return ""
	case strings.HasPrefix(d, countryCode):
		return "+" + d
	case strings.HasPrefix(d, "0"):
		return "+" + countryCode + d[1:]
	case len(d) == 10:
		return "+" + countryCode + d
	}
	return "+" + d
}

// IsValid reports whether raw can be sent to: 11 to 13 digits once
// punctuation is removed.
func IsValid(raw string) bool {
	n := len(digits(raw))
	return n >= minDigits && n <= maxDigits
}

func WhatsAppAddress(e164 string) string {
	return whatsAppPrefix + Normalize(e164)
}
