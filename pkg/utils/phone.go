package utils

import (
	"regexp"
	"strings"
)

var (
	e164Regex      = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)
	maskRegex      = regexp.MustCompile(`^(\+)(\d{1,3})(\d{3})(\d+)$`)
	nonDigitsRegex = regexp.MustCompile(`[^\d+]`)
)

// MaskPhoneNumber masks a phone number for logging
// Example: +15551234567 -> +155512•4567
func MaskPhoneNumber(phone string) string {
	if phone == "" {
		return ""
	}

	phone = strings.TrimSpace(phone)

	matches := maskRegex.FindStringSubmatch(phone)
	if len(matches) == 5 {
		countryCode := matches[2]
		first3 := matches[3]
		lastDigits := matches[4]

		if len(lastDigits) >= 4 {
			last4 := lastDigits[len(lastDigits)-4:]
			masked := strings.Repeat("•", len(lastDigits)-4)
			return "+" + countryCode + first3 + masked + last4
		}
	}

	// Fallback: mask all but last 4 characters
	if len(phone) > 4 {
		masked := strings.Repeat("•", len(phone)-4)
		return masked + phone[len(phone)-4:]
	}

	return strings.Repeat("•", len(phone))
}

// ValidateE164 validates E.164 phone number format
func ValidateE164(phone string) bool {
	return e164Regex.MatchString(phone)
}

// NormalizePhone strips formatting from a number and prefixes defaultCountry
// (digits only, e.g. "1") when the number carries no country code.
// Provider payloads sometimes carry SIP URIs or "anonymous"; those are returned trimmed.
func NormalizePhone(phone, defaultCountry string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" || strings.HasPrefix(strings.ToLower(phone), "sip:") {
		return phone
	}

	cleaned := nonDigitsRegex.ReplaceAllString(phone, "")
	if cleaned == "" {
		return phone
	}
	if strings.HasPrefix(cleaned, "+") {
		return cleaned
	}
	if strings.HasPrefix(cleaned, "00") {
		return "+" + cleaned[2:]
	}
	if defaultCountry != "" && !strings.HasPrefix(cleaned, defaultCountry) {
		cleaned = defaultCountry + strings.TrimPrefix(cleaned, "0")
	}
	return "+" + cleaned
}
