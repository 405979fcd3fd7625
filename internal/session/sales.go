package session

import (
	"regexp"
	"strings"
)

var (
	salesKeywords = regexp.MustCompile(`(?i)\b(buy|buying|purchase|order|price|pricing|cost|costs|pay|payment|checkout|discount|deal|quote|invoice|in stock|reserve|hold (it|them|one) for)\b`)
	currencyRe    = regexp.MustCompile(`[$€£₹¥]\s?\d|\b\d+(\.\d{1,2})?\s?(dollars|usd|eur|euros|rupees|inr|rs)\b`)
)

// IsSalesText is the keyword and currency heuristic behind sales_flagged.
func IsSalesText(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	return salesKeywords.MatchString(text) || currencyRe.MatchString(strings.ToLower(text))
}
