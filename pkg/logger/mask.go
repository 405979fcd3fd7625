package logger

import (
	"strings"

	"go.uber.org/zap"

	"github.com/troikatech/call-escalation/pkg/utils"
)

// MaskPhone logs a number with everything but the prefix and last four digits hidden.
func MaskPhone(key, phone string) zap.Field {
	return zap.String(key, utils.MaskPhoneNumber(phone))
}

// MaskPhoneIfPresent drops the field when the provider sent no number.
func MaskPhoneIfPresent(key, phone string) zap.Field {
	if strings.TrimSpace(phone) == "" {
		return zap.Skip()
	}
	return MaskPhone(key, phone)
}
