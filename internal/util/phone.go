package util

import (
	"errors"
	"strings"
	"unicode"
)

// ErrMissingPhone is returned when no phone identifier is present.
var ErrMissingPhone = errors.New("phone number is missing")

// NormalizePhone canonicalizes a raw phone identifier into the user key by removing
// every whitespace rune, '+' and '-'. Nothing else is altered, so the result is
// stable under repeated normalization.
func NormalizePhone(raw string) (string, error) {
	if raw == "" {
		return "", ErrMissingPhone
	}
	normalized := strings.Map(func(r rune) rune {
		if r == '+' || r == '-' || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, raw)
	if normalized == "" {
		return "", ErrMissingPhone
	}
	return normalized, nil
}
