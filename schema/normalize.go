package schema

import (
	"strings"
	"unicode"
)

// MaxSessionIDLen bounds session identifiers on every ingress path.
const MaxSessionIDLen = 64

// ValidateSessionID ensures a session id matches [A-Za-z0-9._-] with no
// normalization and fits in a packet header length byte.
func ValidateSessionID(sessionID SessionID) error {
	raw := string(sessionID)
	if raw == "" || len(raw) > MaxSessionIDLen {
		return ErrInvalidSession
	}
	if strings.TrimSpace(raw) != raw {
		return ErrInvalidSession
	}
	for _, r := range raw {
		if r == '.' || r == '_' || r == '-' {
			continue
		}
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			continue
		}
		return ErrInvalidSession
	}
	return nil
}

// NormalizeSessionName validates and normalizes a display name.
// Printable runes only, trimmed, at most 128 runes.
func NormalizeSessionName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", ErrInvalidRequest
	}
	count := 0
	for _, r := range trimmed {
		count++
		if count > 128 {
			return "", ErrInvalidRequest
		}
		if unicode.IsPrint(r) {
			continue
		}
		return "", ErrInvalidRequest
	}
	return trimmed, nil
}
