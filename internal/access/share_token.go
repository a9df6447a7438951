package access

import (
	"errors"
	"fmt"
	"strings"
)

const minShareTokenLength = 32

// ErrInvalidShareToken indicates a guest share token failed shape validation.
var ErrInvalidShareToken = errors.New("access: invalid share token")

// Literal values that show up in scanners and copy-pasted examples. Tokens
// matching any of these are rejected regardless of length.
var weakShareTokens = map[string]struct{}{
	"guest":    {},
	"test":     {},
	"12345":    {},
	"password": {},
	"token":    {},
	"demo":     {},
}

// ValidateShareToken checks the shape of an opaque per-project share token:
// minimum length, URL-safe alphabet, and rejection of known-weak literals and
// long repeated-character runs. It never checks whether the token actually
// binds to a project; that stays with the identity collaborator.
func ValidateShareToken(rawToken string) error {
	token := strings.TrimSpace(rawToken)
	if _, weak := weakShareTokens[strings.ToLower(token)]; weak {
		return fmt.Errorf("%w: known weak value", ErrInvalidShareToken)
	}
	if len(token) < minShareTokenLength {
		return fmt.Errorf("%w: shorter than %d characters", ErrInvalidShareToken, minShareTokenLength)
	}
	for _, r := range token {
		if !isURLSafe(r) {
			return fmt.Errorf("%w: character %q outside URL-safe alphabet", ErrInvalidShareToken, r)
		}
	}
	if hasRepeatedRun(token, 4) {
		return fmt.Errorf("%w: repeated character run", ErrInvalidShareToken)
	}
	return nil
}

func isURLSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_':
		return true
	default:
		return false
	}
}

func hasRepeatedRun(token string, runLength int) bool {
	run := 0
	var previous rune
	for i, r := range token {
		if i > 0 && r == previous {
			run++
		} else {
			run = 1
		}
		if run >= runLength {
			return true
		}
		previous = r
	}
	return false
}
