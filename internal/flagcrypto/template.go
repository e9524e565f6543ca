package flagcrypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrTemplate indicates a flag template that cannot be expanded.
var ErrTemplate = errors.New("malformed flag template")

// hexGroupLen is the number of hex characters each <hex> placeholder expands to.
const hexGroupLen = 6

var placeholderPattern = regexp.MustCompile(`<([a-zA-Z0-9_]*)>`)

// Generate expands a flag template into a final secret string.
//
// Supported placeholders:
//
//	<hex>   six characters of secure random hex
//	<uuid>  a random UUID
//	<owner> the requesting principal's id
//
// An empty template falls back to "default_<hex>". Unknown placeholders and
// unbalanced delimiters fail with ErrTemplate.
func Generate(template, owner string) (string, error) {
	if template == "" {
		log.Warn().Msg("empty flag template, using default")
		template = "default_<hex>"
	}

	var expandErr error
	expanded := placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		switch m[1 : len(m)-1] {
		case "hex":
			h, err := randomHex(hexGroupLen)
			if err != nil {
				expandErr = err
				return m
			}
			return h
		case "uuid":
			return uuid.New().String()
		case "owner":
			return owner
		default:
			expandErr = fmt.Errorf("%w: unknown placeholder %s", ErrTemplate, m)
			return m
		}
	})
	if expandErr != nil {
		return "", expandErr
	}

	// Any leftover delimiter means the template had a stray or unclosed
	// placeholder the pattern could not match.
	if strings.ContainsAny(expanded, "<>") {
		return "", fmt.Errorf("%w: unbalanced placeholder delimiters in %q", ErrTemplate, template)
	}

	return expanded, nil
}

// Redact returns a log-safe representation of a flag, keeping only a short
// prefix and suffix.
func Redact(flag string) string {
	if len(flag) < 12 {
		return "[REDACTED]"
	}
	return flag[:4] + "..." + flag[len(flag)-4:]
}

func randomHex(n int) (string, error) {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(buf)[:n], nil
}
