// Package email provides address utilities shared across the engine.
package email

import (
	"fmt"
	"net/mail"
	"strings"
)

// Normalize checks that addr is a single syntactically valid email address
// with a domain part and returns its bare address form. A display-name form
// like "Sam <sam@example.com>" normalizes to "sam@example.com", which is
// what the SMTP envelope needs. Recipients failing this check are skipped
// at campaign assembly instead of burning send quota.
func Normalize(addr string) (string, error) {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return "", fmt.Errorf("invalid email address %q: %w", addr, err)
	}
	if ExtractDomain(parsed.Address) == "" {
		return "", fmt.Errorf("invalid email address %q: missing domain", addr)
	}
	return parsed.Address, nil
}

// ExtractDomain extracts the lowercased domain part from an email address.
// Returns empty string if the address has no usable domain.
func ExtractDomain(email string) string {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		at := strings.LastIndex(email, "@")
		if at <= 0 || at == len(email)-1 {
			return ""
		}
		return strings.ToLower(email[at+1:])
	}
	at := strings.LastIndex(addr.Address, "@")
	if at <= 0 || at == len(addr.Address)-1 {
		return ""
	}
	return strings.ToLower(addr.Address[at+1:])
}
