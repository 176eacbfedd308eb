// Package account manages the pool of outbound sending identities and
// rotates sends across them.
package account

import (
	"fmt"
	"net"
	"strconv"
)

// Encryption modes for the SMTP connection.
const (
	EncryptionStartTLS = "starttls"
	EncryptionTLS      = "tls"
	EncryptionNone     = "none"
)

// Account is a credentialed sending identity backed by one SMTP endpoint.
type Account struct {
	Name        string
	Host        string
	Port        int
	Username    string
	Credential  string
	FromEmail   string
	DisplayName string
	Encryption  string
	Enabled     bool

	// Per-account rate ceilings; zero falls back to the pool-wide default.
	PerMinute int
	PerDay    int
}

// Addr returns the host:port dial address.
func (a *Account) Addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// From returns the RFC 5322 From header value.
func (a *Account) From() string {
	if a.DisplayName != "" {
		return fmt.Sprintf("%s <%s>", a.DisplayName, a.FromEmail)
	}
	return a.FromEmail
}
