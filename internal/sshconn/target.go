package sshconn

import (
	"net"
	"regexp"
	"strconv"
	"strings"
)

// DefaultPort is used when a Target does not specify one.
const DefaultPort = 22

// privateKeyEnvelope matches the BEGIN marker of every PEM private key form
// ssh.ParsePrivateKey understands: PKCS#1 (RSA), SEC1 (EC), DSA, PKCS#8,
// encrypted PKCS#8 and OpenSSH.
var privateKeyEnvelope = regexp.MustCompile(`-----BEGIN (?:[A-Z0-9]+ )*PRIVATE KEY-----`)

// Target describes the remote host for one operation. It is created per
// request and never persisted.
type Target struct {
	Host        string
	Port        int
	Username    string
	KeyMaterial string
}

// Addr returns host:port, applying DefaultPort.
func (t Target) Addr() string {
	port := t.Port
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// String identifies the target as user@host:port for logs.
func (t Target) String() string {
	return t.Username + "@" + t.Addr()
}

// Redacted returns a copy of t without key material.
func (t Target) Redacted() Target {
	t.KeyMaterial = ""
	return t
}

// Validate checks required fields and the key envelope. It never touches the
// network.
func (t Target) Validate() error {
	var missing []string
	if strings.TrimSpace(t.Host) == "" {
		missing = append(missing, "ip")
	}
	if strings.TrimSpace(t.Username) == "" {
		missing = append(missing, "username")
	}
	if strings.TrimSpace(t.KeyMaterial) == "" {
		missing = append(missing, "sshKey")
	}
	if len(missing) > 0 {
		return Errorf(KindInvalidRequest, "validate", "", "missing required fields: %s", strings.Join(missing, ", "))
	}
	if t.Port < 0 || t.Port > 65535 {
		return Errorf(KindInvalidRequest, "validate", "", "invalid port %d", t.Port)
	}
	return ValidateKeyFormat(t.KeyMaterial)
}

// ValidateKeyFormat reports KindInvalidKeyFormat unless key contains a
// private-key envelope marker.
func ValidateKeyFormat(key string) error {
	if HasKeyEnvelope(key) {
		return nil
	}
	return Errorf(KindInvalidKeyFormat, "validate", "", "invalid SSH key format: expected a PEM private key")
}

// HasKeyEnvelope reports whether s contains a private-key envelope marker.
func HasKeyEnvelope(s string) bool {
	return privateKeyEnvelope.MatchString(s)
}
