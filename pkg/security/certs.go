package security

import (
	"crypto/sha1" //nolint:gosec // wire format mandated by spec: auth_code = SHA1(sign XOR secret)
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"time"
)

// certRotationThreshold mirrors the teacher's own cert-rotation window;
// jobmesh only warns on it, since it never re-issues certificates itself.
const certRotationThreshold = 30 * 24 * time.Hour

// LoadChannelConfig loads an operator-supplied TLS keypair for one of the two
// channels the scheduler terminates (node channel, client channel). Unlike
// the teacher's CertAuthority, jobmesh never mints certificates: operators
// hand it a cert/key pair via --node_certfile/--node_keyfile (or the
// cluster_* equivalents) and jobmesh only loads and serves them.
func LoadChannelConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load keypair: %w", err)
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		cert.Leaf = leaf
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// CertNeedsRotation reports whether a loaded certificate is close enough to
// expiry that an operator should be warned at startup.
func CertNeedsRotation(cert *x509.Certificate) bool {
	if cert == nil {
		return true
	}
	return time.Until(cert.NotAfter) < certRotationThreshold
}

// AuthCode derives the auth token both sides of the wire use to
// authenticate a connection: SHA1(sign XOR secret), hex-encoded. `sign` is
// a random per-process identity string (the scheduler's own sign, or the
// sign a node sends in its PONG:); `secret` is the shared --node_secret or
// --cluster_secret. Both sides must derive the same code from the same
// (secret, sign) pair (spec.md §3).
func AuthCode(secret, sign []byte) string {
	n := len(sign)
	if len(secret) > n {
		n = len(secret)
	}
	xored := make([]byte, n)
	for i := 0; i < n; i++ {
		var s, c byte
		if i < len(sign) {
			s = sign[i]
		}
		if i < len(secret) {
			c = secret[i]
		}
		xored[i] = s ^ c
	}
	sum := sha1.Sum(xored) //nolint:gosec
	return hex.EncodeToString(sum[:])
}
