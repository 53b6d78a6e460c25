package sshkeys

import (
	"fmt"
	"log"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/neur0map/deskmon/internal/logutil"
)

// GetPublicKeyFingerprint calculates the SHA256 fingerprint of an SSH public key.
// The publicKey should be in SSH authorized_keys format (e.g. "ssh-ed25519 AAAA...").
// Returns the fingerprint in standard format (SHA256:xxx).
func GetPublicKeyFingerprint(publicKey []byte) (string, error) {
	if len(publicKey) == 0 {
		return "", fmt.Errorf("get fingerprint: public key is empty")
	}

	parsed, _, _, _, err := ssh.ParseAuthorizedKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("get fingerprint: parse public key: %w", err)
	}

	return ssh.FingerprintSHA256(parsed), nil
}

// HostKeyRecorder captures the fingerprint presented by a server during the
// handshake.
type HostKeyRecorder struct {
	mu     sync.Mutex
	actual string
}

// Fingerprint returns the recorded fingerprint, or "" before any handshake.
func (r *HostKeyRecorder) Fingerprint() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.actual
}

// MakeHostKeyCallback creates an ssh.HostKeyCallback that records the remote
// host's public key fingerprint. If expectedFingerprint is non-empty, the
// callback logs a warning when the actual fingerprint differs but does not
// reject the connection (hosts get reinstalled; the monitor is read-only).
func MakeHostKeyCallback(expectedFingerprint string) (ssh.HostKeyCallback, *HostKeyRecorder) {
	rec := &HostKeyRecorder{}
	cb := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		actual := ssh.FingerprintSHA256(key)
		rec.mu.Lock()
		rec.actual = actual
		rec.mu.Unlock()
		if expectedFingerprint != "" && expectedFingerprint != actual {
			log.Printf("[sshkeys] WARNING: host key fingerprint changed for %s: expected %s, got %s",
				logutil.SanitizeForLog(hostname), expectedFingerprint, actual)
		}
		return nil
	}
	return cb, rec
}
