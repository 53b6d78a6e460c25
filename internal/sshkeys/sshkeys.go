package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// keyComment is appended to enrolled public keys so they can be found (and
// removed by hand) in authorized_keys.
const keyComment = "deskmon"

// GenerateKeyPair generates an ED25519 key pair and returns the PEM-encoded
// private key and OpenSSH-format public key.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}

	privateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	publicKey = []byte(line + " " + keyComment + "\n")

	return publicKey, privateKeyPEM, nil
}

// ParsePrivateKey parses a PEM-encoded private key into an ssh.Signer for
// SSH authentication.
func ParsePrivateKey(privateKeyPEM []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// AuthorizeKeyCommand returns a POSIX shell command that appends publicKey to
// the login user's ~/.ssh/authorized_keys unless an identical line is already
// present. The key travels base64-encoded so no quoting of its content is
// needed.
func AuthorizeKeyCommand(publicKey string) string {
	line := strings.TrimSpace(publicKey)
	b64 := base64.StdEncoding.EncodeToString([]byte(line))
	return fmt.Sprintf(
		"umask 077; mkdir -p ~/.ssh && touch ~/.ssh/authorized_keys && "+
			"k=$(echo '%s' | base64 -d) && "+
			"(grep -qxF \"$k\" ~/.ssh/authorized_keys || echo \"$k\" >> ~/.ssh/authorized_keys)",
		b64)
}
