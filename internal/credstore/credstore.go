// Package credstore keeps the SSH secrets for each monitored target in the
// database, fernet-encrypted at rest.
//
// A target can hold one password and one enrolled private key. Load returns
// both so the caller can try the key first and fall back to the password.
package credstore

import (
	"errors"
	"fmt"
	"log"

	"github.com/neur0map/deskmon/internal/crypto"
	"github.com/neur0map/deskmon/internal/database"
	"github.com/neur0map/deskmon/internal/sshsession"
)

// Set is every stored secret for one target.
type Set struct {
	Password      string
	PrivateKeyPEM []byte
	PublicKey     string
	// HostKey is the trusted host key fingerprint, empty until first connect.
	HostKey string
}

// HasPassword reports whether a password is stored.
func (s Set) HasPassword() bool { return s.Password != "" }

// HasKey reports whether an enrolled private key is stored.
func (s Set) HasKey() bool { return len(s.PrivateKeyPEM) > 0 }

// Store reads and writes credentials through the database package.
type Store struct{}

// New returns a Store backed by database.DB.
func New() *Store { return &Store{} }

// Load returns the stored credentials of a target. A secret that no longer
// decrypts (for example after the encryption key was lost) is logged and left
// out, so the target ends up asking for new credentials instead of failing.
func (s *Store) Load(targetID uint) (Set, error) {
	target, err := database.GetTarget(targetID)
	if err != nil {
		return Set{}, fmt.Errorf("load credentials for target %d: %w", targetID, err)
	}
	set := Set{HostKey: target.HostKey}

	creds, err := database.ListCredentials(targetID)
	if err != nil {
		return Set{}, fmt.Errorf("load credentials for target %d: %w", targetID, err)
	}
	for _, c := range creds {
		plain, err := crypto.Decrypt(c.Secret)
		if err != nil {
			log.Printf("[credstore] cannot decrypt %s credential of target %d: %v", c.Kind, targetID, err)
			continue
		}
		switch c.Kind {
		case database.CredentialPassword:
			set.Password = plain
		case database.CredentialKey:
			set.PrivateKeyPEM = []byte(plain)
			set.PublicKey = c.PublicKey
		}
	}
	return set, nil
}

// Save stores cred as the target's password or key depending on its kind.
func (s *Store) Save(targetID uint, cred sshsession.Credential) error {
	switch cred.Kind() {
	case "key":
		return s.SaveKey(targetID, cred.PrivateKeyPEM, "")
	case "password":
		return s.SavePassword(targetID, cred.Password)
	default:
		return errors.New("save credential: empty credential")
	}
}

// SavePassword replaces the target's password.
func (s *Store) SavePassword(targetID uint, password string) error {
	return s.put(targetID, database.CredentialPassword, password, "")
}

// SaveKey replaces the target's enrolled key pair.
func (s *Store) SaveKey(targetID uint, privateKeyPEM []byte, publicKey string) error {
	return s.put(targetID, database.CredentialKey, string(privateKeyPEM), publicKey)
}

// ForgetKey removes the target's enrolled key.
func (s *Store) ForgetKey(targetID uint) error {
	if err := database.DeleteCredential(targetID, database.CredentialKey); err != nil {
		return fmt.Errorf("forget key for target %d: %w", targetID, err)
	}
	return nil
}

// SaveHostKey records the host key fingerprint trusted for the target.
func (s *Store) SaveHostKey(targetID uint, fingerprint string) error {
	if err := database.SetTargetHostKey(targetID, fingerprint); err != nil {
		return fmt.Errorf("save host key for target %d: %w", targetID, err)
	}
	return nil
}

func (s *Store) put(targetID uint, kind, secret, publicKey string) error {
	enc, err := crypto.Encrypt(secret)
	if err != nil {
		return fmt.Errorf("encrypt %s for target %d: %w", kind, targetID, err)
	}
	err = database.UpsertCredential(&database.Credential{
		TargetID:  targetID,
		Kind:      kind,
		Secret:    enc,
		PublicKey: publicKey,
	})
	if err != nil {
		return fmt.Errorf("store %s for target %d: %w", kind, targetID, err)
	}
	return nil
}
