package services

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

var (
	// ErrKeyPassphrase indicates a passphrase protected key file.
	ErrKeyPassphrase = errors.New("the key file is protected by a passphrase")
	// ErrKeyNotRSA indicates a private key of another algorithm.
	ErrKeyNotRSA = errors.New("the key file does not contain an RSA private key")
)

// KeyValidator checks decryption key files before a run starts.
type KeyValidator interface {
	ValidateKeyFile(path string) []string
}

// KeyFileValidator validates PEM encoded RSA private keys.
type KeyFileValidator struct{}

// NewKeyFileValidator creates a new KeyFileValidator instance.
func NewKeyFileValidator() *KeyFileValidator {
	return &KeyFileValidator{}
}

// ValidateKeyFile returns human readable problems with the key file, or
// nothing when the key can decrypt submissions.
func (v *KeyFileValidator) ValidateKeyFile(path string) []string {
	if _, err := ReadPrivateKey(path); err != nil {
		return []string{err.Error()}
	}
	return nil
}

// ReadPrivateKey loads an RSA private key from a PEM file.
// PKCS#1 and PKCS#8 encodings are accepted.
func ReadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("the key file %s does not exist", path)
		}
		return nil, fmt.Errorf("the key file %s cannot be read: %w", path, err)
	}

	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, ErrKeyPassphrase
		}
		return nil, fmt.Errorf("the key file %s is not a valid PEM private key: %w", path, err)
	}

	key, ok := raw.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrKeyNotRSA
	}
	return key, nil
}
