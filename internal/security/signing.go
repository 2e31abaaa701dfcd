package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	PublicKeyFile  = "ledger.pub"
	PrivateKeyFile = "ledger.priv"
)

// Signer signs ledger records with an ed25519 key pair.
type Signer struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewSigner returns a Signer for the given key pair.
func NewSigner(pub ed25519.PublicKey, priv ed25519.PrivateKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid private key size")
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, errors.New("invalid public key size")
	}
	return &Signer{pub: pub, priv: priv}, nil
}

// Sign returns the hex signature of data.
func (s *Signer) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, data))
}

// PublicKeyHex returns the hex encoded public key.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}

// GenerateKeyPair creates a new ed25519 key pair.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// SaveKeyPair writes both keys as hex files.
func SaveKeyPair(pub ed25519.PublicKey, priv ed25519.PrivateKey, pubPath, privPath string) error {
	if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	if err := os.WriteFile(privPath, []byte(hex.EncodeToString(priv)), 0600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	return nil
}

// LoadPrivateKey loads an ed25519 private key from a hex file.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	b, err := readHexKey(path, ed25519.PrivateKeySize)
	if err != nil {
		return nil, err
	}
	return ed25519.PrivateKey(b), nil
}

// LoadPublicKey loads an ed25519 public key from a hex file.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	b, err := readHexKey(path, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(b), nil
}

func readHexKey(path string, size int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key %s: %w", path, err)
	}
	b, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding key %s: %w", path, err)
	}
	if len(b) != size {
		return nil, fmt.Errorf("key %s: expected %d bytes, got %d", path, size, len(b))
	}
	return b, nil
}

// EnsureSigner loads the ledger key pair from dir, generating and saving a
// new one on first use. created reports whether keys were generated.
func EnsureSigner(dir string) (s *Signer, created bool, err error) {
	pubPath := filepath.Join(dir, PublicKeyFile)
	privPath := filepath.Join(dir, PrivateKeyFile)

	if _, err := os.Stat(pubPath); errors.Is(err, os.ErrNotExist) {
		pub, priv, err := GenerateKeyPair()
		if err != nil {
			return nil, false, fmt.Errorf("generating key pair: %w", err)
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("creating key directory: %w", err)
		}
		if err := SaveKeyPair(pub, priv, pubPath, privPath); err != nil {
			return nil, false, err
		}
		s, err := NewSigner(pub, priv)
		return s, true, err
	}

	pub, err := LoadPublicKey(pubPath)
	if err != nil {
		return nil, false, err
	}
	priv, err := LoadPrivateKey(privPath)
	if err != nil {
		return nil, false, err
	}
	s, err = NewSigner(pub, priv)
	return s, false, err
}

// VerifySignatureFromHex verifies a hex signature of data against a hex public key.
func VerifySignatureFromHex(pubHex string, data []byte, sigHex string) (bool, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return false, fmt.Errorf("decoding public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, errors.New("invalid public key size")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("decoding signature: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig), nil
}
