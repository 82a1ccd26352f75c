package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/textileio/deploy-core/deployer"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfo = "deploy-core/vault/v1"

// ErrDecryption indicates a ciphertext that is corrupt, tampered with, or sealed with another key.
var ErrDecryption = errors.New("decryption failed")

// Vault seals workload secrets at rest.
type Vault struct {
	key []byte
}

// New returns a Vault keyed from secret.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, deployer.Errorf(deployer.KindConfiguration, "vault key is empty")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("deriving key: %s", err)
	}
	return &Vault{key: key}, nil
}

// Encrypt seals plaintext and returns it base64 encoded.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %s", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %s", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
// Any failure is reported as ErrDecryption.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %s", err)
	}
	sealed, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decoding: %s", ErrDecryption, err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}
	nonce, box := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrDecryption, err)
	}
	return string(plaintext), nil
}
