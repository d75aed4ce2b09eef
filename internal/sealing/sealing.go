// Package sealing encrypts task contacts and wraps their data encryption key
// (DEK) for each task participant.
//
// Contacts payload: hex(iv[12] || tag[16] || ciphertext), AES-256-GCM.
// Wrapped DEK:      hex(ephemeralPub[32] || nonce[24] || box), NaCl box.
package sealing

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/crypto/nacl/box"
)

const (
	DEKSize    = 32
	ivSize     = 12
	tagSize    = 16
	keySize    = 32
	nonceSize  = 24
	pubKeyHex  = keySize * 2
	minCipherN = 64
)

var (
	ErrInvalidPubKey = errors.New("sealing: encryption public key must be 32 bytes of hex")
	ErrInvalidDEK    = errors.New("sealing: DEK must be 32 bytes")
	ErrMalformed     = errors.New("sealing: malformed ciphertext")
	ErrDecryptFailed = errors.New("sealing: authentication failed")
	hexOnly          = regexp.MustCompile(`^[0-9a-fA-F]+$`)
	randReader       = rand.Reader
)

// GenerateDEK returns 32 fresh random bytes.
func GenerateDEK() ([]byte, error) {
	dek := make([]byte, DEKSize)
	if _, err := io.ReadFull(randReader, dek); err != nil {
		return nil, fmt.Errorf("generate DEK: %w", err)
	}
	return dek, nil
}

// EncryptContacts seals plaintext with dek using AES-256-GCM.
func EncryptContacts(plaintext string, dek []byte) (string, error) {
	if len(dek) != DEKSize {
		return "", ErrInvalidDEK
	}
	gcm, err := newGCM(dek)
	if err != nil {
		return "", err
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(randReader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, ivSize+tagSize+len(ct))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return hex.EncodeToString(out), nil
}

// DecryptContacts reverses EncryptContacts.
func DecryptContacts(payload string, dek []byte) (string, error) {
	if len(dek) != DEKSize {
		return "", ErrInvalidDEK
	}
	raw, err := hex.DecodeString(strip0x(payload))
	if err != nil || len(raw) < ivSize+tagSize {
		return "", ErrMalformed
	}
	gcm, err := newGCM(dek)
	if err != nil {
		return "", err
	}
	iv, tag, ct := raw[:ivSize], raw[ivSize:ivSize+tagSize], raw[ivSize+tagSize:]
	sealed := append(append([]byte{}, ct...), tag...)
	plain, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plain), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return gcm, nil
}

// WrapDEK seals dek to the recipient's X25519 public key using a fresh
// ephemeral key pair.
func WrapDEK(dek []byte, recipientPubKey string) (string, error) {
	if len(dek) != DEKSize {
		return "", ErrInvalidDEK
	}
	recipient, err := ParsePubKey(recipientPubKey)
	if err != nil {
		return "", err
	}
	ephPub, ephPriv, err := box.GenerateKey(randReader)
	if err != nil {
		return "", fmt.Errorf("generate ephemeral key: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(randReader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := box.Seal(nil, dek, &nonce, recipient, ephPriv)

	out := make([]byte, 0, keySize+nonceSize+len(sealed))
	out = append(out, ephPub[:]...)
	out = append(out, nonce[:]...)
	out = append(out, sealed...)
	return hex.EncodeToString(out), nil
}

// UnwrapDEK opens a wrapped DEK with the recipient's secret key (hex).
func UnwrapDEK(wrapped, recipientSecretKey string) ([]byte, error) {
	secret, err := ParsePubKey(recipientSecretKey)
	if err != nil {
		return nil, fmt.Errorf("secret key: %w", err)
	}
	raw, err := hex.DecodeString(strip0x(wrapped))
	if err != nil || len(raw) < keySize+nonceSize+box.Overhead {
		return nil, ErrMalformed
	}
	var ephPub [keySize]byte
	var nonce [nonceSize]byte
	copy(ephPub[:], raw[:keySize])
	copy(nonce[:], raw[keySize:keySize+nonceSize])
	dek, ok := box.Open(nil, raw[keySize+nonceSize:], &nonce, &ephPub, secret)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return dek, nil
}

// GenerateKeyPair returns a hex X25519 key pair usable as a profile
// encryption key.
func GenerateKeyPair() (pub, secret string, err error) {
	p, s, err := box.GenerateKey(randReader)
	if err != nil {
		return "", "", fmt.Errorf("generate key pair: %w", err)
	}
	return hex.EncodeToString(p[:]), hex.EncodeToString(s[:]), nil
}

// ParsePubKey decodes a 32-byte hex key with optional 0x prefix.
func ParsePubKey(s string) (*[keySize]byte, error) {
	s = strip0x(strings.TrimSpace(s))
	if len(s) != pubKeyHex || !hexOnly.MatchString(s) {
		return nil, ErrInvalidPubKey
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidPubKey
	}
	var key [keySize]byte
	copy(key[:], raw)
	return &key, nil
}

// ValidatePubKey reports whether s is a usable encryption public key.
func ValidatePubKey(s string) bool {
	_, err := ParsePubKey(s)
	return err == nil
}

// LooksEncrypted reports whether s resembles hex ciphertext rather than
// human-entered contacts. Older rows stored the payload in the plaintext column.
func LooksEncrypted(s string) bool {
	s = strip0x(strings.TrimSpace(s))
	return len(s) >= minCipherN && hexOnly.MatchString(s)
}

func strip0x(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s[2:]
	}
	return s
}
