package custody

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// SealedPrefix marks secrets encrypted to the custody identity
const SealedPrefix = "age:"

// Sealer encrypts seed phrases at rest with an age X25519 identity
type Sealer struct {
	identity *age.X25519Identity
}

// NewSealer parses an AGE-SECRET-KEY-1... identity
func NewSealer(identity string) (*Sealer, error) {
	id, err := age.ParseX25519Identity(strings.TrimSpace(identity))
	if err != nil {
		return nil, fmt.Errorf("parse age identity: %w", err)
	}
	return &Sealer{identity: id}, nil
}

// GenerateIdentity returns a new identity string suitable for NewSealer
func GenerateIdentity() (string, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generate age identity: %w", err)
	}
	return id.String(), nil
}

// IsSealed reports whether secret was produced by Seal
func IsSealed(secret string) bool {
	return strings.HasPrefix(secret, SealedPrefix)
}

func (s *Sealer) Seal(plaintext string) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.identity.Recipient())
	if err != nil {
		return "", fmt.Errorf("create encryptor: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("write plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize encryption: %w", err)
	}
	return SealedPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (s *Sealer) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read plaintext: %w", err)
	}
	return string(plaintext), nil
}
