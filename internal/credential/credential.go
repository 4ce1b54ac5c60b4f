// Package credential reads and writes the password-sealed file holding the
// transport credentials.
//
// File layout is a small JSON envelope:
//
//	{"version":1,"password_hash":"$2a$...","salt":"...","iterations":100000,"sealed":"..."}
//
// password_hash is a bcrypt hash used to reject a wrong password early. The
// encryption key is PBKDF2-SHA256(password, salt, iterations). sealed is
//
//	[Version: 1 byte] [Nonce: 24 bytes] [Ciphertext+Tag]
//
// produced by XChaCha20-Poly1305 with the version byte as additional data.
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	Version           byte = 0x01
	DefaultIterations      = 100000
	SaltSize               = 16
	KeySize                = chacha20poly1305.KeySize
)

var (
	ErrWrongPassword = errors.New("wrong credential password")
	ErrCorrupt       = errors.New("credential file is corrupt")
	ErrEmptyPassword = errors.New("credential password is empty")
)

// Secrets are the values kept in the sealed file.
type Secrets struct {
	APIToken  string `json:"api_token"`
	ChannelID string `json:"channel_id"`
	SavePath  string `json:"save_path,omitempty"`
}

// Params tune the cost of sealing. The zero value uses the defaults.
type Params struct {
	BcryptCost int
	Iterations int
}

func (p Params) withDefaults() Params {
	if p.BcryptCost == 0 {
		p.BcryptCost = bcrypt.DefaultCost
	}
	if p.Iterations <= 0 {
		p.Iterations = DefaultIterations
	}
	return p
}

type envelope struct {
	Version      byte   `json:"version"`
	PasswordHash string `json:"password_hash"`
	Salt         []byte `json:"salt"`
	Iterations   int    `json:"iterations"`
	Sealed       []byte `json:"sealed"`
}

// Seal encrypts s under password.
func Seal(s Secrets, password []byte, p Params) ([]byte, error) {
	if len(password) == 0 {
		return nil, ErrEmptyPassword
	}
	p = p.withDefaults()

	hash, err := bcrypt.GenerateFromPassword(password, p.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	plaintext, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(deriveKey(password, salt, p.Iterations))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	aad := []byte{Version}
	sealed := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	sealed = append(sealed, Version)
	sealed = append(sealed, nonce...)
	sealed = aead.Seal(sealed, nonce, plaintext, aad)

	return json.MarshalIndent(envelope{
		Version:      Version,
		PasswordHash: string(hash),
		Salt:         salt,
		Iterations:   p.Iterations,
		Sealed:       sealed,
	}, "", "  ")
}

// Open verifies password and decrypts data produced by Seal.
func Open(data, password []byte) (Secrets, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Secrets{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Version != Version {
		return Secrets{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, env.Version)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(env.PasswordHash), password); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return Secrets{}, ErrWrongPassword
		}
		return Secrets{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	minLen := 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(env.Sealed) < minLen || env.Sealed[0] != Version || env.Iterations <= 0 {
		return Secrets{}, ErrCorrupt
	}

	aead, err := chacha20poly1305.NewX(deriveKey(password, env.Salt, env.Iterations))
	if err != nil {
		return Secrets{}, err
	}
	nonce := env.Sealed[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := env.Sealed[1+chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, env.Sealed[:1])
	if err != nil {
		return Secrets{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var s Secrets
	if err := json.Unmarshal(plaintext, &s); err != nil {
		return Secrets{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return s, nil
}

func deriveKey(password, salt []byte, iterations int) []byte {
	return pbkdf2.Key(password, salt, iterations, KeySize, sha256.New)
}

// WriteFile seals s into path with owner-only permissions.
func WriteFile(path string, s Secrets, password []byte, p Params) error {
	data, err := Seal(s, password, p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ReadFile opens the sealed file at path.
func ReadFile(path string, password []byte) (Secrets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Secrets{}, err
	}
	return Open(data, password)
}
