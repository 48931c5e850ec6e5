// Package auth issues and checks the bearer token that protects the HTTP
// API. Only an argon2id hash of the token is ever written to config.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/term"
)

// Argon2id parameters.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLength   = 16
	tokenBytes   = 32
)

var (
	// ErrEmptyToken is returned when an empty token is entered.
	ErrEmptyToken = errors.New("token cannot be empty")
	// ErrTokenMismatch is returned when the confirmation differs.
	ErrTokenMismatch = errors.New("tokens do not match")
)

// GenerateToken returns a random 256-bit token, hex encoded.
func GenerateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Hash returns the encoded argon2id hash of secret in the form
// $argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>.
func Hash(secret string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// Verify reports whether secret matches an encoded hash.
func Verify(secret, encoded string) (bool, error) {
	p, err := decode(encoded)
	if err != nil {
		return false, err
	}
	computed := argon2.IDKey([]byte(secret), p.salt, p.time, p.memory, p.threads, uint32(len(p.key)))
	return subtle.ConstantTimeCompare(p.key, computed) == 1, nil
}

type encodedHash struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	key     []byte
}

func decode(encoded string) (*encodedHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return nil, fmt.Errorf("invalid hash format: expected 6 parts, got %d", len(parts))
	}
	if parts[1] != "argon2id" {
		return nil, fmt.Errorf("invalid hash algorithm: %s", parts[1])
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, fmt.Errorf("invalid version format: %w", err)
	}
	if version != argon2.Version {
		return nil, fmt.Errorf("unsupported argon2 version: %d", version)
	}
	p := &encodedHash{}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return nil, fmt.Errorf("invalid params format: %w", err)
	}
	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return nil, fmt.Errorf("invalid salt encoding: %w", err)
	}
	if p.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return nil, fmt.Errorf("invalid hash encoding: %w", err)
	}
	return p, nil
}

// Verifier checks bearer tokens against one encoded hash. Tokens that
// verified once are remembered so argon2 runs once per token, not once per
// request.
type Verifier struct {
	hash string

	mu       sync.Mutex
	verified map[string]bool
}

// NewVerifier creates a Verifier. An empty hash disables authentication.
func NewVerifier(hash string) (*Verifier, error) {
	if hash != "" {
		if _, err := decode(hash); err != nil {
			return nil, err
		}
	}
	return &Verifier{hash: hash, verified: make(map[string]bool)}, nil
}

// Enabled reports whether tokens are checked at all.
func (v *Verifier) Enabled() bool {
	return v.hash != ""
}

// Check reports whether token is valid.
func (v *Verifier) Check(token string) bool {
	if !v.Enabled() {
		return true
	}
	if token == "" {
		return false
	}
	v.mu.Lock()
	ok := v.verified[token]
	v.mu.Unlock()
	if ok {
		return true
	}
	ok, err := Verify(token, v.hash)
	if err != nil || !ok {
		return false
	}
	v.mu.Lock()
	v.verified[token] = true
	v.mu.Unlock()
	return true
}

// PromptToken reads a token from the terminal without echo, asking for it
// twice. An empty entry is rejected.
func PromptToken(out io.Writer) (string, error) {
	first, err := readHidden(out, "API token: ")
	if err != nil {
		return "", err
	}
	if first == "" {
		return "", ErrEmptyToken
	}
	second, err := readHidden(out, "Confirm token: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", ErrTokenMismatch
	}
	return first, nil
}

func readHidden(out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// IsTerminal reports whether stdin is an interactive terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}
