package cipher

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/crypto/chacha20"
)

// Transform encrypts bytes headed to a client and decrypts bytes received
// from it. Both directions are stateful and must be called in stream order.
// Returned slices never alias the input.
type Transform interface {
	Encrypt(p []byte) []byte
	Decrypt(p []byte) []byte
}

type method struct {
	keyLen int
	ivLen  int
	// newStream returns a keystream for key/iv. decrypt selects the
	// decrypting variant for modes where the two differ.
	newStream func(key, iv []byte, decrypt bool) (gocipher.Stream, error)
}

var methods = map[string]method{
	"aes-128-cfb":   {keyLen: 16, ivLen: aes.BlockSize, newStream: newAESCFB},
	"aes-192-cfb":   {keyLen: 24, ivLen: aes.BlockSize, newStream: newAESCFB},
	"aes-256-cfb":   {keyLen: 32, ivLen: aes.BlockSize, newStream: newAESCFB},
	"aes-128-ctr":   {keyLen: 16, ivLen: aes.BlockSize, newStream: newAESCTR},
	"aes-192-ctr":   {keyLen: 24, ivLen: aes.BlockSize, newStream: newAESCTR},
	"aes-256-ctr":   {keyLen: 32, ivLen: aes.BlockSize, newStream: newAESCTR},
	"chacha20-ietf": {keyLen: chacha20.KeySize, ivLen: chacha20.NonceSize, newStream: newChaCha20},
	"xchacha20":     {keyLen: chacha20.KeySize, ivLen: chacha20.NonceSizeX, newStream: newChaCha20},
}

// Methods returns the supported method names, sorted.
func Methods() []string {
	names := make([]string, 0, len(methods))
	for name := range methods {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Cipher is a configured method and key. It is safe for concurrent use; all
// per-connection state lives in the transforms it creates.
type Cipher struct {
	name string
	m    method
	key  []byte
}

// New returns a Cipher for the named method keyed from password.
func New(name, password string) (*Cipher, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	m, ok := methods[name]
	if !ok {
		return nil, fmt.Errorf("unsupported cipher method %q (supported: %s)", name, strings.Join(Methods(), ", "))
	}
	if password == "" {
		return nil, errors.New("empty password")
	}

	c := &Cipher{name: name, m: m, key: deriveKey(password, m.keyLen)}

	// Fail at startup rather than on the first connection.
	if _, err := m.newStream(c.key, make([]byte, m.ivLen), false); err != nil {
		return nil, fmt.Errorf("cipher %s: %w", name, err)
	}
	return c, nil
}

// Name returns the canonical method name.
func (c *Cipher) Name() string {
	return c.name
}

// IVLen returns the IV length that prefixes each direction of the stream.
func (c *Cipher) IVLen() int {
	return c.m.ivLen
}

// NewTransform returns fresh per-connection state.
func (c *Cipher) NewTransform() Transform {
	return &streamTransform{c: c}
}

func newAESCFB(key, iv []byte, decrypt bool) (gocipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if decrypt {
		return gocipher.NewCFBDecrypter(block, iv), nil //nolint:staticcheck // CFB is part of the wire format.
	}
	return gocipher.NewCFBEncrypter(block, iv), nil //nolint:staticcheck // CFB is part of the wire format.
}

func newAESCTR(key, iv []byte, _ bool) (gocipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return gocipher.NewCTR(block, iv), nil
}

func newChaCha20(key, iv []byte, _ bool) (gocipher.Stream, error) {
	return chacha20.NewUnauthenticatedCipher(key, iv)
}
