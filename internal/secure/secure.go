// Package secure seals packets with a per-connection symmetric key.
//
// A sealed packet is nonce || ciphertext, where the ciphertext carries the
// AEAD tag. Keys are issued by the server and delivered to the client inside
// the connect-key message, in the clear.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/luciancaetano/knet"
)

// Suite builds AEADs from raw keys.
type Suite interface {
	Name() string
	KeySize() int
	NewAEAD(key []byte) (cipher.AEAD, error)
}

type aesGCM struct{}

func (aesGCM) Name() string { return "aes-256-gcm" }
func (aesGCM) KeySize() int { return 32 }

func (aesGCM) NewAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

type chacha struct{}

func (chacha) Name() string { return "chacha20-poly1305" }
func (chacha) KeySize() int { return chacha20poly1305.KeySize }

func (chacha) NewAEAD(key []byte) (cipher.AEAD, error) {
	return chacha20poly1305.New(key)
}

// AESGCM is the default suite.
func AESGCM() Suite { return aesGCM{} }

// ChaCha20Poly1305 suits hosts without AES hardware.
func ChaCha20Poly1305() Suite { return chacha{} }

// SuiteByName resolves "aes-256-gcm" or "chacha20-poly1305".
func SuiteByName(name string) (Suite, error) {
	switch strings.ToLower(name) {
	case "", "aes-256-gcm", "aes":
		return AESGCM(), nil
	case "chacha20-poly1305", "chacha20", "chacha":
		return ChaCha20Poly1305(), nil
	}
	return nil, fmt.Errorf("unknown cipher suite %q", name)
}

// GenerateKey returns a fresh random key sized for suite.
func GenerateKey(suite Suite) ([]byte, error) {
	key := make([]byte, suite.KeySize())
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// Sealer encrypts and decrypts whole packets. It is safe for concurrent use.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a sealer for key. The key length must match the suite.
func NewSealer(suite Suite, key []byte) (*Sealer, error) {
	if len(key) != suite.KeySize() {
		return nil, fmt.Errorf("%s: key is %d bytes, want %d", suite.Name(), len(key), suite.KeySize())
	}
	aead, err := suite.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Overhead is the number of bytes Seal adds to a packet.
func (s *Sealer) Overhead() int {
	return s.aead.NonceSize() + s.aead.Overhead()
}

// Seal returns nonce || ciphertext for plain.
func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	out := make([]byte, nonceSize, nonceSize+len(plain)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(out, out[:nonceSize], plain, nil), nil
}

// Open authenticates and decrypts a sealed packet. Any failure is reported
// as knet.ErrDecrypt.
func (s *Sealer) Open(packet []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(packet) < nonceSize+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: packet of %d bytes is too short", knet.ErrDecrypt, len(packet))
	}
	plain, err := s.aead.Open(nil, packet[:nonceSize], packet[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", knet.ErrDecrypt, err)
	}
	return plain, nil
}

// KeyStore remembers the key issued to each connection.
type KeyStore[ID comparable] struct {
	mu   sync.RWMutex
	keys map[ID][]byte
}

func NewKeyStore[ID comparable]() *KeyStore[ID] {
	return &KeyStore[ID]{keys: make(map[ID][]byte)}
}

func (k *KeyStore[ID]) Put(id ID, key []byte) {
	k.mu.Lock()
	k.keys[id] = key
	k.mu.Unlock()
}

func (k *KeyStore[ID]) Get(id ID) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[id]
	return key, ok
}

func (k *KeyStore[ID]) Delete(id ID) {
	k.mu.Lock()
	delete(k.keys, id)
	k.mu.Unlock()
}

func (k *KeyStore[ID]) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}
