// Package signing provides the identities that authorize uploads and
// registry writes. Providers are acquired once per pipeline run and must
// be closed on every exit path.
package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"

	"skillvault/internal/apperr"
)

// Signer signs payloads for one identity.
type Signer interface {
	Address() string
	PublicKey() []byte
	Sign(data []byte) ([]byte, error)
}

// Provider yields a Signer for a publishing identity.
type Provider interface {
	Address(ctx context.Context) (string, error)
	Signer(ctx context.Context) (Signer, error)
	Close() error
}

type Options struct {
	WalletPath string
	SeedPhrase string
}

// Open picks a provider from the configured key material. A key file wins
// over a seed phrase.
func Open(opts Options) (Provider, error) {
	switch {
	case opts.WalletPath != "":
		return NewFileProvider(opts.WalletPath), nil
	case opts.SeedPhrase != "":
		return NewSeedProvider(opts.SeedPhrase)
	}
	return nil, apperr.Configuration("CFG_WALLET_MISSING", "no wallet configured: set [wallet].path, --wallet, or SKILLVAULT_SEED_PHRASE")
}

// AddressOf derives the public address for an Ed25519 public key.
func AddressOf(pub []byte) string {
	sum := sha256.Sum256(pub)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Verify checks sig over data against pub.
func Verify(pub, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig)
}

type keySigner struct {
	mu      sync.RWMutex
	priv    ed25519.PrivateKey
	pub     []byte
	address string
}

func newKeySigner(seed []byte) (*keySigner, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, apperr.Configuration("CFG_WALLET_INVALID", "wallet key must be a %d-byte Ed25519 seed", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := append([]byte(nil), priv.Public().(ed25519.PublicKey)...)
	return &keySigner{priv: priv, pub: pub, address: AddressOf(pub)}, nil
}

func (s *keySigner) Address() string { return s.address }

func (s *keySigner) PublicKey() []byte { return append([]byte(nil), s.pub...) }

func (s *keySigner) Sign(data []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.priv == nil {
		return nil, fmt.Errorf("SIGN_CLOSED: signer has been released")
	}
	return ed25519.Sign(s.priv, data), nil
}

func (s *keySigner) wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.priv {
		s.priv[i] = 0
	}
	s.priv = nil
}
