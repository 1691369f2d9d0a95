package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"

	"skillvault/internal/apperr"
)

const (
	minSeedWords = 12
	seedSalt     = "skillvault-wallet-v1"
	seedInfo     = "ed25519"
)

// SeedProvider derives its key from a mnemonic seed phrase.
type SeedProvider struct {
	mu     sync.Mutex
	signer *keySigner
}

func NewSeedProvider(phrase string) (*SeedProvider, error) {
	words := strings.Fields(strings.ToLower(phrase))
	if len(words) < minSeedWords {
		return nil, apperr.Configuration("CFG_WALLET_INVALID", "seed phrase must have at least %d words", minSeedWords)
	}
	normalized := []byte(strings.Join(words, " "))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, normalized, []byte(seedSalt), []byte(seedInfo)), seed); err != nil {
		return nil, apperr.Configuration("CFG_WALLET_INVALID", "derive key from seed phrase")
	}
	signer, err := newKeySigner(seed)
	for i := range seed {
		seed[i] = 0
	}
	for i := range normalized {
		normalized[i] = 0
	}
	if err != nil {
		return nil, err
	}
	return &SeedProvider{signer: signer}, nil
}

func (p *SeedProvider) current() (*keySigner, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signer == nil {
		return nil, apperr.Configuration("CFG_WALLET_CLOSED", "wallet provider already released")
	}
	return p.signer, nil
}

func (p *SeedProvider) Address(_ context.Context) (string, error) {
	s, err := p.current()
	if err != nil {
		return "", err
	}
	return s.Address(), nil
}

func (p *SeedProvider) Signer(_ context.Context) (Signer, error) {
	s, err := p.current()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p *SeedProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signer != nil {
		p.signer.wipe()
		p.signer = nil
	}
	return nil
}
