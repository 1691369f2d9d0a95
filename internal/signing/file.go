package signing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"sync"

	"skillvault/internal/apperr"
	"skillvault/internal/fsutil"
)

// keyFile is an OKP JSON Web Key holding an Ed25519 seed.
type keyFile struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	D   string `json:"d"`
	X   string `json:"x,omitempty"`
}

// FileProvider loads its key from a JSON key file on first use.
type FileProvider struct {
	path string

	mu     sync.Mutex
	signer *keySigner
	closed bool
}

func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

func (p *FileProvider) load() (*keySigner, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, apperr.Configuration("CFG_WALLET_CLOSED", "wallet provider already released")
	}
	if p.signer != nil {
		return p.signer, nil
	}
	blob, err := os.ReadFile(p.path)
	if err != nil {
		return nil, apperr.FileSystem("FS_WALLET_READ", p.path, err)
	}
	var kf keyFile
	if err := json.Unmarshal(blob, &kf); err != nil {
		return nil, apperr.Configuration("CFG_WALLET_INVALID", "wallet file %s is not a JSON key", p.path)
	}
	if kf.Kty != "OKP" || kf.Crv != "Ed25519" || kf.D == "" {
		return nil, apperr.Configuration("CFG_WALLET_INVALID", "wallet file %s must hold an OKP Ed25519 key", p.path)
	}
	seed, err := base64.RawURLEncoding.DecodeString(kf.D)
	if err != nil {
		return nil, apperr.Configuration("CFG_WALLET_INVALID", "wallet file %s has a malformed key", p.path)
	}
	signer, err := newKeySigner(seed)
	for i := range seed {
		seed[i] = 0
	}
	if err != nil {
		return nil, err
	}
	p.signer = signer
	return signer, nil
}

func (p *FileProvider) Address(_ context.Context) (string, error) {
	s, err := p.load()
	if err != nil {
		return "", err
	}
	return s.Address(), nil
}

func (p *FileProvider) Signer(_ context.Context) (Signer, error) {
	s, err := p.load()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p *FileProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signer != nil {
		p.signer.wipe()
		p.signer = nil
	}
	p.closed = true
	return nil
}

// WriteKeyFile stores seed as a key file readable by FileProvider.
func WriteKeyFile(path string, seed []byte) error {
	signer, err := newKeySigner(seed)
	if err != nil {
		return err
	}
	blob, err := json.MarshalIndent(keyFile{
		Kty: "OKP",
		Crv: "Ed25519",
		D:   base64.RawURLEncoding.EncodeToString(seed),
		X:   base64.RawURLEncoding.EncodeToString(signer.pub),
	}, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.AtomicWrite(path, blob, 0o600)
}
