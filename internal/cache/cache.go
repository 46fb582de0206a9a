// Package cache persists the raw bytes of UUID-text and DSC files to a
// local directory between runs over the same `.logarchive`, so a second run
// against the same archive reads them from the cache instead of the
// underlying source. Timesync files are not cached, and cached bytes are
// still parsed on every run.
package cache

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/scrypt"

	"github.com/marloson/macos-UnifiedLogs/internal/provider"
)

// ErrKeyTooShort is returned when a passphrase-derived key can't reach the
// 32 bytes AES-256-GCM requires.
var ErrKeyTooShort = errors.New("cache: derived key too short")

const scryptSaltSize = 16

// Cache stores arbitrary named byte blobs under dir, zstd-compressed and,
// when a key is set, AES-GCM sealed at rest.
type Cache struct {
	dir     string
	key     []byte // 32 bytes, nil disables encryption
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Open returns a Cache rooted at dir, creating it if necessary. At-rest
// encryption is disabled.
func Open(dir string) (*Cache, error) {
	return open(dir, nil)
}

// OpenEncrypted returns a Cache whose blobs are AES-GCM sealed at rest,
// deriving the key from passphrase via scrypt — a symmetric key rather
// than a password hash, because the cache needs to decrypt, not just
// verify. The salt is persisted alongside the cache so later opens with
// the same passphrase derive the same key.
func OpenEncrypted(dir, passphrase string) (*Cache, error) {
	salt, err := loadOrCreateSalt(dir)
	if err != nil {
		return nil, err
	}
	key, err := scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("cache: deriving key: %w", err)
	}
	if len(key) != 32 {
		return nil, ErrKeyTooShort
	}
	return open(dir, key)
}

func loadOrCreateSalt(dir string) ([]byte, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, "salt")
	if data, err := os.ReadFile(path); err == nil && len(data) == scryptSaltSize {
		return data, nil
	}
	salt := make([]byte, scryptSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("cache: generating salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("cache: writing salt: %w", err)
	}
	return salt, nil
}

func open(dir string, key []byte) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating %s: %w", dir, err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("cache: creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("cache: creating zstd decoder: %w", err)
	}
	return &Cache{dir: dir, key: key, encoder: enc, decoder: dec}, nil
}

// Put compresses payload and writes it under name, encrypting first if the
// cache was opened with a passphrase.
func (c *Cache) Put(name string, payload []byte) error {
	compressed := c.encoder.EncodeAll(payload, make([]byte, 0, len(payload)))

	if c.key != nil {
		sealed, err := c.seal(compressed)
		if err != nil {
			return fmt.Errorf("cache: sealing %s: %w", name, err)
		}
		compressed = sealed
	}

	path := filepath.Join(c.dir, safeName(name))
	if err := os.WriteFile(path, compressed, 0o644); err != nil {
		return fmt.Errorf("cache: writing %s: %w", path, err)
	}
	return nil
}

// Get reads and decompresses the blob stored under name. ok is false when
// no cache entry exists, exactly like a cold cache — callers fall back to
// the provider.
func (c *Cache) Get(name string) (payload []byte, ok bool, err error) {
	path := filepath.Join(c.dir, safeName(name))
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: reading %s: %w", path, err)
	}

	if c.key != nil {
		opened, err := c.open2(raw)
		if err != nil {
			// A corrupt or wrong-key cache entry is non-fatal: the caller
			// re-derives from the provider, the way a cold cache would.
			log.Printf("cache: discarding unreadable entry %s: %v", name, err)
			return nil, false, nil
		}
		raw = opened
	}

	out, err := c.decoder.DecodeAll(raw, nil)
	if err != nil {
		log.Printf("cache: discarding corrupt entry %s: %v", name, err)
		return nil, false, nil
	}
	return out, true, nil
}

func (c *Cache) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *Cache) open2(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("cache: ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func safeName(name string) string {
	return filepath.Base(name)
}

// CachingProvider wraps a provider.Provider, caching the bytes of every
// UUID-text and DSC file opened so a later run over the same archive
// reads them from the local cache instead of the (possibly slow, possibly
// archive-extracted) underlying source.
type CachingProvider struct {
	inner provider.Provider
	cache *Cache
}

// NewCachingProvider wraps inner with cache.
func NewCachingProvider(inner provider.Provider, cache *Cache) *CachingProvider {
	return &CachingProvider{inner: inner, cache: cache}
}

func (p *CachingProvider) TraceV3Files() ([]provider.Source, error) { return p.inner.TraceV3Files() }
func (p *CachingProvider) TimesyncFiles() ([]provider.Source, error) {
	return p.inner.TimesyncFiles()
}

// OpenUUIDText checks the cache before falling back to the wrapped provider,
// populating the cache on a miss.
func (p *CachingProvider) OpenUUIDText(u uuid.UUID) ([]byte, error) {
	key := "uuidtext-" + u.String()
	if data, ok, err := p.cache.Get(key); err == nil && ok {
		return data, nil
	}
	data, err := p.inner.OpenUUIDText(u)
	if err != nil {
		return nil, err
	}
	if err := p.cache.Put(key, data); err != nil {
		log.Printf("cache: failed to persist uuidtext %s: %v", u, err)
	}
	return data, nil
}

// OpenDSC checks the cache before falling back to the wrapped provider,
// populating the cache on a miss.
func (p *CachingProvider) OpenDSC(u uuid.UUID) ([]byte, error) {
	key := "dsc-" + u.String()
	if data, ok, err := p.cache.Get(key); err == nil && ok {
		return data, nil
	}
	data, err := p.inner.OpenDSC(u)
	if err != nil {
		return nil, err
	}
	if err := p.cache.Put(key, data); err != nil {
		log.Printf("cache: failed to persist dsc %s: %v", u, err)
	}
	return data, nil
}
