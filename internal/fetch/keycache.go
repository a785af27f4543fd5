package fetch

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"sync"

	"m3u8get/internal/logger"
	"m3u8get/internal/models"
)

// KeyCache fetches AES segment keys and caches them per key URI so a key
// shared by many segments is resolved over the network only once, regardless
// of which worker gets there first.
type KeyCache struct {
	httpClient *http.Client
	logger     logger.Logger
	userAgent  string

	mutex sync.Mutex
	keys  map[string][]byte
}

// NewKeyCache creates an empty key cache using the given HTTP client.
func NewKeyCache(client *http.Client, log logger.Logger, userAgent string) *KeyCache {
	return &KeyCache{
		httpClient: client,
		logger:     log,
		userAgent:  userAgent,
		keys:       make(map[string][]byte),
	}
}

// Get returns the key bytes for uri, fetching them on first use. The mutex is
// held across the fetch so concurrent workers asking for the same key block
// on a single request instead of racing.
func (kc *KeyCache) Get(ctx context.Context, uri string) ([]byte, error) {
	kc.mutex.Lock()
	defer kc.mutex.Unlock()

	if key, found := kc.keys[uri]; found {
		return key, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create key request for %s: %w", uri, err)
	}
	if kc.userAgent != "" {
		req.Header.Set("User-Agent", kc.userAgent)
	}

	resp, err := kc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key from %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key fetch from %s received status %d", uri, resp.StatusCode)
	}

	key, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read key body from %s: %w", uri, err)
	}
	if len(key) != 16 {
		return nil, fmt.Errorf("key from %s has %d bytes, want 16", uri, len(key))
	}

	kc.keys[uri] = key
	kc.logger.Debugf("Cached AES key from %s", uri)
	return key, nil
}

// Decrypt decrypts an AES-128-CBC segment body in place of its ciphertext.
// When the manifest declared no IV, the IV is the segment's sequence number
// in the low 8 bytes of a zeroed 16-byte block, per the HLS specification.
func Decrypt(data, key []byte, keyInfo *models.SegmentKey, sequence uint64) ([]byte, error) {
	if keyInfo.Method != "AES-128" {
		return nil, fmt.Errorf("unsupported encryption method %q", keyInfo.Method)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize AES cipher: %w", err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the AES block size", len(data))
	}

	iv := keyInfo.IV
	if iv == nil {
		iv = make([]byte, aes.BlockSize)
		binary.BigEndian.PutUint64(iv[8:], sequence)
	}

	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)

	// Strip PKCS#7 padding.
	padding := int(plain[len(plain)-1])
	if padding < 1 || padding > aes.BlockSize || padding > len(plain) {
		return nil, fmt.Errorf("invalid PKCS7 padding value %d", padding)
	}
	return plain[:len(plain)-padding], nil
}
