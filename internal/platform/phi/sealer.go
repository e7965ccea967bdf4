// Package phi seals health data at rest with AES-256-GCM under versioned keys.
package phi

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var ErrUnknownKeyVersion = errors.New("no key for sealed data version")

type Key struct {
	Version int
	Secret  []byte
}

// Sealer encrypts with the current key and opens data sealed under any key it
// was given, so keys can rotate without rewriting stored data first.
type Sealer struct {
	current int
	aeads   map[int]cipher.AEAD
}

// NewSealer takes the current key first, then retired keys still needed to open old data.
func NewSealer(current Key, previous ...Key) (*Sealer, error) {
	s := &Sealer{current: current.Version, aeads: make(map[int]cipher.AEAD)}
	for _, k := range append([]Key{current}, previous...) {
		if _, dup := s.aeads[k.Version]; dup {
			return nil, fmt.Errorf("phi sealer: key version %d given twice", k.Version)
		}
		aead, err := newAEAD(k.Secret)
		if err != nil {
			return nil, fmt.Errorf("phi sealer: key v%d: %w", k.Version, err)
		}
		s.aeads[k.Version] = aead
	}
	return s, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Seal returns "v<version>:<base64(nonce|ciphertext)>".
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	aead := s.aeads[s.current]
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("phi seal: generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return "v" + strconv.Itoa(s.current) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Sealer) Open(sealed string) ([]byte, error) {
	version, data, err := parseSealed(sealed)
	if err != nil {
		return nil, err
	}
	aead, ok := s.aeads[version]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownKeyVersion, version)
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("phi open: base64 decode: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return nil, errors.New("phi open: ciphertext too short")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("phi open: %w", err)
	}
	return plaintext, nil
}

// Stale reports whether sealed was produced under a key other than the current one.
func (s *Sealer) Stale(sealed string) bool {
	version, _, err := parseSealed(sealed)
	return err == nil && version != s.current
}

func (s *Sealer) CurrentVersion() int { return s.current }

func parseSealed(s string) (int, string, error) {
	head, data, ok := strings.Cut(s, ":")
	if !ok || !strings.HasPrefix(head, "v") {
		return 0, "", errors.New("phi open: missing key version prefix")
	}
	version, err := strconv.Atoi(head[1:])
	if err != nil {
		return 0, "", fmt.Errorf("phi open: bad key version %q", head)
	}
	return version, data, nil
}

// ParseKeys reads "1:<base64 key>,2:<base64 key>". The highest version is
// current.
func ParseKeys(spec string) (current Key, previous []Key, err error) {
	var keys []Key
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, secret, ok := strings.Cut(part, ":")
		if !ok {
			return Key{}, nil, fmt.Errorf("key %q: want <version>:<base64>", truncateKey(part))
		}
		version, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || version <= 0 {
			return Key{}, nil, fmt.Errorf("key version %q must be a positive integer", v)
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(secret))
		if err != nil {
			return Key{}, nil, fmt.Errorf("key v%d: %w", version, err)
		}
		if len(raw) != 32 {
			return Key{}, nil, fmt.Errorf("key v%d must decode to 32 bytes, got %d", version, len(raw))
		}
		keys = append(keys, Key{Version: version, Secret: raw})
	}
	if len(keys) == 0 {
		return Key{}, nil, errors.New("no keys given")
	}
	cur := 0
	for i, k := range keys {
		if k.Version > keys[cur].Version {
			cur = i
		}
	}
	for i, k := range keys {
		if i != cur {
			previous = append(previous, k)
		}
	}
	return keys[cur], previous, nil
}

// truncateKey keeps key material out of error messages.
func truncateKey(s string) string {
	if len(s) > 4 {
		return s[:4] + "..."
	}
	return s
}
