package phi

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func key(version int, b byte) Key {
	return Key{Version: version, Secret: bytes.Repeat([]byte{b}, 32)}
}

func TestSealer_SealOpen(t *testing.T) {
	s, err := NewSealer(key(1, 'a'))
	if err != nil {
		t.Fatal(err)
	}
	plaintext := []byte(`{"messages":[{"role":"user","content":"ho dolore al petto"}]}`)
	sealed, err := s.Seal(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(sealed, "v1:") || strings.Contains(sealed, "petto") {
		t.Fatalf("unexpected sealed form %q", sealed)
	}
	again, _ := s.Seal(plaintext)
	if again == sealed {
		t.Error("nonce reused")
	}
	got, err := s.Open(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("got %q", got)
	}
}

func TestSealer_Rotation(t *testing.T) {
	old, _ := NewSealer(key(1, 'a'))
	sealedOld, _ := old.Seal([]byte("vecchio"))

	rotated, err := NewSealer(key(2, 'b'), key(1, 'a'))
	if err != nil {
		t.Fatal(err)
	}
	got, err := rotated.Open(sealedOld)
	if err != nil || string(got) != "vecchio" {
		t.Fatalf("open old data: %q %v", got, err)
	}
	if !rotated.Stale(sealedOld) {
		t.Error("old data should be stale")
	}
	fresh, _ := rotated.Seal([]byte("nuovo"))
	if rotated.Stale(fresh) || !strings.HasPrefix(fresh, "v2:") {
		t.Errorf("fresh data %q", fresh)
	}

	if _, err := old.Open(fresh); !errors.Is(err, ErrUnknownKeyVersion) {
		t.Errorf("expected ErrUnknownKeyVersion, got %v", err)
	}
}

func TestSealer_OpenRejects(t *testing.T) {
	s, _ := NewSealer(key(1, 'a'))
	other, _ := NewSealer(key(1, 'z'))
	forged, _ := other.Seal([]byte("x"))

	for name, in := range map[string]string{
		"no prefix":   "abc",
		"bad version": "vx:abc",
		"bad base64":  "v1:***",
		"too short":   "v1:" + base64.StdEncoding.EncodeToString([]byte("ab")),
		"wrong key":   forged,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Open(in); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewSealer_Invalid(t *testing.T) {
	if _, err := NewSealer(Key{Version: 1, Secret: []byte("short")}); err == nil {
		t.Error("short key accepted")
	}
	if _, err := NewSealer(key(1, 'a'), key(1, 'b')); err == nil {
		t.Error("duplicate version accepted")
	}
}

func TestParseKeys(t *testing.T) {
	k1 := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{'a'}, 32))
	k3 := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{'c'}, 32))

	cur, prev, err := ParseKeys(" 1:" + k1 + " , 3:" + k3)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Version != 3 || len(prev) != 1 || prev[0].Version != 1 {
		t.Errorf("current v%d, previous %v", cur.Version, prev)
	}

	for _, bad := range []string{"", "1", "0:" + k1, "x:" + k1, "1:not base64!", "2:" + base64.StdEncoding.EncodeToString([]byte("sixteen-byte-key"))} {
		if _, _, err := ParseKeys(bad); err == nil {
			t.Errorf("ParseKeys(%q) accepted", bad)
		}
	}
}
