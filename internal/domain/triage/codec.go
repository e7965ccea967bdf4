package triage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/triage/triage/internal/platform/phi"
)

// ErrSealedThread is returned when a stored thread is sealed and the store has no keys.
var ErrSealedThread = errors.New("thread is sealed and no encryption keys are configured")

// sealedEnvelope stays valid JSON so sealed threads fit the JSONB state column.
type sealedEnvelope struct {
	Sealed string `json:"sealed"`
}

// threadCodec serializes threads for the durable stores. With a sealer the
// conversation is encrypted at rest; plaintext threads written before keys
// were configured still decode.
type threadCodec struct {
	sealer *phi.Sealer
}

type StoreOption func(*threadCodec)

// WithSealer encrypts stored threads. A nil sealer leaves them in plaintext.
func WithSealer(s *phi.Sealer) StoreOption {
	return func(c *threadCodec) { c.sealer = s }
}

func newThreadCodec(opts []StoreOption) threadCodec {
	var c threadCodec
	for _, o := range opts {
		o(&c)
	}
	return c
}

func (c threadCodec) encode(t *Thread) ([]byte, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode thread %s: %w", t.ID, err)
	}
	if c.sealer == nil {
		return raw, nil
	}
	sealed, err := c.sealer.Seal(raw)
	if err != nil {
		return nil, fmt.Errorf("seal thread %s: %w", t.ID, err)
	}
	return json.Marshal(sealedEnvelope{Sealed: sealed})
}

func (c threadCodec) decode(id string, raw []byte) (*Thread, error) {
	var env sealedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode thread %s: %w", id, err)
	}
	if env.Sealed != "" {
		if c.sealer == nil {
			return nil, fmt.Errorf("thread %s: %w", id, ErrSealedThread)
		}
		opened, err := c.sealer.Open(env.Sealed)
		if err != nil {
			return nil, fmt.Errorf("open thread %s: %w", id, err)
		}
		raw = opened
	}
	var t Thread
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode thread %s: %w", id, err)
	}
	if t.Messages == nil {
		t.Messages = []Message{}
	}
	return &t, nil
}
