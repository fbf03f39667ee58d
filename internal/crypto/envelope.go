package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrKeyMismatch is returned when a sealed API key is opened for a different model config.
var ErrKeyMismatch = errors.New("sealed value does not belong to this record")

// Envelope is the JSON form stored in model_configs.enc_api_key.
// The ciphertext is bound to the owning record id through GCM additional data.
type Envelope struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type Manager struct {
	currentKeyID string
	keys         map[string][]byte
}

func NewManager(currentKeyID string, keys map[string][]byte) (*Manager, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		cp[id] = append([]byte(nil), key...)
	}
	return &Manager{currentKeyID: currentKeyID, keys: cp}, nil
}

func (m *Manager) CurrentKeyID() string { return m.currentKeyID }

// KeyIDs lists every key the manager can open, sorted.
func (m *Manager) KeyIDs() []string {
	ids := make([]string, 0, len(m.keys))
	for id := range m.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) Encrypt(plaintext, aad []byte) (Envelope, error) {
	aead, err := newAEAD(m.keys[m.currentKeyID])
	if err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("nonce: %w", err)
	}
	return Envelope{
		KeyID:      m.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plaintext, aad)),
	}, nil
}

func (m *Manager) Decrypt(env Envelope, aad []byte) ([]byte, error) {
	key, ok := m.keys[env.KeyID]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", env.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", ErrKeyMismatch)
	}
	return plaintext, nil
}

// Seal encrypts value for the record identified by recordID and returns the envelope JSON.
func (m *Manager) Seal(value, recordID string) (string, error) {
	env, err := m.Encrypt([]byte(value), []byte(recordID))
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

// Open reverses Seal. It fails with ErrKeyMismatch when raw was sealed for another record.
func (m *Manager) Open(raw, recordID string) (string, error) {
	env, err := parseEnvelope(raw)
	if err != nil {
		return "", err
	}
	pt, err := m.Decrypt(env, []byte(recordID))
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// NeedsRotation reports whether raw was sealed with a key other than the current one.
func (m *Manager) NeedsRotation(raw string) bool {
	env, err := parseEnvelope(raw)
	if err != nil {
		return false
	}
	return env.KeyID != m.currentKeyID
}

// ReSeal opens raw and seals it again with the current key.
func (m *Manager) ReSeal(raw, recordID string) (string, error) {
	plain, err := m.Open(raw, recordID)
	if err != nil {
		return "", err
	}
	return m.Seal(plain, recordID)
}

func parseEnvelope(raw string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}
