// Package tokenize replaces sensitive field values in structured execution
// output with stable per-session tokens before anything is persisted or
// logged. Field recognition is by normalized name, so customerEmail,
// customer_email and CUSTOMER-EMAIL all match the same rule.
package tokenize

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNotRetained is returned by Reveal when the tokenizer runs in the default
// one-way mode.
var ErrNotRetained = errors.New("original value not retained")

// sensitiveNames are matched as substrings of the normalized (lowercased,
// separator-stripped) field name. Substring matching closes the trivial
// bypass of renaming `email` to `customerEmail`.
var sensitiveNames = []string{
	"email",
	"phone",
	"ssn",
	"taxid",
	"socialsecurity",
	"cardnumber",
	"creditcard",
	"password",
	"passwd",
	"apikey",
	"apitoken",
	"accesstoken",
	"authtoken",
	"token",
	"secret",
	"credential",
	"address",
	"dob",
	"dateofbirth",
	"firstname",
	"lastname",
	"fullname",
}

// exactNames are normalized names that are sensitive on their own but too
// generic for substring matching ("name" would otherwise match "filename").
var exactNames = map[string]bool{
	"name": true,
	"auth": true,
}

// Tokenizer produces stable tokens for one session. The same field+value pair
// always yields the same token within a session, preserving referential
// usefulness of the output. Safe for concurrent use.
type Tokenizer struct {
	key []byte

	mu         sync.Mutex
	vault      map[string][]byte // token -> sealed original, only in reversible mode
	aead       cipher.AEAD
	reversible bool
}

// Option configures a Tokenizer.
type Option func(*Tokenizer) error

// WithReversible retains originals, sealed with AES-GCM, so an explicitly
// authorized caller can map a token back. The vault never reaches the audit
// log. Default is one-way: originals are discarded once tokenized.
func WithReversible() Option {
	return func(t *Tokenizer) error {
		block, err := aes.NewCipher(t.key)
		if err != nil {
			return err
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return err
		}
		t.aead = aead
		t.vault = make(map[string][]byte)
		t.reversible = true
		return nil
	}
}

// New creates a tokenizer with a fresh random session key.
func New(opts ...Option) (*Tokenizer, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating session key: %w", err)
	}
	t := &Tokenizer{key: key}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Tokenize walks a parsed structure (maps, slices, scalars) and replaces the
// values of sensitive fields with tokens. It returns the rewritten structure
// and whether anything was replaced. The input is not modified.
func (t *Tokenizer) Tokenize(v any) (any, bool) {
	return t.walk("", v, false)
}

// TokenizeJSON parses raw JSON output, tokenizes it, and re-serializes.
// Non-JSON input is returned unchanged with found=false; tokenizing inside an
// opaque string blob would corrupt the format.
func (t *Tokenizer) TokenizeJSON(raw []byte) ([]byte, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw, false
	}
	rewritten, found := t.Tokenize(v)
	if !found {
		return raw, false
	}
	out, err := json.Marshal(rewritten)
	if err != nil {
		return raw, false
	}
	return out, true
}

// Reveal maps a token back to its original value in reversible mode.
func (t *Tokenizer) Reveal(token string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.reversible {
		return "", ErrNotRetained
	}
	sealed, ok := t.vault[token]
	if !ok {
		return "", fmt.Errorf("unknown token %q", token)
	}
	nonceSize := t.aead.NonceSize()
	if len(sealed) < nonceSize {
		return "", errors.New("corrupt vault entry")
	}
	plain, err := t.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("unsealing token: %w", err)
	}
	return string(plain), nil
}

func (t *Tokenizer) walk(fieldName string, v any, parentSensitive bool) (any, bool) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		found := false
		for k, child := range val {
			// Children of a sensitive object stay sensitive: the scalars
			// under "address" are the address.
			rewritten, childFound := t.walk(k, child, parentSensitive || IsSensitiveField(k))
			out[k] = rewritten
			found = found || childFound
		}
		return out, found
	case []any:
		out := make([]any, len(val))
		found := false
		for i, child := range val {
			// Elements of a sensitive array inherit the field's sensitivity.
			rewritten, childFound := t.walk(fieldName, child, parentSensitive)
			out[i] = rewritten
			found = found || childFound
		}
		return out, found
	default:
		if parentSensitive && v != nil {
			return t.token(fieldName, v), true
		}
		return v, false
	}
}

// token derives a stable token for a field+value pair. HMAC keyed with the
// session key makes the mapping one-way without a rainbow-table risk on
// low-entropy values like phone numbers.
func (t *Tokenizer) token(fieldName string, value any) string {
	norm := NormalizeField(fieldName)
	raw := fmt.Sprintf("%v", value)

	mac := hmac.New(sha256.New, t.key)
	mac.Write([]byte(norm))
	mac.Write([]byte{0})
	mac.Write([]byte(raw))
	token := "tok_" + hex.EncodeToString(mac.Sum(nil))[:24]

	if t.reversible {
		t.mu.Lock()
		if _, ok := t.vault[token]; !ok {
			nonce := make([]byte, t.aead.NonceSize())
			if _, err := rand.Read(nonce); err == nil {
				t.vault[token] = append(nonce, t.aead.Seal(nil, nonce, []byte(raw), nil)...)
			}
		}
		t.mu.Unlock()
	}

	return token
}

// NormalizeField lowercases a field name and strips separators so matching is
// case- and separator-insensitive.
func NormalizeField(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsSensitiveField reports whether a field name matches the sensitive set.
func IsSensitiveField(name string) bool {
	norm := NormalizeField(name)
	if norm == "" {
		return false
	}
	if exactNames[norm] {
		return true
	}
	for _, s := range sensitiveNames {
		if strings.Contains(norm, s) {
			return true
		}
	}
	return false
}
