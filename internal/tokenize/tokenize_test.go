package tokenize

import (
	"encoding/json"
	"strings"
	"testing"
)

func newTokenizer(t *testing.T, opts ...Option) *Tokenizer {
	t.Helper()
	tok, err := New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tok
}

func TestIsSensitiveField(t *testing.T) {
	tests := []struct {
		field string
		want  bool
	}{
		{"email", true},
		{"customerEmail", true},
		{"customer_email", true},
		{"CUSTOMER-EMAIL", true},
		{"phone_number", true},
		{"ssn", true},
		{"credit_card_number", true},
		{"apiKey", true},
		{"access_token", true},
		{"name", true},
		{"auth", true},
		{"filename", false},
		{"count", false},
		{"author", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsSensitiveField(tt.field); got != tt.want {
			t.Errorf("IsSensitiveField(%q) = %t, want %t", tt.field, got, tt.want)
		}
	}
}

func TestTokenize_ReplacesSensitiveValues(t *testing.T) {
	tok := newTokenizer(t)

	in := map[string]any{
		"customerEmail": "user@example.com",
		"count":         3,
		"nested": map[string]any{
			"phone": "555-0100",
		},
	}

	out, found := tok.Tokenize(in)
	if !found {
		t.Fatal("found = false, want true")
	}

	m := out.(map[string]any)
	email := m["customerEmail"].(string)
	if !strings.HasPrefix(email, "tok_") {
		t.Errorf("customerEmail = %q, want tok_ prefix", email)
	}
	if email == "user@example.com" {
		t.Error("original email survived tokenization")
	}
	if m["count"] != 3 {
		t.Errorf("count = %v, want untouched 3", m["count"])
	}
	phone := m["nested"].(map[string]any)["phone"].(string)
	if !strings.HasPrefix(phone, "tok_") {
		t.Errorf("nested phone = %q, want tok_ prefix", phone)
	}
}

func TestTokenize_StableWithinSession(t *testing.T) {
	tok := newTokenizer(t)
	in := map[string]any{"email": "a@b.c"}

	first, _ := tok.Tokenize(in)
	second, _ := tok.Tokenize(in)

	if first.(map[string]any)["email"] != second.(map[string]any)["email"] {
		t.Error("same field+value produced different tokens within a session")
	}
}

func TestTokenize_DiffersAcrossSessions(t *testing.T) {
	a := newTokenizer(t)
	b := newTokenizer(t)
	in := map[string]any{"email": "a@b.c"}

	outA, _ := a.Tokenize(in)
	outB, _ := b.Tokenize(in)

	if outA.(map[string]any)["email"] == outB.(map[string]any)["email"] {
		t.Error("different sessions produced the same token")
	}
}

func TestTokenize_SensitiveArrayElements(t *testing.T) {
	tok := newTokenizer(t)
	in := map[string]any{"emails": []any{"a@b.c", "d@e.f"}}

	out, found := tok.Tokenize(in)
	if !found {
		t.Fatal("found = false, want true")
	}
	for i, v := range out.(map[string]any)["emails"].([]any) {
		if !strings.HasPrefix(v.(string), "tok_") {
			t.Errorf("element %d = %v, want token", i, v)
		}
	}
}

// An object under a sensitive field is sensitive all the way down: the
// scalars inside "address" are the address even when their own names match
// nothing.
func TestTokenize_SensitiveObjectChildren(t *testing.T) {
	tok := newTokenizer(t)
	in := map[string]any{
		"address": map[string]any{
			"street": "1 Main St",
			"zip":    "94103",
		},
		"meta": map[string]any{
			"lines": 12,
		},
	}

	out, found := tok.Tokenize(in)
	if !found {
		t.Fatal("found = false, want true")
	}

	addr := out.(map[string]any)["address"].(map[string]any)
	for _, field := range []string{"street", "zip"} {
		v := addr[field].(string)
		if !strings.HasPrefix(v, "tok_") {
			t.Errorf("address.%s = %q, want token", field, v)
		}
	}
	if got := out.(map[string]any)["meta"].(map[string]any)["lines"]; got != 12 {
		t.Errorf("meta.lines = %v, want untouched 12", got)
	}
}

func TestTokenize_InputNotModified(t *testing.T) {
	tok := newTokenizer(t)
	in := map[string]any{"email": "a@b.c"}

	_, _ = tok.Tokenize(in)

	if in["email"] != "a@b.c" {
		t.Errorf("input mutated: %v", in["email"])
	}
}

func TestTokenizeJSON(t *testing.T) {
	tok := newTokenizer(t)

	out, found := tok.TokenizeJSON([]byte(`{"customerEmail":"u@example.com","total":5}`))
	if !found {
		t.Fatal("found = false, want true")
	}

	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if !strings.HasPrefix(m["customerEmail"].(string), "tok_") {
		t.Errorf("customerEmail = %v, want token", m["customerEmail"])
	}
	if m["total"].(float64) != 5 {
		t.Errorf("total = %v, want 5", m["total"])
	}
}

func TestTokenizeJSON_NonJSONPassthrough(t *testing.T) {
	tok := newTokenizer(t)
	raw := []byte("plain text with email: u@example.com")

	out, found := tok.TokenizeJSON(raw)
	if found {
		t.Error("found = true for non-JSON input")
	}
	if string(out) != string(raw) {
		t.Error("non-JSON input was modified")
	}
}

func TestReveal_DefaultModeRefuses(t *testing.T) {
	tok := newTokenizer(t)
	out, _ := tok.Tokenize(map[string]any{"email": "a@b.c"})
	token := out.(map[string]any)["email"].(string)

	if _, err := tok.Reveal(token); err != ErrNotRetained {
		t.Errorf("err = %v, want ErrNotRetained", err)
	}
}

func TestReveal_ReversibleMode(t *testing.T) {
	tok := newTokenizer(t, WithReversible())
	out, _ := tok.Tokenize(map[string]any{"email": "a@b.c"})
	token := out.(map[string]any)["email"].(string)

	got, err := tok.Reveal(token)
	if err != nil {
		t.Fatalf("Reveal: %v", err)
	}
	if got != "a@b.c" {
		t.Errorf("Reveal = %q, want a@b.c", got)
	}

	if _, err := tok.Reveal("tok_does_not_exist"); err == nil {
		t.Error("Reveal(unknown) = nil error, want error")
	}
}

func TestNormalizeField(t *testing.T) {
	tests := []struct{ in, want string }{
		{"customerEmail", "customeremail"},
		{"customer_email", "customeremail"},
		{"CUSTOMER-EMAIL", "customeremail"},
		{"api.key2", "apikey2"},
	}
	for _, tt := range tests {
		if got := NormalizeField(tt.in); got != tt.want {
			t.Errorf("NormalizeField(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
