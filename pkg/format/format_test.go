package format

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"cipherbin/pkg/domain"
)

func randomCT(t *testing.T) string {
	t.Helper()
	b := make([]byte, 128)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return base64.StdEncoding.EncodeToString(b)
}

func cipherTuple() []any {
	return []any{"EN39/wd5Nq8GGBkzOq9m0g==", "QKN1DBXe5PI=", 100000, 256, 128, "aes", "gcm", "zlib"}
}

func pastePost(t *testing.T) map[string]any {
	return map[string]any{
		"v":     2,
		"adata": []any{cipherTuple(), "plaintext", 0, 0},
		"ct":    randomCT(t),
		"meta":  map[string]any{"expire": "5min"},
	}
}

func commentPost(t *testing.T) map[string]any {
	return map[string]any{
		"v":        2,
		"adata":    cipherTuple(),
		"ct":       randomCT(t),
		"pasteid":  "5b65a01b43987bc2",
		"parentid": "5b65a01b43987bc2",
	}
}

func encode(t *testing.T, m map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func setCipher(m map[string]any, idx int, v any) {
	adata := m["adata"].([]any)
	adata[0].([]any)[idx] = v
}

func TestPasteAcceptsReference(t *testing.T) {
	v := New(DefaultPolicy())
	sub, err := v.Paste(encode(t, pastePost(t)))
	if err != nil {
		t.Fatalf("valid paste rejected: %v", err)
	}
	if sub.Expire != "5min" || sub.V != 2 {
		t.Errorf("unexpected submission: %+v", sub)
	}
}

func TestCommentAcceptsReference(t *testing.T) {
	v := New(DefaultPolicy())
	sub, err := v.Comment(encode(t, commentPost(t)))
	if err != nil {
		t.Fatalf("valid comment rejected: %v", err)
	}
	if sub.PasteID != "5b65a01b43987bc2" || sub.ParentID != "5b65a01b43987bc2" {
		t.Errorf("unexpected submission: %+v", sub)
	}
}

func TestPasteRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m map[string]any)
		field  string
	}{
		{"invalid base64 iv", func(m map[string]any) { setCipher(m, ivField, "$") }, "adata.cipher.iv"},
		{"invalid base64 salt", func(m map[string]any) { setCipher(m, saltField, "$") }, "adata.cipher.salt"},
		{"invalid base64 ct", func(m map[string]any) { m["ct"] = "$" }, "ct"},
		{"low entropy ct", func(m map[string]any) { m["ct"] = "bm9kYXRhbm9kYXRhbm9kYXRhbm9kYXRhbm9kYXRhCg==" }, "ct"},
		{"iv too long", func(m map[string]any) { setCipher(m, ivField, "MTIzNDU2Nzg5MDEyMzQ1Njc4OTA=") }, "adata.cipher.iv"},
		{"salt too long", func(m map[string]any) { setCipher(m, saltField, "MTIzNDU2Nzg5MDEyMzQ1Njc4OTA=") }, "adata.cipher.salt"},
		{"additional key", func(m map[string]any) { m["foo"] = "bar" }, "message"},
		{"missing key", func(m map[string]any) { delete(m, "meta") }, "message"},
		{"replaced key", func(m map[string]any) { delete(m, "meta"); m["foo"] = "bar" }, "meta"},
		{"old version", func(m map[string]any) { m["v"] = 0.9 }, "v"},
		{"future version", func(m map[string]any) { m["v"] = 3 }, "v"},
		{"too few iterations", func(m map[string]any) { setCipher(m, iterField, 1000) }, "adata.cipher.iterations"},
		{"fractional iterations", func(m map[string]any) { setCipher(m, iterField, 100000.5) }, "adata.cipher.iterations"},
		{"key size", func(m map[string]any) { setCipher(m, keySizeField, 127) }, "adata.cipher.keysize"},
		{"tag size", func(m map[string]any) { setCipher(m, tagSizeField, 63) }, "adata.cipher.tagsize"},
		{"algorithm", func(m map[string]any) { setCipher(m, algoField, "!#@") }, "adata.cipher.algorithm"},
		{"mode", func(m map[string]any) { setCipher(m, modeField, "!#@") }, "adata.cipher.mode"},
		{"compression", func(m map[string]any) { setCipher(m, compressionField, "!#@") }, "adata.cipher.compression"},
		{"formatter", func(m map[string]any) { m["adata"].([]any)[1] = "html" }, "adata.formatter"},
		{"discussion flag", func(m map[string]any) { m["adata"].([]any)[2] = 2 }, "adata.discussion"},
		{"burn flag", func(m map[string]any) { m["adata"].([]any)[3] = "yes" }, "adata.burnafterreading"},
		{"short adata", func(m map[string]any) { m["adata"] = []any{cipherTuple(), "plaintext"} }, "adata"},
		{"extra meta key", func(m map[string]any) { m["meta"] = map[string]any{"expire": "5min", "salt": "x"} }, "meta"},
		{"server meta", func(m map[string]any) { m["meta"] = map[string]any{"created": 1344803344} }, "meta"},
	}
	v := New(DefaultPolicy())
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := pastePost(t)
			tc.mutate(m)
			_, err := v.Paste(encode(t, m))
			if err == nil {
				t.Fatalf("expected rejection")
			}
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
			if ve.Field != tc.field {
				t.Errorf("field: got %q, want %q", ve.Field, tc.field)
			}
			if !errors.Is(err, domain.ErrInvalidFormat) {
				t.Errorf("error does not match ErrInvalidFormat")
			}
		})
	}
}

func TestCommentRejects(t *testing.T) {
	v := New(DefaultPolicy())

	m := commentPost(t)
	m["meta"] = map[string]any{"expire": "5min"}
	if _, err := v.Comment(encode(t, m)); err == nil {
		t.Errorf("comment with meta accepted")
	}

	m = commentPost(t)
	delete(m, "parentid")
	if _, err := v.Comment(encode(t, m)); err == nil {
		t.Errorf("comment without parentid accepted")
	}

	m = commentPost(t)
	m["adata"] = []any{cipherTuple(), "plaintext", 0, 0}
	if _, err := v.Comment(encode(t, m)); err == nil {
		t.Errorf("comment with paste adata accepted")
	}

	if _, err := v.Paste(encode(t, commentPost(t))); err == nil {
		t.Errorf("comment accepted as paste")
	}
}

func TestPolicyIsConfigurable(t *testing.T) {
	p := DefaultPolicy()
	p.EntropyRatio = 0
	p.IterationsFloor = 100
	v := New(p)
	m := pastePost(t)
	m["ct"] = "bm9kYXRhbm9kYXRhbm9kYXRhbm9kYXRhbm9kYXRhCg=="
	setCipher(m, iterField, 1000)
	if _, err := v.Paste(encode(t, m)); err != nil {
		t.Errorf("relaxed policy rejected payload: %v", err)
	}
}

func TestIterationsFloorIsExclusive(t *testing.T) {
	p := DefaultPolicy()
	p.EntropyRatio = 0
	v := New(p)
	tests := []struct {
		iter int
		ok   bool
	}{
		{p.IterationsFloor - 1, false},
		{p.IterationsFloor, false},
		{p.IterationsFloor + 1, true},
	}
	for _, tt := range tests {
		m := pastePost(t)
		setCipher(m, iterField, tt.iter)
		_, err := v.Paste(encode(t, m))
		if (err == nil) != tt.ok {
			t.Errorf("iterations %d: err = %v, want ok=%v", tt.iter, err, tt.ok)
		}
	}
}

func TestNotJSON(t *testing.T) {
	v := New(DefaultPolicy())
	if _, err := v.Paste([]byte("[1,2,3]")); err == nil {
		t.Errorf("array accepted")
	}
	if _, err := v.Comment([]byte("nope")); err == nil {
		t.Errorf("garbage accepted")
	}
}

func TestLowEntropy(t *testing.T) {
	if !LowEntropy([]byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), 1) {
		t.Errorf("repetitive data not flagged")
	}
	b := make([]byte, 256)
	rand.Read(b)
	if LowEntropy(b, 1) {
		t.Errorf("random data flagged")
	}
}
