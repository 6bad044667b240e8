// Package format checks the structure of the versioned ciphertext envelope
// submitted by clients. It never decrypts anything.
package format

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"encoding/json"
	"slices"
	"strconv"

	"cipherbin/pkg/domain"
)

const (
	ivField = iota
	saltField
	iterField
	keySizeField
	tagSizeField
	algoField
	modeField
	compressionField
	cipherParamCount
)

type Policy struct {
	Version int
	// IterationsFloor is exclusive: the iteration count must be greater.
	IterationsFloor int
	MaxIVLen        int
	MaxSaltLen      int
	KeySizes        []int
	TagSizes        []int
	Algorithms      []string
	Modes           []string
	Compressions    []string
	Formatters      []string
	// EntropyRatio is the minimum deflated/raw size ratio the decoded
	// ciphertext must reach. Zero disables the check.
	EntropyRatio float64
}

func DefaultPolicy() Policy {
	return Policy{
		Version:         2,
		IterationsFloor: 10000,
		MaxIVLen:        24,
		MaxSaltLen:      14,
		KeySizes:        []int{128, 192, 256},
		TagSizes:        []int{64, 96, 128},
		Algorithms:      []string{"aes"},
		Modes:           []string{"ctr", "cbc", "gcm"},
		Compressions:    []string{"zlib", "none"},
		Formatters:      []string{"plaintext", "syntaxhighlighting", "markdown"},
		EntropyRatio:    1.0,
	}
}

type PasteSubmission struct {
	V     int
	AData json.RawMessage
	CT    string
	// Expire is the preset name the client picked, e.g. "1day".
	Expire string
}

type CommentSubmission struct {
	V        int
	AData    json.RawMessage
	CT       string
	PasteID  string
	ParentID string
}

type Validator struct {
	p Policy
}

func New(p Policy) *Validator {
	return &Validator{p: p}
}

var (
	pasteKeys   = []string{"adata", "v", "ct", "meta"}
	commentKeys = []string{"adata", "v", "ct", "pasteid", "parentid"}
)

// Paste validates a paste submission. The returned error is a
// *domain.ValidationError for every rejected envelope.
func (v *Validator) Paste(raw []byte) (*PasteSubmission, error) {
	msg, err := closedKeys(raw, pasteKeys)
	if err != nil {
		return nil, err
	}
	ver, err := v.version(msg["v"])
	if err != nil {
		return nil, err
	}
	var adata []json.RawMessage
	if err := json.Unmarshal(msg["adata"], &adata); err != nil || len(adata) != 4 {
		return nil, invalid("adata", "expected [cipher, formatter, discussion, burn]")
	}
	if err := v.cipherParams(adata[0]); err != nil {
		return nil, err
	}
	var formatter string
	if err := json.Unmarshal(adata[1], &formatter); err != nil || !slices.Contains(v.p.Formatters, formatter) {
		return nil, invalid("adata.formatter", "unsupported formatter")
	}
	if !isBit(adata[2]) {
		return nil, invalid("adata.discussion", "must be 0 or 1")
	}
	if !isBit(adata[3]) {
		return nil, invalid("adata.burnafterreading", "must be 0 or 1")
	}
	ct, err := v.ciphertext(msg["ct"])
	if err != nil {
		return nil, err
	}
	var meta map[string]json.RawMessage
	if err := json.Unmarshal(msg["meta"], &meta); err != nil || len(meta) != 1 {
		return nil, invalid("meta", "only expire is accepted")
	}
	rawExpire, ok := meta["expire"]
	if !ok {
		return nil, invalid("meta", "only expire is accepted")
	}
	var expire string
	if err := json.Unmarshal(rawExpire, &expire); err != nil {
		return nil, invalid("meta.expire", "must be a string")
	}
	return &PasteSubmission{V: ver, AData: compact(msg["adata"]), CT: ct, Expire: expire}, nil
}

// Comment validates a comment submission. Comments carry the bare cipher
// parameter tuple as adata.
func (v *Validator) Comment(raw []byte) (*CommentSubmission, error) {
	msg, err := closedKeys(raw, commentKeys)
	if err != nil {
		return nil, err
	}
	ver, err := v.version(msg["v"])
	if err != nil {
		return nil, err
	}
	if err := v.cipherParams(msg["adata"]); err != nil {
		return nil, err
	}
	ct, err := v.ciphertext(msg["ct"])
	if err != nil {
		return nil, err
	}
	var pasteID, parentID string
	if err := json.Unmarshal(msg["pasteid"], &pasteID); err != nil {
		return nil, invalid("pasteid", "must be a string")
	}
	if err := json.Unmarshal(msg["parentid"], &parentID); err != nil {
		return nil, invalid("parentid", "must be a string")
	}
	return &CommentSubmission{
		V:        ver,
		AData:    compact(msg["adata"]),
		CT:       ct,
		PasteID:  pasteID,
		ParentID: parentID,
	}, nil
}

func closedKeys(raw []byte, keys []string) (map[string]json.RawMessage, error) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, invalid("message", "not a JSON object")
	}
	if len(msg) != len(keys) {
		return nil, invalid("message", "unexpected set of keys")
	}
	for _, k := range keys {
		if _, ok := msg[k]; !ok {
			return nil, invalid(k, "missing")
		}
	}
	return msg, nil
}

func (v *Validator) version(raw json.RawMessage) (int, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil || f != float64(v.p.Version) {
		return 0, invalid("v", "unsupported version")
	}
	return v.p.Version, nil
}

func (v *Validator) cipherParams(raw json.RawMessage) error {
	var params []json.RawMessage
	if err := json.Unmarshal(raw, &params); err != nil || len(params) != cipherParamCount {
		return invalid("adata.cipher", "expected 8 cipher parameters")
	}
	iv, ok := base64String(params[ivField])
	if !ok {
		return invalid("adata.cipher.iv", "invalid base64")
	}
	salt, ok := base64String(params[saltField])
	if !ok {
		return invalid("adata.cipher.salt", "invalid base64")
	}
	if len(iv) > v.p.MaxIVLen {
		return invalid("adata.cipher.iv", "too long")
	}
	if len(salt) > v.p.MaxSaltLen {
		return invalid("adata.cipher.salt", "too long")
	}
	iter, ok := integer(params[iterField])
	if !ok || iter <= v.p.IterationsFloor {
		return invalid("adata.cipher.iterations", "too few iterations")
	}
	if ks, ok := integer(params[keySizeField]); !ok || !slices.Contains(v.p.KeySizes, ks) {
		return invalid("adata.cipher.keysize", "unsupported key size")
	}
	if ts, ok := integer(params[tagSizeField]); !ok || !slices.Contains(v.p.TagSizes, ts) {
		return invalid("adata.cipher.tagsize", "unsupported tag size")
	}
	if !stringIn(params[algoField], v.p.Algorithms) {
		return invalid("adata.cipher.algorithm", "unsupported algorithm")
	}
	if !stringIn(params[modeField], v.p.Modes) {
		return invalid("adata.cipher.mode", "unsupported mode")
	}
	if !stringIn(params[compressionField], v.p.Compressions) {
		return invalid("adata.cipher.compression", "unsupported compression")
	}
	return nil
}

func (v *Validator) ciphertext(raw json.RawMessage) (string, error) {
	var ct string
	if err := json.Unmarshal(raw, &ct); err != nil {
		return "", invalid("ct", "must be a string")
	}
	data, err := base64.StdEncoding.Strict().DecodeString(ct)
	if err != nil || len(data) == 0 {
		return "", invalid("ct", "invalid base64")
	}
	if v.p.EntropyRatio > 0 && LowEntropy(data, v.p.EntropyRatio) {
		return "", invalid("ct", "entropy too low")
	}
	return ct, nil
}

// LowEntropy reports whether data deflates below ratio times its size.
// Properly encrypted data does not compress.
func LowEntropy(data []byte, ratio float64) bool {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return true
	}
	if _, err := w.Write(data); err != nil {
		return true
	}
	if err := w.Close(); err != nil {
		return true
	}
	return float64(buf.Len()) < float64(len(data))*ratio
}

func base64String(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", false
	}
	b, err := base64.StdEncoding.Strict().DecodeString(s)
	if err != nil || len(b) == 0 {
		return "", false
	}
	return s, true
}

// integer accepts JSON integers only; 1e5 or 100000.0 are rejected.
func integer(raw json.RawMessage) (int, bool) {
	n, err := strconv.Atoi(string(bytes.TrimSpace(raw)))
	if err != nil {
		return 0, false
	}
	return n, true
}

func isBit(raw json.RawMessage) bool {
	n, ok := integer(raw)
	return ok && (n == 0 || n == 1)
}

func stringIn(raw json.RawMessage, allowed []string) bool {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return slices.Contains(allowed, s)
}

func compact(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

func invalid(field, reason string) error {
	return &domain.ValidationError{Field: field, Reason: reason}
}
