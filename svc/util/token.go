package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
)

// DeletionToken is hex(HMAC-SHA256(pasteID, key)). key is the per-paste salt
// or, for pastes created before per-paste salts, the server salt.
func DeletionToken(pasteID, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(pasteID))
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifyDeletionToken(token, pasteID, key string) bool {
	expected := DeletionToken(pasteID, key)
	return constantTimeCompareString(token, expected) == 1
}

// HashIP keys traffic limiter state so raw addresses are never stored.
func HashIP(addr, salt string) string {
	mac := hmac.New(sha512.New, []byte(salt))
	mac.Write([]byte(addr))
	return hex.EncodeToString(mac.Sum(nil))
}

func constantTimeCompareString(a, b string) int {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b))
}
