package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// CookieName is the session cookie the browser carries.
const CookieName = "connect.sid"

// Sign returns the cookie value for a session id: the id and its HMAC.
func Sign(secret, id string) string {
	return id + "." + mac(secret, id)
}

// Unsign verifies a cookie value and returns the session id it carries.
func Unsign(secret, value string) (string, bool) {
	i := strings.LastIndexByte(value, '.')
	if i <= 0 {
		return "", false
	}
	id, sig := value[:i], value[i+1:]
	if !hmac.Equal([]byte(sig), []byte(mac(secret, id))) {
		return "", false
	}
	return id, true
}

func mac(secret, id string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(id))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
