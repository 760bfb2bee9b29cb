package graft

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// Signed cookie values carry the wire format "<value>.<signature>" where the
// signature is the base64url HMAC-SHA256 of "<name>=<value>". Binding the
// name prevents a signed value from being replayed under another cookie.

func cookieMAC(name, value string, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(name))
	mac.Write([]byte{'='})
	mac.Write([]byte(value))

	return mac.Sum(nil)
}

func signCookieValue(name, value string, secret []byte) string {
	return value + "." + base64.RawURLEncoding.EncodeToString(cookieMAC(name, value, secret))
}

// verifyCookieValue checks a signed wire value against every secret (newest
// first) and returns the embedded value. The signature carries no dots, so
// the last dot always splits correctly even for dotted values.
func verifyCookieValue(name, signed string, secrets [][]byte) (string, bool) {
	idx := strings.LastIndexByte(signed, '.')
	if idx < 0 {
		return "", false
	}

	value, encoded := signed[:idx], signed[idx+1:]
	signature, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", false
	}

	for _, secret := range secrets {
		if hmac.Equal(signature, cookieMAC(name, value, secret)) {
			return value, true
		}
	}

	return "", false
}
