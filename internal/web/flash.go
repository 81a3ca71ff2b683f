package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
)

const flashCookie = "storybook_flash"

// Flash is a one-shot message carried across a redirect in a cookie.
type Flash struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// setFlash stores a flash message. When a secret is configured the payload is
// signed so a tampered cookie is dropped instead of echoed back to the page.
func setFlash(w http.ResponseWriter, secret string, f Flash) {
	payload, err := json.Marshal(f)
	if err != nil {
		return
	}
	value := base64.RawURLEncoding.EncodeToString(payload)
	if secret != "" {
		value += "." + sign(secret, value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     flashCookie,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		MaxAge:   300,
	})
}

// popFlash returns the pending flash message, if any, and clears the cookie.
func popFlash(w http.ResponseWriter, r *http.Request, secret string) (Flash, bool) {
	c, err := r.Cookie(flashCookie)
	if err != nil || c.Value == "" {
		return Flash{}, false
	}
	http.SetCookie(w, &http.Cookie{
		Name:     flashCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})

	value := c.Value
	if secret != "" {
		idx := strings.LastIndexByte(value, '.')
		if idx < 0 {
			return Flash{}, false
		}
		body, sig := value[:idx], value[idx+1:]
		if !hmac.Equal([]byte(sig), []byte(sign(secret, body))) {
			return Flash{}, false
		}
		value = body
	}

	payload, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return Flash{}, false
	}
	var f Flash
	if err := json.Unmarshal(payload, &f); err != nil {
		return Flash{}, false
	}
	return f, true
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
