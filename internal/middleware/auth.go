// Package middleware содержит HTTP middleware платформы fundchain.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

type contextKey string

const userLoginKey contextKey = "userLogin"

const (
	authCookieName = "auth_token"
	authCookieTTL  = 365 * 24 * time.Hour
)

// AuthMiddleware выполняет проверку аутентификации пользователя по подписанному cookie.
// Значение cookie — base64 логина и HMAC-подпись, владелец кампании сравнивается по логину.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет cookie авторизации и добавляет логин пользователя в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		login, ok := a.parseCookie(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userLoginKey, login)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetAuthCookie устанавливает cookie авторизации для указанного логина.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, login string) {
	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    a.signLogin(login),
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

func (a *AuthMiddleware) signLogin(login string) string {
	encoded := base64.RawURLEncoding.EncodeToString([]byte(login))
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(encoded))
	signature := mac.Sum(nil)
	return encoded + "." + hex.EncodeToString(signature)
}

func (a *AuthMiddleware) parseCookie(cookieValue string) (string, bool) {
	parts := strings.Split(cookieValue, ".")
	if len(parts) != 2 {
		return "", false
	}

	encoded := parts[0]
	signature := parts[1]

	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(encoded))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return "", false
	}

	login, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(login) == 0 {
		return "", false
	}

	return string(login), true
}

// GetUserLoginFromContext извлекает логин пользователя из контекста запроса.
func GetUserLoginFromContext(ctx context.Context) (string, bool) {
	login, ok := ctx.Value(userLoginKey).(string)
	return login, ok
}
