// Package middleware содержит HTTP middleware для сервиса adegloba-core.
package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
)

const (
	signatureHeader = "X-Signature"
	adminKeyHeader  = "X-Admin-Key"
)

// WebhookAuth проверяет подпись HMAC-SHA256 тела запроса для событий от
// внешней системы обработки заказов.
type WebhookAuth struct {
	secretKey []byte
}

// NewWebhookAuth создаёт новый экземпляр WebhookAuth с указанным секретным ключом.
func NewWebhookAuth(secret string) *WebhookAuth {
	return &WebhookAuth{secretKey: []byte(secret)}
}

// Middleware читает тело запроса, сверяет hex-подпись из заголовка
// X-Signature с HMAC-SHA256 тела и передаёт запрос дальше с восстановленным
// телом. Запросы с неверной подписью отклоняются до разбора JSON.
func (a *WebhookAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.secretKey) == 0 {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		signature, err := hex.DecodeString(r.Header.Get(signatureHeader))
		if err != nil || len(signature) == 0 {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		r.Body.Close()

		mac := hmac.New(sha256.New, a.secretKey)
		mac.Write(body)
		if !hmac.Equal(signature, mac.Sum(nil)) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// Sign возвращает hex-подпись тела для указанного ключа. Используется в
// тестах и утилитах.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// AdminAuth проверяет ключ административного API в заголовке X-Admin-Key.
type AdminAuth struct {
	key []byte
}

// NewAdminAuth создаёт новый экземпляр AdminAuth с указанным ключом.
func NewAdminAuth(key string) *AdminAuth {
	return &AdminAuth{key: []byte(key)}
}

// Middleware сравнивает ключ из заголовка с настроенным за постоянное время.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.key) == 0 {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		got := []byte(r.Header.Get(adminKeyHeader))
		if !hmac.Equal(got, a.key) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
