package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func TestWebhookAuth(t *testing.T) {
	const secret = "webhook-secret"
	body := `{"order_id":"O-1"}`

	tests := []struct {
		name       string
		secret     string
		signature  string
		wantStatus int
	}{
		{
			name:       "valid signature",
			secret:     secret,
			signature:  Sign(secret, []byte(body)),
			wantStatus: http.StatusOK,
		},
		{
			name:       "wrong signature",
			secret:     secret,
			signature:  Sign("other-secret", []byte(body)),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "missing signature",
			secret:     secret,
			signature:  "",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "malformed signature",
			secret:     secret,
			signature:  "not-hex",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "empty secret rejects everything",
			secret:     "",
			signature:  Sign("", []byte(body)),
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := NewWebhookAuth(tt.secret)

			req := httptest.NewRequest(http.MethodPost, "/api/orders/paid", strings.NewReader(body))
			if tt.signature != "" {
				req.Header.Set("X-Signature", tt.signature)
			}

			w := httptest.NewRecorder()
			auth.Middleware(http.HandlerFunc(okHandler)).ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status: got %d want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestWebhookAuthRestoresBody(t *testing.T) {
	const secret = "webhook-secret"
	body := `{"order_id":"O-1"}`

	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := make([]byte, len(body))
		n, _ := r.Body.Read(b)
		seen = string(b[:n])
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/orders/paid", strings.NewReader(body))
	req.Header.Set("X-Signature", Sign(secret, []byte(body)))

	w := httptest.NewRecorder()
	NewWebhookAuth(secret).Middleware(handler).ServeHTTP(w, req)

	if seen != body {
		t.Fatalf("handler body: got %q want %q", seen, body)
	}
}

func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		header     string
		wantStatus int
	}{
		{
			name:       "valid key",
			key:        "admin-key",
			header:     "admin-key",
			wantStatus: http.StatusOK,
		},
		{
			name:       "wrong key",
			key:        "admin-key",
			header:     "guess",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "missing header",
			key:        "admin-key",
			header:     "",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "empty configured key rejects everything",
			key:        "",
			header:     "",
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := NewAdminAuth(tt.key)

			req := httptest.NewRequest(http.MethodGet, "/api/admin/stock", nil)
			if tt.header != "" {
				req.Header.Set("X-Admin-Key", tt.header)
			}

			w := httptest.NewRecorder()
			auth.Middleware(http.HandlerFunc(okHandler)).ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status: got %d want %d", w.Code, tt.wantStatus)
			}
		})
	}
}
