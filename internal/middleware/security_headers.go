package middleware

import "net/http"

// apiSecurityHeaders はJSONのみを返すAPI向けの固定ヘッダー。
var apiSecurityHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"Referrer-Policy":         "no-referrer",
	"Cache-Control":           "no-store",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
}

// NewSecurityHeadersMiddleware は全レスポンスにapiSecurityHeadersを付与する。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for k, v := range apiSecurityHeaders {
				h.Set(k, v)
			}
			next.ServeHTTP(w, r)
		})
	}
}
