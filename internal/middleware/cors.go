package middleware

import (
	"net/http"
	"strings"
)

// allowedHeaders lists the request headers browsers may send cross origin
var allowedHeaders = []string{
	"Content-Type",
	"X-Combinator-KV-ID",
	"X-Combinator-KV-Key",
	"X-Combinator-RDB-ID",
	RequestIDHeader,
}

// CORS returns a middleware that handles CORS headers
func CORS() func(http.Handler) http.Handler {
	allow := strings.Join(allowedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", allow)
			w.Header().Set("Access-Control-Expose-Headers", RequestIDHeader)
			w.Header().Set("Access-Control-Max-Age", "3600")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
