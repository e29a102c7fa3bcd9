package http

import (
	"crypto/subtle"
	"net/http"
)

// AdminTokenMiddleware пропускает запрос только с корректным токеном
// администратора в заголовке X-Admin-Token. Проверка прав выполняется на
// слое доступа к данным, а не в логике ретрансляции.
func AdminTokenMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.Error(w, "admin token is not configured", http.StatusServiceUnavailable)
				return
			}
			got := r.Header.Get("X-Admin-Token")
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
