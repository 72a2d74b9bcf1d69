package middleware

import (
	"context"
	"net/http"
	"strings"

	"vpnhub/internal/models"
)

const usernameKey ctxKey = "username"

// UserHeader выставляется вышестоящим аутентифицирующим прокси
// (сессии/JWT живут там, сюда приходит уже проверенное имя).
const UserHeader = "X-Auth-Username"

// RequireUser требует аутентифицированного пользователя на маршруте.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := strings.TrimSpace(r.Header.Get(UserHeader))
		if u == "" {
			models.WriteProblem(w, http.StatusUnauthorized,
				"Unauthorized", "missing authenticated username", nil)
			return
		}
		ctx := context.WithValue(r.Context(), usernameKey, u)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func Username(r *http.Request) string {
	if s, ok := r.Context().Value(usernameKey).(string); ok {
		return s
	}
	return ""
}

// AdminToken — простая защита служебных маршрутов статическим токеном,
// по аналогии с shared secret.
func AdminToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || r.Header.Get("X-Admin-Token") != token {
				models.WriteProblem(w, http.StatusForbidden,
					"Forbidden", "bad admin token", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
