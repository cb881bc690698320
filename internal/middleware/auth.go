// Package middleware содержит HTTP middleware сервиса диспетчеризации.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type contextKey string

const identityKey contextKey = "identity"

const (
	authCookieName = "auth_token"
	authCookieTTL  = 365 * 24 * time.Hour
)

// Role описывает роль участника в системе.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleExpert   Role = "expert"
	RoleAreaHead Role = "area_head"
	RoleCustomer Role = "customer"
)

// Identity описывает аутентифицированного участника запроса. Выпуск идентичности —
// зона ответственности внешнего провайдера аутентификации, подписывающего cookie
// общим секретом; сервис только проверяет подпись.
type Identity struct {
	Role Role
	ID   int64
}

// AuthMiddleware выполняет проверку аутентификации участника по подписанному cookie.
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

// Middleware проверяет cookie авторизации и добавляет идентичность участника в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		identity, ok := a.parseCookie(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetAuthCookie устанавливает cookie авторизации для указанной роли и идентификатора.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, role Role, id int64) {
	value := a.sign(payload(role, id))

	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    value,
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

func payload(role Role, id int64) string {
	return string(role) + ":" + strconv.FormatInt(id, 10)
}

func (a *AuthMiddleware) sign(p string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(p))
	signature := mac.Sum(nil)
	return p + "." + hex.EncodeToString(signature)
}

func (a *AuthMiddleware) parseCookie(cookieValue string) (Identity, bool) {
	parts := strings.Split(cookieValue, ".")
	if len(parts) != 2 {
		return Identity{}, false
	}

	p := parts[0]
	signature := parts[1]

	expected := a.sign(p)
	expectedParts := strings.Split(expected, ".")
	if len(expectedParts) != 2 {
		return Identity{}, false
	}

	if !hmac.Equal([]byte(signature), []byte(expectedParts[1])) {
		return Identity{}, false
	}

	fields := strings.Split(p, ":")
	if len(fields) != 2 {
		return Identity{}, false
	}

	id, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Identity{}, false
	}

	role := Role(fields[0])
	switch role {
	case RoleAdmin, RoleExpert, RoleAreaHead, RoleCustomer:
	default:
		return Identity{}, false
	}

	return Identity{Role: role, ID: id}, true
}

// GetIdentityFromContext извлекает идентичность участника из контекста запроса.
func GetIdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}
