// Package middleware содержит HTTP middleware маркетплейса.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mmeshcher/marketplace-core/internal/model"
)

type contextKey string

const actorKey contextKey = "actor"

const (
	authCookieName = "auth_token"
	authCookieTTL  = 30 * 24 * time.Hour
	bearerPrefix   = "Bearer "
)

// ErrInvalidIdentity возвращается при попытке выпустить токен для некорректного пользователя или роли.
var ErrInvalidIdentity = errors.New("invalid identity")

// AuthMiddleware проверяет подписанный токен пользователя. Токены выпускает
// внешняя система аутентификации; здесь им доверяют после проверки подписи.
// Формат токена: <userID>.<role>.<hex(hmac-sha256)>.
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

// Middleware проверяет токен из cookie или заголовка Authorization и добавляет пользователя в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromRequest(r)
		if token == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		actor, ok := a.Parse(token)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), actorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix))
	}
	if cookie, err := r.Cookie(authCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// Issue подписывает токен для пользователя с ролью.
func (a *AuthMiddleware) Issue(actor model.Actor) (string, error) {
	if actor.UserID == "" || strings.Contains(actor.UserID, ".") || !actor.Role.Valid() {
		return "", ErrInvalidIdentity
	}
	payload := actor.UserID + "." + string(actor.Role)
	return payload + "." + a.sign(payload), nil
}

// SetAuthCookie устанавливает cookie авторизации для пользователя.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, actor model.Actor) error {
	value, err := a.Issue(actor)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    value,
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Parse проверяет подпись токена и возвращает пользователя.
func (a *AuthMiddleware) Parse(token string) (model.Actor, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return model.Actor{}, false
	}

	userID, role, signature := parts[0], model.Role(parts[1]), parts[2]
	if userID == "" || !role.Valid() {
		return model.Actor{}, false
	}

	expected := a.sign(userID + "." + string(role))
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return model.Actor{}, false
	}

	return model.Actor{UserID: userID, Role: role}, true
}

func (a *AuthMiddleware) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// GetActorFromContext извлекает пользователя из контекста запроса.
func GetActorFromContext(ctx context.Context) (model.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(model.Actor)
	return actor, ok
}

// WithActor возвращает контекст с пользователем.
func WithActor(ctx context.Context, actor model.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}
