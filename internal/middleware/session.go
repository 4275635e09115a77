// internal/middleware/session.go
package middleware

import (
	"context"
	"net/http"

	"go_5_listening_test/internal/model"
	"go_5_listening_test/internal/session"
	"go_5_listening_test/internal/webutil"
)

// sessionCtxKey はコンテキストにセッションを格納するためのキーです。
type sessionCtxKey struct{}

// SessionMiddleware はリクエストのCookieからセッションを復元し、コンテキストに格納します。
// セッションが無い・無効な場合は 401 を返します。
func SessionMiddleware(manager *session.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := GetLogger(r.Context())

			sess, err := manager.Load(r)
			if err != nil {
				logger.Warn("Session validation failed", "error", err)
				appErr := model.NewAppError("UNAUTHORIZED", "セッションが無効です。再度エントリーしてください。", "", model.ErrSessionInvalid)
				webutil.HandleError(w, logger, appErr)
				return
			}

			ctx := context.WithValue(r.Context(), sessionCtxKey{}, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSession はコンテキストからセッションを取得します。
// SessionMiddleware を通過していないルートでは nil を返します。
func GetSession(ctx context.Context) *session.Session {
	if sess, ok := ctx.Value(sessionCtxKey{}).(*session.Session); ok {
		return sess
	}
	return nil
}
