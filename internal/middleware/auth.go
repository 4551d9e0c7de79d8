// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/groupman/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// operatorContextKey はリクエストコンテキストにオペレーターIDを格納するためのキー。
var operatorContextKey = contextKey("operator")

type operatorToken struct {
	id     string
	digest [sha256.Size]byte
}

// NewOperatorAuthMiddleware はAuthorizationヘッダーのBearerトークンを
// 登録済みのオペレータートークンと照合するミドルウェアを返す。
// 認証済みのオペレーターIDをリクエストコンテキストに注入する。
// 未認証リクエストには401 Unauthorizedを返す。
func NewOperatorAuthMiddleware(tokens []string) func(next http.Handler) http.Handler {
	known := make([]operatorToken, 0, len(tokens))
	for _, t := range tokens {
		known = append(known, operatorToken{id: OperatorID(t), digest: sha256.Sum256([]byte(t))})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			digest := sha256.Sum256([]byte(token))
			operator := ""
			// 一致した時点で抜けずに全件比較する
			for _, k := range known {
				if subtle.ConstantTimeCompare(digest[:], k.digest[:]) == 1 {
					operator = k.id
				}
			}
			if operator == "" {
				slog.Warn("operator authentication failed",
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			setLoggedOperator(r.Context(), operator)
			next.ServeHTTP(w, r.WithContext(ContextWithOperator(r.Context(), operator)))
		})
	}
}

// OperatorID はトークンからログに出力できるオペレーターIDを導出する。
func OperatorID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "op-" + hex.EncodeToString(sum[:4])
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}

// OperatorFromContext はリクエストコンテキストからオペレーターIDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func OperatorFromContext(ctx context.Context) (string, error) {
	op, ok := ctx.Value(operatorContextKey).(string)
	if !ok || op == "" {
		return "", fmt.Errorf("operator not found in context")
	}
	return op, nil
}

// ContextWithOperator はコンテキストにオペレーターIDを注入する。
func ContextWithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorContextKey, operator)
}
