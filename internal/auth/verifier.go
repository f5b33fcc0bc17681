// Package auth 在 WebSocket 升级之前校验客户端令牌。
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/lk2023060901/danmu-realtime/internal/network/session"
)

// DefaultTokenParam 是默认的令牌查询参数名。
const DefaultTokenParam = "token"

// Verifier 校验令牌并返回对应的用户。校验失败返回 merr.ErrAuthRejected。
type Verifier interface {
	Verify(ctx context.Context, token string) (*session.User, error)
}

// VerifierFunc 把普通函数适配为 Verifier。
type VerifierFunc func(ctx context.Context, token string) (*session.User, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (*session.User, error) {
	return f(ctx, token)
}

// TokenFromRequest 依次从查询参数与 Authorization: Bearer 头中读取令牌。
func TokenFromRequest(r *http.Request, param string) string {
	if param == "" {
		param = DefaultTokenParam
	}
	if token := r.URL.Query().Get(param); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}
