package auth

import (
	"context"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lk2023060901/danmu-realtime/internal/network/session"
	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
)

// JWTConfig 描述 HMAC 令牌的校验规则。
type JWTConfig struct {
	Secret   string `mapstructure:"secret"`
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
}

// JWTVerifier 校验 HS256/HS384/HS512 签名的 JWT。
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier 创建校验器，Secret 不能为空。
func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	if cfg.Secret == "" {
		return nil, merr.WrapErrParameterMissing("auth.secret")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Alg(),
			jwt.SigningMethodHS384.Alg(),
			jwt.SigningMethodHS512.Alg(),
		}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &JWTVerifier{
		secret: []byte(cfg.Secret),
		parser: jwt.NewParser(opts...),
	}, nil
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (*session.User, error) {
	if token == "" {
		return nil, merr.WrapErrAuthRejected("missing token")
	}
	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, merr.WrapErrAuthRejected("invalid token", err.Error())
	}

	user := &session.User{Claims: map[string]any(claims)}
	for _, key := range []string{"userId", "user_id", "sub"} {
		if raw, ok := claims[key]; ok && raw != nil {
			user.UserID = claimString(raw)
			break
		}
	}
	return user, nil
}

// claimString 把声明值转为字符串，数值声明按整数形式输出。
func claimString(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
