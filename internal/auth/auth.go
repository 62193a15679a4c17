// Package auth 调用方身份识别：Bearer JWT 解析、静态令牌表、HTTP 中间件
//
// 两种启用形态：
//   - JWT：HS256 签名，owner 取自 sub 声明
//   - 静态令牌：owner -> bcrypt 哈希的固定映射，适合无签发流程的部署
//
// 关闭认证时所有请求直接放行，owner 由请求显式携带（查询参数或表单字段）。
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// contextKey context 键类型
type contextKey string

const ctxKeyOwner contextKey = "owner"

// Config 认证配置
type Config struct {
	Enabled    bool          // 关闭时请求直接放行
	JWTSecret  string        // HS256 签名密钥，空则不接受 JWT
	TokenTTL   time.Duration // 签发令牌的有效期
	AdminOwner string        // 允许访问管理路由的属主

	staticTokens map[string]string // owner -> bcrypt 哈希
}

// DefaultConfig 返回默认认证配置
func DefaultConfig() Config {
	return Config{
		Enabled:  false,
		TokenTTL: 24 * time.Hour,
	}
}

// AddStaticToken 登记一条静态令牌，令牌只以 bcrypt 哈希驻留内存
func (c *Config) AddStaticToken(owner, token string) error {
	if owner == "" || token == "" {
		return fmt.Errorf("owner and token are both required")
	}
	hash, err := HashToken(token)
	if err != nil {
		return err
	}
	if c.staticTokens == nil {
		c.staticTokens = make(map[string]string)
	}
	c.staticTokens[owner] = hash
	return nil
}

// ownerForToken 解析令牌对应的属主：先尝试 JWT，再查静态令牌表
func (c Config) ownerForToken(token string) (string, error) {
	if c.JWTSecret != "" {
		claims, err := ParseToken(c, token)
		if err == nil {
			if claims.Subject == "" {
				return "", fmt.Errorf("token carries no subject")
			}
			return claims.Subject, nil
		}
	}
	for owner, hash := range c.staticTokens {
		if CheckToken(token, hash) {
			return owner, nil
		}
	}
	return "", fmt.Errorf("unknown token")
}

// ============================================================================
// 静态令牌哈希
// ============================================================================

// HashToken 使用 bcrypt 哈希令牌
func HashToken(token string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckToken 验证令牌
func CheckToken(token, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

// ============================================================================
// JWT Token
// ============================================================================

// Claims JWT 声明，owner 即 sub
type Claims struct {
	jwt.RegisteredClaims
}

// GenerateToken 为属主签发访问令牌
func GenerateToken(cfg Config, owner string) (string, error) {
	if cfg.JWTSecret == "" {
		return "", fmt.Errorf("jwt secret not configured")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   owner,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}

// ParseToken 解析并验证 JWT
func ParseToken(cfg Config, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// ============================================================================
// Context 辅助函数
// ============================================================================

// WithOwner 将认证属主注入 context
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ctxKeyOwner, owner)
}

// OwnerFrom 从 context 获取认证属主，未认证时返回空字符串
func OwnerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ctxKeyOwner).(string)
	return owner
}

// RequestOwner 解析请求属主：认证上下文优先；认证关闭时回退到
// owner 查询参数或表单字段
func RequestOwner(r *http.Request) string {
	if owner := OwnerFrom(r.Context()); owner != "" {
		return owner
	}
	return strings.TrimSpace(r.FormValue("owner"))
}
