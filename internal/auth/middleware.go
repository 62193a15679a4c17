package auth

import (
	"log"
	"net/http"
	"strings"
)

// 免认证路由白名单（前缀匹配）。流式端点随 run_id 这种不可猜测的
// 随机 ID 访问，与 /ws/ 一样放行，浏览器侧 EventSource/WebSocket
// 无法携带 Authorization 头。
var publicPrefixes = []string{
	"/health",
	"/metrics",
	"/api/docs",
	"/api/openapi.yaml",
	"/ws/",
	"/api/v1/stream",
}

func isPublicRoute(path string) bool {
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Middleware 创建认证中间件
// 如果 cfg.Enabled == false，直接放行所有请求（无认证模式）
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 无认证模式：直接放行
			if !cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			// 公开路由：直接放行
			if isPublicRoute(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			// 提取 Bearer Token
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, `{"error":"missing authorization header"}`, http.StatusUnauthorized)
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				http.Error(w, `{"error":"invalid authorization header"}`, http.StatusUnauthorized)
				return
			}

			owner, err := cfg.ownerForToken(parts[1])
			if err != nil {
				log.Printf("[auth] token rejected: %v", err)
				http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}

// AdminOnly 管理路由包装：启用认证时要求调用方是配置的管理员属主
func AdminOnly(cfg Config, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Enabled && (cfg.AdminOwner == "" || OwnerFrom(r.Context()) != cfg.AdminOwner) {
			http.Error(w, `{"error":"admin access required"}`, http.StatusForbidden)
			return
		}
		next(w, r)
	}
}
