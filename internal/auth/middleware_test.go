package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIsPublicRoute(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected bool
	}{
		{"health", "/health", true},
		{"metrics", "/metrics", true},
		{"docs page", "/api/docs", true},
		{"openapi spec", "/api/openapi.yaml", true},
		{"ws", "/ws/tasks/demo/runs/run-1", true},
		{"sse stream", "/api/v1/stream", true},

		{"upload", "/api/v1/tasks/upload", false},
		{"submit run", "/api/v1/runs", false},
		{"run output", "/api/v1/runs/task-1/run-1/output", false},
		{"admin cleanup", "/api/v1/admin/cleanup", false},
		{"root", "/", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isPublicRoute(tt.path)
			if got != tt.expected {
				t.Errorf("isPublicRoute(%q) = %v, want %v", tt.path, got, tt.expected)
			}
		})
	}
}

// echoOwner 返回认证属主，便于断言注入结果
func echoOwner() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(OwnerFrom(r.Context())))
	})
}

func TestMiddlewareDisabled(t *testing.T) {
	handler := Middleware(Config{Enabled: false})(echoOwner())

	r := httptest.NewRequest("GET", "/api/v1/runs", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "" {
		t.Errorf("owner = %q, want empty in disabled mode", w.Body.String())
	}
}

func TestMiddlewareEnabled(t *testing.T) {
	cfg := Config{Enabled: true, JWTSecret: "test-secret", TokenTTL: time.Hour}
	if err := cfg.AddStaticToken("ops", "fixed-token"); err != nil {
		t.Fatalf("AddStaticToken: %v", err)
	}
	jwtToken, err := GenerateToken(cfg, "alice")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	handler := Middleware(cfg)(echoOwner())

	tests := []struct {
		name       string
		path       string
		authHeader string
		wantCode   int
		wantOwner  string
	}{
		{"public route without header", "/health", "", http.StatusOK, ""},
		{"missing header", "/api/v1/runs", "", http.StatusUnauthorized, ""},
		{"not bearer", "/api/v1/runs", "Basic abc", http.StatusUnauthorized, ""},
		{"garbage token", "/api/v1/runs", "Bearer garbage", http.StatusUnauthorized, ""},
		{"jwt bearer", "/api/v1/runs", "Bearer " + jwtToken, http.StatusOK, "alice"},
		{"static bearer", "/api/v1/runs", "Bearer fixed-token", http.StatusOK, "ops"},
		{"case-insensitive scheme", "/api/v1/runs", "bearer " + jwtToken, http.StatusOK, "alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.path, nil)
			if tt.authHeader != "" {
				r.Header.Set("Authorization", tt.authHeader)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
			if tt.wantCode == http.StatusOK && w.Body.String() != tt.wantOwner {
				t.Errorf("owner = %q, want %q", w.Body.String(), tt.wantOwner)
			}
		})
	}
}

func TestRequestOwner(t *testing.T) {
	// 认证上下文优先
	r := httptest.NewRequest("GET", "/api/v1/runs?owner=bob", nil)
	r = r.WithContext(WithOwner(r.Context(), "alice"))
	if got := RequestOwner(r); got != "alice" {
		t.Errorf("RequestOwner = %q, want context owner alice", got)
	}

	// 无认证模式回退到查询参数
	r = httptest.NewRequest("GET", "/api/v1/runs?owner=bob", nil)
	if got := RequestOwner(r); got != "bob" {
		t.Errorf("RequestOwner = %q, want query owner bob", got)
	}

	r = httptest.NewRequest("GET", "/api/v1/runs", nil)
	if got := RequestOwner(r); got != "" {
		t.Errorf("RequestOwner = %q, want empty", got)
	}
}

func TestAdminOnly(t *testing.T) {
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }

	tests := []struct {
		name     string
		cfg      Config
		owner    string
		wantCode int
	}{
		{"disabled passes", Config{Enabled: false}, "", http.StatusOK},
		{"admin owner passes", Config{Enabled: true, AdminOwner: "ops"}, "ops", http.StatusOK},
		{"other owner forbidden", Config{Enabled: true, AdminOwner: "ops"}, "alice", http.StatusForbidden},
		{"no admin configured forbidden", Config{Enabled: true}, "alice", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/api/v1/admin/cleanup", nil)
			if tt.owner != "" {
				r = r.WithContext(WithOwner(r.Context(), tt.owner))
			}
			w := httptest.NewRecorder()
			AdminOnly(tt.cfg, ok)(w, r)

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}
}
