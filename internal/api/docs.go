// Package api 文档端点
//
// OpenAPI 契约与文档页面随二进制嵌入发布，离线环境也能查阅。
package api

import (
	"log"
	"net/http"

	apispec "taskbench/api"
)

// OpenAPISpec 返回嵌入的 OpenAPI 契约
//
// GET /api/openapi.yaml
func (h *Handler) OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	data, err := apispec.OpenAPIFS.ReadFile("openapi/openapi.yaml")
	if err != nil {
		log.Printf("[Docs] Failed to read embedded OpenAPI spec: %v", err)
		writeError(w, http.StatusInternalServerError, "openapi spec unavailable")
		return
	}

	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Docs 返回交互式 API 文档页面
//
// GET /api/docs
func (h *Handler) Docs(w http.ResponseWriter, r *http.Request) {
	data, err := apispec.DocsFS.ReadFile("docs/index.html")
	if err != nil {
		log.Printf("[Docs] Failed to read embedded docs page: %v", err)
		writeError(w, http.StatusInternalServerError, "docs page unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
