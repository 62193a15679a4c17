// Package deployments 嵌入部署相关文件到二进制
//
// docker-compose.infra.yml 是开发/测试环境的基础设施模板，
// 直接用 docker compose 引用，不随二进制嵌入。
package deployments

import (
	_ "embed"
)

// InitDBSQL PostgreSQL 初始化脚本（postgres 驱动 AutoMigrate 使用）
//
//go:embed init-db.sql
var InitDBSQL string
