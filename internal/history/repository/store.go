// Package repository 数据库无关的运行历史存储层
//
// 通过 dbutil.Dialect 接口屏蔽 PostgreSQL 与 SQLite 的 SQL 差异，
// 所有 SQL 以 PostgreSQL 风格编写，运行时由 Dialect.Rebind() 转换。
package repository

import (
	"database/sql"

	"taskbench/internal/history"
	"taskbench/internal/history/dbutil"
)

// Store SQL 后端的运行历史存储
// 实现了 history.Store 接口
type Store struct {
	db      *sql.DB
	dialect dbutil.Dialect
}

var _ history.Store = (*Store)(nil)

// NewStore 创建运行历史存储
func NewStore(db *sql.DB, dialect dbutil.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.db.Close()
}

// DB 返回底层数据库连接（仅用于测试）
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect 返回当前方言
func (s *Store) Dialect() dbutil.Dialect {
	return s.dialect
}

// rebind 快捷方法：将 PG 风格 SQL 转换为当前方言
func (s *Store) rebind(query string) string {
	return s.dialect.Rebind(query)
}
