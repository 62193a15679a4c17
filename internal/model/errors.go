// Package model 错误分类
//
// 执行系统对外只暴露一个封闭的错误集合，调用方（含测试）据此区分：
//   - 环境性失败（ResourceUnavailable，可换环境重试）
//   - 工作负载失败（Execution，任务自身的问题）
//   - 程序性故障（Internal，需要修代码）
//
// 传播策略：Validation/NotFound 在提交或查询时同步返回；
// Run 异步启动之后的一切失败都不再抛给调用方线程，而是转化为
// 终态消息走回放缓冲区和实时通道。
package model

import (
	"errors"
	"fmt"
)

// ValidationError 提交输入不合法（缺字段、格式错误）
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// NewValidationError 创建校验错误
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError 引用的任务/Run/归档不存在
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// NewNotFoundError 创建不存在错误
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ResourceUnavailableError 容器运行时不可达
type ResourceUnavailableError struct {
	Cause error
}

func (e *ResourceUnavailableError) Error() string {
	return "container runtime unavailable: " + e.Cause.Error()
}

func (e *ResourceUnavailableError) Unwrap() error { return e.Cause }

// NewResourceUnavailableError 创建运行时不可达错误
func NewResourceUnavailableError(cause error) *ResourceUnavailableError {
	return &ResourceUnavailableError{Cause: cause}
}

// ExecutionError 工作负载退出码非零
type ExecutionError struct {
	ExitCode int
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("container exited with code %d", e.ExitCode)
}

// NewExecutionError 创建执行失败错误
func NewExecutionError(exitCode int) *ExecutionError {
	return &ExecutionError{ExitCode: exitCode}
}

// InternalError 准备/构建/启动/流式采集中的其他意外故障
type InternalError struct {
	Op    string
	Cause error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error during %s: %v", e.Op, e.Cause)
}

func (e *InternalError) Unwrap() error { return e.Cause }

// NewInternalError 创建内部错误
func NewInternalError(op string, cause error) *InternalError {
	return &InternalError{Op: op, Cause: cause}
}

// ============================================================================
// 判别辅助
// ============================================================================

// IsValidation 判断是否为校验错误
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound 判断是否为不存在错误
func IsNotFound(err error) bool {
	var nfe *NotFoundError
	return errors.As(err, &nfe)
}

// IsResourceUnavailable 判断是否为运行时不可达
func IsResourceUnavailable(err error) bool {
	var rue *ResourceUnavailableError
	return errors.As(err, &rue)
}

// IsExecution 判断是否为工作负载失败
func IsExecution(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}
