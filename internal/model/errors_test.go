// Package model 错误分类的测试
package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestErrorTaxonomy_Discrimination 验证错误类别可以互相区分
func TestErrorTaxonomy_Discrimination(t *testing.T) {
	verr := NewValidationError("task_name is required")
	nferr := NewNotFoundError("run", "run-123")
	ruerr := NewResourceUnavailableError(errors.New("docker daemon not reachable"))
	exerr := NewExecutionError(2)
	inerr := NewInternalError("image build", errors.New("no Dockerfile"))

	assert.True(t, IsValidation(verr))
	assert.False(t, IsValidation(nferr))

	assert.True(t, IsNotFound(nferr))
	assert.False(t, IsNotFound(verr))

	assert.True(t, IsResourceUnavailable(ruerr))
	assert.False(t, IsResourceUnavailable(inerr))

	assert.True(t, IsExecution(exerr))
	assert.False(t, IsExecution(ruerr))
}

// TestErrorTaxonomy_WrappedDiscrimination 验证经过 %w 包装后仍可判别
func TestErrorTaxonomy_WrappedDiscrimination(t *testing.T) {
	inner := NewResourceUnavailableError(errors.New("connection refused"))
	wrapped := fmt.Errorf("submit run: %w", inner)

	assert.True(t, IsResourceUnavailable(wrapped))
	assert.False(t, IsExecution(wrapped))
}

// TestExecutionError_ExitCode 验证退出码随错误携带
func TestExecutionError_ExitCode(t *testing.T) {
	err := NewExecutionError(137)

	var exerr *ExecutionError
	assert.True(t, errors.As(err, &exerr))
	assert.Equal(t, 137, exerr.ExitCode)
	assert.Contains(t, err.Error(), "137")
}
