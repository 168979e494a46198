// Package errors 定义作业核心的错误分类与包装辅助，不依赖 internal
package errors

import (
	"errors"
	"fmt"
)

// 错误分类哨兵；调用方一律使用 errors.Is 判断
var (
	// ErrAdmissionDenied 并发上限或资源压力拒绝入队
	ErrAdmissionDenied = errors.New("admission denied")
	// ErrNotFound (tenant, job) 不存在
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists job_id 在租户内冲突
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidTransition 状态机不允许的迁移
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrTaskExecution 外部任务回调失败（含 panic）
	ErrTaskExecution = errors.New("task execution failed")
	// ErrStoreUnavailable 协调存储不可达
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInvalidArg       = errors.New("invalid argument")
)

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Unavailable 把底层存储错误归类为 ErrStoreUnavailable，同时保留原始错误链
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
