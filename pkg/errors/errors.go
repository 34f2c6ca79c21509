// Package errors 提供统一错误辅助与执行协调核心的错误分类，不依赖 internal
package errors

import (
	"errors"
	"fmt"
	"time"
)

// 哨兵错误：errors.Is 判定分类，具体上下文由下方结构体携带
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidArg          = errors.New("invalid argument")
	ErrValidation          = errors.New("validation failed")
	ErrTransientStore      = errors.New("transient store failure")
	ErrNodeExecution       = errors.New("node execution failed")
	ErrCoordinationTimeout = errors.New("coordination timeout")
	ErrCoordinationFailure = errors.New("coordination failure")
)

// ValidationError 参数不合法（调度规格、任务参数等），同步拒绝，不产生任何入队/注册
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Is 使 errors.Is(err, ErrValidation) 与 ErrInvalidArg 均成立
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation || target == ErrInvalidArg
}

// NotFoundError 未知的 queue/job/agent/session/execution
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// TransientStoreError 持久化失败；调用方记录日志后继续执行
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

func (e *TransientStoreError) Is(target error) bool { return target == ErrTransientStore }

// NodeExecutionError 工作流节点失败
type NodeExecutionError struct {
	NodeID   string
	NodeType string
	Err      error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %s (%s): %v", e.NodeID, e.NodeType, e.Err)
}

func (e *NodeExecutionError) Unwrap() error { return e.Err }

func (e *NodeExecutionError) Is(target error) bool { return target == ErrNodeExecution }

// CoordinationTimeoutError 多方等待超过截止时间
type CoordinationTimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *CoordinationTimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

func (e *CoordinationTimeoutError) Is(target error) bool { return target == ErrCoordinationTimeout }

// CoordinationFailure Agent 断开或决策破裂，所属 session 随之失败
type CoordinationFailure struct {
	SessionID string
	Reason    string
}

func (e *CoordinationFailure) Error() string {
	if e.SessionID == "" {
		return "coordination failure: " + e.Reason
	}
	return fmt.Sprintf("session %s failed: %s", e.SessionID, e.Reason)
}

func (e *CoordinationFailure) Is(target error) bool { return target == ErrCoordinationFailure }

// Validation 构造 ValidationError
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Validationf 带格式的 Validation
func Validationf(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFound 构造 NotFoundError
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// TransientStore 包装存储错误；err 为 nil 时返回 nil
func TransientStore(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientStoreError{Op: op, Err: err}
}

// Timeout 构造 CoordinationTimeoutError
func Timeout(op string, d time.Duration) error {
	return &CoordinationTimeoutError{Op: op, Timeout: d}
}

// Failure 构造 CoordinationFailure
func Failure(sessionID, reason string) error {
	return &CoordinationFailure{SessionID: sessionID, Reason: reason}
}

// Is / As 透传标准库，方便调用方只引入本包
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }

// New 透传 errors.New
func New(msg string) error { return errors.New(msg) }

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

// Join 透传 errors.Join
func Join(errs ...error) error { return errors.Join(errs...) }
