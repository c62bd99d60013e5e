package service

import (
	"errors"
	"fmt"
)

// 对外的拒绝类错误（同步返回给触发方，不产生扣费）
var (
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrAlreadyRunning     = errors.New("step already running")
	ErrInvalidStep        = errors.New("invalid step")
)

// StepError 的 Kind 分类
const (
	ErrKindAdapter = "adapter" // 远端生成失败，已退款，可重试
	ErrKindTimeout = "timeout" // 超时，计费上与 adapter 失败同等处理
	ErrKindCompose = "compose" // 下载/混流/拼接失败，整个 step 失败并全额退款
)

// StepError 异步执行阶段的类型化失败，带上具体环节，
// 方便把底层工具的错误文本原样挂到 stepError 上。
type StepError struct {
	Kind  string
	Stage string
	Msg   string
}

func (e *StepError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Stage, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func NewAdapterError(format string, args ...interface{}) *StepError {
	return &StepError{Kind: ErrKindAdapter, Msg: fmt.Sprintf(format, args...)}
}

func NewTimeoutError(format string, args ...interface{}) *StepError {
	return &StepError{Kind: ErrKindTimeout, Msg: fmt.Sprintf(format, args...)}
}

func NewComposeError(stage, format string, args ...interface{}) *StepError {
	return &StepError{Kind: ErrKindCompose, Stage: stage, Msg: fmt.Sprintf(format, args...)}
}

// IsTimeout 超时失败在错误消息里单独标注（计费处理一致）
func IsTimeout(err error) bool {
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind == ErrKindTimeout
	}
	return false
}
