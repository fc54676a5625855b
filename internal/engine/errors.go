package engine

import (
	"errors"
	"fmt"
)

var (
	ErrPathExists      = errors.New("path already exists")
	ErrInvalidMove     = errors.New("invalid move: target is the source or inside it")
	ErrPathNotFound    = errors.New("path not found")
	ErrInvalidPath     = errors.New("invalid path")
	ErrNotAFile        = errors.New("path is a directory")
	ErrNotADirectory   = errors.New("target is not a directory")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrChatDisabled    = errors.New("text chat is disabled in this room")
	ErrNothingToImport = errors.New("no files to import")
)

// FailureKind 是暴露给界面层的失败分类
type FailureKind string

const (
	KindPathExists           FailureKind = "PathExists"
	KindInvalidMove          FailureKind = "InvalidMove"
	KindPathNotFound         FailureKind = "PathNotFound"
	KindInvalidInput         FailureKind = "InvalidInput"
	KindTransportUnavailable FailureKind = "TransportUnavailable"
	KindRemoteService        FailureKind = "RemoteServiceError"
)

// Failure 是本地预检失败和异步远端失败共用的形状，
// 界面层只需要处理这一种错误。
type Failure struct {
	Kind FailureKind
	Op   string // 触发失败的意图，例如 "rename"
	Path string
	Err  error
}

func (f *Failure) Error() string {
	if f.Path != "" {
		return fmt.Sprintf("%s %s: %v", f.Op, f.Path, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Op, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// AsFailure 取出错误链中的 *Failure
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

func fail(op, path string, err error) *Failure {
	kind := KindInvalidInput
	switch {
	case errors.Is(err, ErrPathExists):
		kind = KindPathExists
	case errors.Is(err, ErrInvalidMove):
		kind = KindInvalidMove
	case errors.Is(err, ErrPathNotFound):
		kind = KindPathNotFound
	}
	return &Failure{Kind: kind, Op: op, Path: path, Err: err}
}
