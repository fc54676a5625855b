package storage

import "errors"

var (
	// ErrUnknownContainer 操作或查询引用了不存在的容器
	ErrUnknownContainer = errors.New("storage: unknown container")
	// ErrInvalidOperation 操作格式不合法 (类型与容器不匹配、缺少键或值等)
	ErrInvalidOperation = errors.New("storage: invalid operation")
)
