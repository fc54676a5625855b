// Package remote 包含外部执行服务和代码分析服务的 HTTP 客户端。
// 所有网络和协议错误都在这里转换成 *ServiceError，调用方只需要 errors.Is(err, ErrRemoteService)。
package remote

import (
	"errors"
	"fmt"
)

// ErrRemoteService 远端服务调用失败 (网络错误、非 2xx 响应、无法解析的响应)
var ErrRemoteService = errors.New("remote service error")

// ErrUnsupportedLanguage 执行服务不支持该语言标签
var ErrUnsupportedLanguage = errors.New("language is not executable")

// ServiceError 描述一次失败的远端调用
type ServiceError struct {
	Service string // "execution" 或 "analysis"
	Status  int    // HTTP 状态码，网络错误时为 0
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s service: status %d: %s", e.Service, e.Status, e.Message)
	}
	return fmt.Sprintf("%s service: %s", e.Service, e.Message)
}

// Unwrap 让 errors.Is(err, ErrRemoteService) 成立，同时保留底层错误
func (e *ServiceError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrRemoteService, e.Err}
	}
	return []error{ErrRemoteService}
}
