package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Dizro/Collaborative-Code-Editor/internal/remote"
)

// CompileService 把代码执行请求转发给外部执行服务。
type CompileService struct {
	executor remote.Executor
}

// NewCompileService 创建 CompileService 实例。
func NewCompileService(executor remote.Executor) *CompileService {
	if executor == nil {
		panic("Executor cannot be nil for CompileService")
	}
	return &CompileService{executor: executor}
}

// Compile 执行一段代码，code 为空或语言不可执行时返回 ErrInvalidInput。
func (s *CompileService) Compile(ctx context.Context, code, language string) (remote.ExecutionResult, error) {
	logCtx := logrus.WithFields(logrus.Fields{"language": language, "size": len(code)})
	if strings.TrimSpace(code) == "" {
		return remote.ExecutionResult{}, fmt.Errorf("%w: code is required", ErrInvalidInput)
	}

	result, err := s.executor.Execute(ctx, code, language)
	if err != nil {
		if errors.Is(err, remote.ErrUnsupportedLanguage) {
			logCtx.Info("Compile rejected: language is not executable")
			return remote.ExecutionResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		logCtx.WithError(err).Error("Execution service call failed")
		return remote.ExecutionResult{}, fmt.Errorf("%w: %v", ErrRemoteService, err)
	}
	logCtx.WithField("exit_status", result.ExitStatus).Info("Code executed")
	return result, nil
}

// AnalysisService 把代码分析请求转发给外部分析服务。
type AnalysisService struct {
	analyzer remote.Analyzer
}

// NewAnalysisService 创建 AnalysisService 实例。
func NewAnalysisService(analyzer remote.Analyzer) *AnalysisService {
	if analyzer == nil {
		panic("Analyzer cannot be nil for AnalysisService")
	}
	return &AnalysisService{analyzer: analyzer}
}

// Analyze 返回 Markdown 格式的分析报告。
func (s *AnalysisService) Analyze(ctx context.Context, code string) (string, error) {
	if strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("%w: code is required", ErrInvalidInput)
	}
	report, err := s.analyzer.Analyze(ctx, code)
	if err != nil {
		logrus.WithField("size", len(code)).WithError(err).Error("Analysis service call failed")
		return "", fmt.Errorf("%w: %v", ErrRemoteService, err)
	}
	return report, nil
}
