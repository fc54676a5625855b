package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Dizro/Collaborative-Code-Editor/internal/service"
)

// CodeHandler 处理代码编译和代码分析请求
type CodeHandler struct {
	compileService  *service.CompileService
	analysisService *service.AnalysisService
}

// NewCodeHandler 创建 CodeHandler，analysisService 可以为空 (未配置分析服务)
func NewCodeHandler(compileService *service.CompileService, analysisService *service.AnalysisService) *CodeHandler {
	if compileService == nil {
		panic("CompileService cannot be nil for CodeHandler")
	}
	return &CodeHandler{compileService: compileService, analysisService: analysisService}
}

// CompileRequest 编译请求
type CompileRequest struct {
	Code     string `json:"code" binding:"required"`
	Language string `json:"language" binding:"required"`
}

// CompileResponse 编译结果
type CompileResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Output     string `json:"output"`
	ExitStatus int    `json:"exitStatus"`
}

// Compile 把代码转发给执行服务
func (h *CodeHandler) Compile(c *gin.Context) {
	var req CompileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: code and language required"})
		return
	}
	logCtx := logrus.WithField("language", req.Language)

	result, err := h.compileService.Compile(c.Request.Context(), req.Code, req.Language)
	if err != nil {
		logCtx.WithError(err).Warn("Handler.Compile: Compilation failed")
		HandleServiceError(c, err)
		return
	}
	logCtx.WithField("exit_status", result.ExitStatus).Debug("Handler.Compile: Done")
	c.JSON(http.StatusOK, CompileResponse{
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		Output:     result.Output,
		ExitStatus: result.ExitStatus,
	})
}

// AnalyzeRequest 分析请求
type AnalyzeRequest struct {
	Code string `json:"code" binding:"required"`
}

// Analyze 返回上游模型对代码的分析文本
func (h *CodeHandler) Analyze(c *gin.Context) {
	if h.analysisService == nil {
		ErrorResponse(c, http.StatusServiceUnavailable, "code analysis is not configured")
		return
	}
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: code required"})
		return
	}

	analysis, err := h.analysisService.Analyze(c.Request.Context(), req.Code)
	if err != nil {
		logrus.WithError(err).Warn("Handler.Analyze: Analysis failed")
		HandleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"analysis": analysis})
}
