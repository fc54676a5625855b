package remote

import (
	"context"
	"fmt"
	"net/http"
)

// ExecutionResult 是一次代码执行的输出
type ExecutionResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Output     string `json:"output"`
	ExitStatus int    `json:"exitStatus"`
	Language   string `json:"language,omitempty"`
}

// Executor 执行一段源代码
type Executor interface {
	Execute(ctx context.Context, source, language string) (ExecutionResult, error)
}

// ExecutionClient 调用本服务的 POST /api/compile 代理
type ExecutionClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewExecutionClient 创建客户端，baseURL 例如 http://localhost:8080
func NewExecutionClient(baseURL, token string, hc *http.Client) *ExecutionClient {
	return &ExecutionClient{baseURL: baseURL, token: token, http: newHTTPClient(hc)}
}

func (c *ExecutionClient) Execute(ctx context.Context, source, language string) (ExecutionResult, error) {
	if err := requireText("execution", "code", source); err != nil {
		return ExecutionResult{}, err
	}
	in := map[string]string{"code": source, "language": language}
	var out ExecutionResult
	if err := postJSON(ctx, c.http, "execution", joinURL(c.baseURL, "/api/compile"), authHeader(c.token), in, &out); err != nil {
		return ExecutionResult{}, err
	}
	return out, nil
}

// pistonRuntimes 语言标签到 Piston 运行时名称
var pistonRuntimes = map[string]string{
	"typescript": "typescript",
	"javascript": "javascript",
	"python":     "python",
}

// PistonClient 直接调用 Piston 兼容的执行服务 (POST {base}/execute)，由服务端代理使用
type PistonClient struct {
	baseURL string
	http    *http.Client
}

func NewPistonClient(baseURL string, hc *http.Client) *PistonClient {
	return &PistonClient{baseURL: baseURL, http: newHTTPClient(hc)}
}

type pistonFile struct {
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

type pistonRequest struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Files    []pistonFile `json:"files"`
}

type pistonStage struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Output string `json:"output"`
	Code   *int   `json:"code"`
	Signal string `json:"signal"`
}

type pistonResponse struct {
	Language string       `json:"language"`
	Run      pistonStage  `json:"run"`
	Compile  *pistonStage `json:"compile,omitempty"`
	Message  string       `json:"message,omitempty"`
}

func (c *PistonClient) Execute(ctx context.Context, source, language string) (ExecutionResult, error) {
	runtime, ok := pistonRuntimes[language]
	if !ok {
		return ExecutionResult{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
	req := pistonRequest{Language: runtime, Version: "*", Files: []pistonFile{{Content: source}}}
	var resp pistonResponse
	if err := postJSON(ctx, c.http, "execution", joinURL(c.baseURL, "/execute"), nil, req, &resp); err != nil {
		return ExecutionResult{}, err
	}
	if resp.Message != "" && resp.Run.Code == nil {
		return ExecutionResult{}, &ServiceError{Service: "execution", Message: resp.Message}
	}

	out := ExecutionResult{Language: language}
	// 编译阶段失败时输出编译错误
	if resp.Compile != nil && resp.Compile.Code != nil && *resp.Compile.Code != 0 {
		out.Stdout, out.Stderr, out.Output = resp.Compile.Stdout, resp.Compile.Stderr, resp.Compile.Output
		out.ExitStatus = *resp.Compile.Code
		return out, nil
	}
	out.Stdout, out.Stderr, out.Output = resp.Run.Stdout, resp.Run.Stderr, resp.Run.Output
	if resp.Run.Code != nil {
		out.ExitStatus = *resp.Run.Code
	} else if resp.Run.Signal != "" {
		out.ExitStatus = -1
	}
	return out, nil
}
