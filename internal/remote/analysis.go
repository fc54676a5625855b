package remote

import (
	"context"
	"net/http"
)

// Analyzer 返回一段代码的 Markdown 分析报告
type Analyzer interface {
	Analyze(ctx context.Context, source string) (string, error)
}

// AnalysisClient 调用本服务的 POST /api/analyze-code 代理
type AnalysisClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewAnalysisClient(baseURL, token string, hc *http.Client) *AnalysisClient {
	return &AnalysisClient{baseURL: baseURL, token: token, http: newHTTPClient(hc)}
}

func (c *AnalysisClient) Analyze(ctx context.Context, source string) (string, error) {
	if err := requireText("analysis", "code", source); err != nil {
		return "", err
	}
	var out struct {
		Analysis string `json:"analysis"`
	}
	in := map[string]string{"code": source}
	if err := postJSON(ctx, c.http, "analysis", joinURL(c.baseURL, "/api/analyze-code"), authHeader(c.token), in, &out); err != nil {
		return "", err
	}
	return out.Analysis, nil
}
