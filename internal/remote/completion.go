package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
)

// tokenSkew 令牌在真正过期前这么久就视为失效
const tokenSkew = 60 * time.Second

const defaultAnalysisPrompt = "Analyze the following code. Give a short overview of its purpose, point out possible bugs, " +
	"and suggest style and performance improvements. Format the answer as Markdown.\n\n```\n%s\n```"

const noAnalysis = "The assistant returned no analysis."

// CompletionConfig 配置上游的 OAuth + chat completion 服务
type CompletionConfig struct {
	AuthURL string // OAuth client credentials 端点
	APIURL  string // chat completions 端点
	AuthKey string // Basic 认证密钥
	Scope   string
	Model   string
	Prompt  string // 包含一个 %s 占位符
}

// CompletionClient 通过上游大模型分析代码，访问令牌缓存到过期前 60 秒
type CompletionClient struct {
	cfg    CompletionConfig
	http   *http.Client
	tokens *ttlcache.Cache[string, string]
	now    func() time.Time
}

// NewCompletionClient 创建上游分析客户端
func NewCompletionClient(cfg CompletionConfig, hc *http.Client) *CompletionClient {
	if cfg.Scope == "" {
		cfg.Scope = "GIGACHAT_API_PERS"
	}
	if cfg.Model == "" {
		cfg.Model = "GigaChat"
	}
	if cfg.Prompt == "" {
		cfg.Prompt = defaultAnalysisPrompt
	}
	return &CompletionClient{
		cfg:    cfg,
		http:   newHTTPClient(hc),
		tokens: ttlcache.New[string, string](ttlcache.WithDisableTouchOnHit[string, string]()),
		now:    time.Now,
	}
}

// Analyze 实现 Analyzer
func (c *CompletionClient) Analyze(ctx context.Context, source string) (string, error) {
	if err := requireText("analysis", "code", source); err != nil {
		return "", err
	}
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", err
	}

	in := map[string]any{
		"model": c.cfg.Model,
		"messages": []map[string]string{
			{"role": "user", "content": fmt.Sprintf(c.cfg.Prompt, source)},
		},
		"stream": false,
	}
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := postJSON(ctx, c.http, "analysis", c.cfg.APIURL, authHeader(token), in, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return noAnalysis, nil
	}
	return out.Choices[0].Message.Content, nil
}

// accessToken 返回缓存的令牌，缺失或即将过期时重新申请
func (c *CompletionClient) accessToken(ctx context.Context) (string, error) {
	if item := c.tokens.Get(c.cfg.AuthURL); item != nil {
		return item.Value(), nil
	}
	if c.cfg.AuthKey == "" {
		return "", &ServiceError{Service: "analysis", Message: "authorization key not configured"}
	}

	form := url.Values{"scope": {c.cfg.Scope}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &ServiceError{Service: "analysis", Message: "build token request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("RqUID", uuid.NewString())
	req.Header.Set("Authorization", "Basic "+c.cfg.AuthKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &ServiceError{Service: "analysis", Message: "token request failed", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &ServiceError{Service: "analysis", Status: resp.StatusCode, Message: errorMessage(raw, resp.Status)}
	}
	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresAt   int64  `json:"expires_at"` // Unix 毫秒
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil || tok.AccessToken == "" {
		return "", &ServiceError{Service: "analysis", Status: resp.StatusCode, Message: "decode token response", Err: err}
	}

	ttl := time.UnixMilli(tok.ExpiresAt).Sub(c.now()) - tokenSkew
	if ttl > 0 {
		c.tokens.Set(c.cfg.AuthURL, tok.AccessToken, ttl)
	} else {
		logrus.WithField("component", "analysis").Debug("Access token expires too soon to cache")
	}
	return tok.AccessToken, nil
}
