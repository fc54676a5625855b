package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// maxErrorBody 错误响应中最多读取的字节数
const maxErrorBody = 4 << 10

func newHTTPClient(hc *http.Client) *http.Client {
	if hc != nil {
		return hc
	}
	return &http.Client{Timeout: defaultTimeout}
}

// postJSON 发送 JSON 请求并把 2xx 响应解码到 out，其他情况返回 *ServiceError
func postJSON(ctx context.Context, hc *http.Client, service, url string, header http.Header, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &ServiceError{Service: service, Message: "encode request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &ServiceError{Service: service, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return &ServiceError{Service: service, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &ServiceError{Service: service, Status: resp.StatusCode, Message: errorMessage(raw, resp.Status)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ServiceError{Service: service, Status: resp.StatusCode, Message: "decode response", Err: err}
	}
	return nil
}

// errorMessage 优先取 JSON 响应里的 error 字段
func errorMessage(raw []byte, fallback string) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	if s := strings.TrimSpace(string(raw)); s != "" {
		return s
	}
	return fallback
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

func authHeader(token string) http.Header {
	if token == "" {
		return nil
	}
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

func requireText(service, field, v string) error {
	if strings.TrimSpace(v) == "" {
		return &ServiceError{Service: service, Message: fmt.Sprintf("%s is required", field)}
	}
	return nil
}
