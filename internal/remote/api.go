package remote

import (
	"context"
	"net/http"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
)

// APIClient 调用本服务的认证和房间接口
type APIClient struct {
	baseURL string
	http    *http.Client
}

func NewAPIClient(baseURL string, hc *http.Client) *APIClient {
	return &APIClient{baseURL: baseURL, http: newHTTPClient(hc)}
}

// Login 用户名密码登录，返回会话令牌
func (c *APIClient) Login(ctx context.Context, username, password string) (string, error) {
	if err := requireText("auth", "username", username); err != nil {
		return "", err
	}
	var out struct {
		Token string `json:"token"`
	}
	in := map[string]string{"username": username, "password": password}
	if err := postJSON(ctx, c.http, "auth", joinURL(c.baseURL, "/api/auth/login"), nil, in, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// GuestSession 申请匿名会话
func (c *APIClient) GuestSession(ctx context.Context, name string) (string, domain.Identity, error) {
	var out struct {
		Token string          `json:"token"`
		User  domain.Identity `json:"user"`
	}
	in := map[string]string{"name": name}
	if err := postJSON(ctx, c.http, "auth", joinURL(c.baseURL, "/api/auth/session"), nil, in, &out); err != nil {
		return "", domain.Identity{}, err
	}
	return out.Token, out.User, nil
}

// CreateRoom 创建房间，返回房间 ID 和服务端规范化后的设置
func (c *APIClient) CreateRoom(ctx context.Context, token string, settings domain.RoomSettings) (string, domain.RoomSettings, error) {
	var out struct {
		RoomID   string              `json:"roomId"`
		Settings domain.RoomSettings `json:"settings"`
	}
	if err := postJSON(ctx, c.http, "rooms", joinURL(c.baseURL, "/api/rooms"), authHeader(token), settings, &out); err != nil {
		return "", domain.RoomSettings{}, err
	}
	return out.RoomID, out.Settings, nil
}
