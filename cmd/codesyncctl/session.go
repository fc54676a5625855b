package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang-jwt/jwt/v4"

	"github.com/Dizro/Collaborative-Code-Editor/internal/client"
	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	"github.com/Dizro/Collaborative-Code-Editor/internal/engine"
	"github.com/Dizro/Collaborative-Code-Editor/internal/remote"
	"github.com/Dizro/Collaborative-Code-Editor/internal/session"
	"github.com/Dizro/Collaborative-Code-Editor/internal/vote"
)

const (
	defaultServer = "http://localhost:8080"
	joinTimeout   = 15 * time.Second
	syncTimeout   = 15 * time.Second
)

var errNoToken = errors.New("no token: run \"codesyncctl session\" and pass --token or set CODESYNC_TOKEN")

func serverURL(opts docopt.Opts) string {
	if s, _ := opts.String("--server"); s != "" {
		return strings.TrimRight(s, "/")
	}
	return defaultServer
}

func tokenFrom(opts docopt.Opts) (string, error) {
	if t, _ := opts.String("--token"); t != "" {
		return t, nil
	}
	if t := os.Getenv("CODESYNC_TOKEN"); t != "" {
		return t, nil
	}
	return "", errNoToken
}

// identityFromToken 读取令牌中的身份，不校验签名 (签名由服务端校验)
func identityFromToken(token string) (domain.Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return domain.Identity{}, fmt.Errorf("invalid token: %w", err)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return domain.Identity{}, errors.New("token has no subject")
	}
	name, _ := claims["username"].(string)
	avatar, _ := claims["avatar"].(string)
	return domain.Identity{ID: sub, Username: name, Avatar: avatar}, nil
}

// roomURL 把 http(s) 服务地址转换成房间的 WebSocket 地址
func roomURL(server, roomID, token string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/room/" + url.PathEscape(roomID)
	u.RawQuery = url.Values{"token": []string{token}}.Encode()
	return u.String(), nil
}

// roomSession 是一个已加入房间的客户端副本
type roomSession struct {
	Room *client.Room

	transport *session.WebSocketTransport
	cancel    context.CancelFunc
	done      chan error
	results   chan vote.Result
	failures  chan error
}

// joinRoom 连接房间并等待初始快照
func joinRoom(opts docopt.Opts) (*roomSession, error) {
	token, err := tokenFrom(opts)
	if err != nil {
		return nil, err
	}
	ident, err := identityFromToken(token)
	if err != nil {
		return nil, err
	}
	roomID, _ := opts.String("<room>")
	server := serverURL(opts)
	wsURL, err := roomURL(server, roomID, token)
	if err != nil {
		return nil, err
	}

	rs := &roomSession{
		done:     make(chan error, 1),
		results:  make(chan vote.Result, 1),
		failures: make(chan error, 4),
	}
	rs.transport = session.NewWebSocketTransport(session.WebSocketConfig{URL: wsURL})
	rs.Room = client.New(rs.transport, client.Config{
		RoomID:   roomID,
		Author:   engine.Author{ID: ident.ID, Name: ident.Username},
		Self:     domain.Presence{Username: ident.Username, Avatar: ident.Avatar},
		Executor: remote.NewExecutionClient(server, token, nil),
		Vote: vote.Options{
			OnResult: func(r vote.Result) {
				select {
				case rs.results <- r:
				default:
				}
			},
			OnError: rs.report,
		},
		OnError: rs.report,
	})

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	go func() { rs.done <- rs.transport.Run(ctx, rs.Room) }()

	waitCtx, waitCancel := context.WithTimeout(ctx, joinTimeout)
	defer waitCancel()
	select {
	case <-rs.Room.Ready():
		return rs, nil
	case err := <-rs.failures:
		rs.Close()
		return nil, err
	case <-waitCtx.Done():
		rs.Close()
		return nil, fmt.Errorf("joining room %s: %w", roomID, waitCtx.Err())
	}
}

func (rs *roomSession) report(err error) {
	select {
	case rs.failures <- err:
	default:
	}
}

// Sync 等待所有本地操作被中继确认
func (rs *roomSession) Sync() error {
	deadline := time.Now().Add(syncTimeout)
	for !rs.Room.Engine.Converged() {
		select {
		case err := <-rs.failures:
			return err
		default:
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%d operations not acknowledged", rs.Room.Engine.Pending())
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil
}

// Close 断开连接
func (rs *roomSession) Close() {
	rs.cancel()
	<-rs.done
	rs.Room.Close()
}

// withRoom 加入房间执行 fn，随后等待同步并断开
func withRoom(opts docopt.Opts, fn func(rs *roomSession) error) error {
	rs, err := joinRoom(opts)
	if err != nil {
		return err
	}
	defer rs.Close()
	if err := fn(rs); err != nil {
		return err
	}
	return rs.Sync()
}
