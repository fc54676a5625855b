package session

import "errors"

var (
	// ErrTransportUnavailable 会话通道当前无法发送，调用方应保留消息等待恢复
	ErrTransportUnavailable = errors.New("session: transport unavailable")
	// ErrClosed 传输已被关闭
	ErrClosed = errors.New("session: transport closed")
	// ErrMalformed 收到无法解析的信封
	ErrMalformed = errors.New("session: malformed envelope")
	// ErrUnknownMember 中继收到了不属于房间成员的消息
	ErrUnknownMember = errors.New("session: unknown member")
	// ErrUnsupported 中继不接受该类型的客户端消息
	ErrUnsupported = errors.New("session: unsupported message type")
)
