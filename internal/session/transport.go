package session

// Sender 是引擎、presence 和投票组件对会话通道的全部依赖。
// 连接对象通过构造函数显式注入，组件之间不共享全局客户端。
type Sender interface {
	Send(env Envelope) error
}

// Status 会话通道的连接状态
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Handler 接收入站信封和连接状态变化
type Handler interface {
	HandleEnvelope(env Envelope)
	HandleStatus(s Status)
}

// SenderFunc 让普通函数满足 Sender
type SenderFunc func(env Envelope) error

func (f SenderFunc) Send(env Envelope) error { return f(env) }
