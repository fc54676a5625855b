// Package presence 管理每个连接独占的临时状态 (光标、选区、打开的文件、输入中/说话中)。
// 本地记录浅合并后节流发送；收到的远端记录整体替换对应连接的旧值。
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	"github.com/Dizro/Collaborative-Code-Editor/internal/session"
	"github.com/Dizro/Collaborative-Code-Editor/internal/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultThrottle 合并快速连续更新的时间窗口
const DefaultThrottle = 100 * time.Millisecond

// Timer 是可停止的定时器，便于测试替换 time.AfterFunc
type Timer interface {
	Stop() bool
}

// AfterFunc 调度 f 在 d 之后执行
type AfterFunc func(d time.Duration, f func()) Timer

// Options 配置 Store，零值字段使用默认值
type Options struct {
	Throttle    time.Duration
	ReactionTTL time.Duration
	Now         func() time.Time
	AfterFunc   AfterFunc
	NewID       func() string
}

// Other 是另一个连接的 presence 视图
type Other struct {
	ConnectionID string
	UserID       string
	Presence     domain.Presence
}

// Store 持有本地 presence 和其他连接的最新 presence
type Store struct {
	conn session.Sender
	opts Options

	mu        sync.Mutex
	self      domain.Presence
	dirty     bool
	timer     Timer
	lastSent  time.Time
	others    map[string]*Other
	reactions []Reaction
	listeners map[uint64]func()
	nextLID   uint64

	log *logrus.Entry
}

// NewStore 创建 presence 存储，连接对象显式注入
func NewStore(conn session.Sender, self domain.Presence, opts Options) *Store {
	if conn == nil {
		panic("presence.NewStore: connection cannot be nil")
	}
	if opts.Throttle <= 0 {
		opts.Throttle = DefaultThrottle
	}
	if opts.ReactionTTL <= 0 {
		opts.ReactionTTL = DefaultReactionTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Store{
		conn:      conn,
		opts:      opts,
		self:      self.Clone(),
		dirty:     true,
		others:    make(map[string]*Other),
		listeners: make(map[uint64]func()),
		log:       logrus.WithField("component", "presence"),
	}
}

// Self 返回本地 presence 的副本
func (s *Store) Self() domain.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self.Clone()
}

// Update 浅合并：fn 只修改它关心的字段，其余字段保持不变。
// 发送被节流：窗口内的多次更新只发送最后的值。
func (s *Store) Update(fn func(p *domain.Presence)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.self)
	s.dirty = true
	s.scheduleLocked()
}

func (s *Store) SetCursor(c *domain.Cursor) {
	s.Update(func(p *domain.Presence) { p.Cursor = copyCursor(c) })
}

func (s *Store) SetSelection(sel *domain.Selection) {
	s.Update(func(p *domain.Presence) { p.Selection = copySelection(sel) })
}

// SetSelectedFile 设置正在打开的文件，空字符串表示没有打开文件
func (s *Store) SetSelectedFile(path string) {
	s.Update(func(p *domain.Presence) {
		if path == "" {
			p.SelectedFile = nil
			return
		}
		p.SelectedFile = &path
	})
}

func (s *Store) SetTyping(v bool)   { s.Update(func(p *domain.Presence) { p.IsTyping = v }) }
func (s *Store) SetSpeaking(v bool) { s.Update(func(p *domain.Presence) { p.IsSpeaking = v }) }

// scheduleLocked 实现前沿 + 尾沿节流
func (s *Store) scheduleLocked() {
	if s.timer != nil {
		return
	}
	wait := s.opts.Throttle - s.opts.Now().Sub(s.lastSent)
	if wait <= 0 {
		s.sendLocked()
		return
	}
	s.timer = s.opts.AfterFunc(wait, s.onTimer)
}

func (s *Store) onTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = nil
	if s.dirty {
		s.sendLocked()
	}
}

// Flush 立即发送尚未发送的更新
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.dirty {
		return nil
	}
	return s.sendLocked()
}

// Resend 无条件发送完整记录，用于重连后让中继重新获知本地 presence
func (s *Store) Resend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = true
	return s.sendLocked()
}

func (s *Store) sendLocked() error {
	p := s.self.Clone()
	s.lastSent = s.opts.Now()
	if err := s.conn.Send(session.Envelope{Type: session.TypePresence, Presence: &p}); err != nil {
		// 保持 dirty，重连后由 Resend 补发
		s.log.WithError(err).Debug("Presence send failed")
		return err
	}
	s.dirty = false
	return nil
}

// Close 停止挂起的定时器
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Join 记录新连接，初始 presence 为空
func (s *Store) Join(connID, userID string) {
	s.mu.Lock()
	if _, ok := s.others[connID]; !ok {
		s.others[connID] = &Other{ConnectionID: connID, UserID: userID}
	}
	s.mu.Unlock()
	s.notify()
}

// ApplyRemote 用收到的完整记录替换该连接的 presence
func (s *Store) ApplyRemote(connID, userID string, p domain.Presence) {
	s.mu.Lock()
	s.others[connID] = &Other{ConnectionID: connID, UserID: userID, Presence: p.Clone()}
	s.mu.Unlock()
	s.notify()
}

// Remove 在连接断开后移除它的 presence 和反应
func (s *Store) Remove(connID string) {
	s.mu.Lock()
	_, ok := s.others[connID]
	delete(s.others, connID)
	kept := s.reactions[:0]
	for _, r := range s.reactions {
		if r.ConnectionID != connID {
			kept = append(kept, r)
		}
	}
	s.reactions = kept
	s.mu.Unlock()
	if ok {
		s.notify()
	}
}

// Reset 用快照中的成员列表替换全部其他连接 (加入或重连时)
func (s *Store) Reset(peers []session.Peer) {
	s.mu.Lock()
	s.others = make(map[string]*Other, len(peers))
	for _, peer := range peers {
		o := &Other{ConnectionID: peer.ConnectionID, UserID: peer.UserID}
		if peer.Presence != nil {
			o.Presence = peer.Presence.Clone()
		}
		s.others[peer.ConnectionID] = o
	}
	s.mu.Unlock()
	s.notify()
}

// Others 返回其他连接，按连接 ID 排序
func (s *Store) Others() []Other {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Other, 0, len(s.others))
	for _, o := range s.others {
		out = append(out, Other{ConnectionID: o.ConnectionID, UserID: o.UserID, Presence: o.Presence.Clone()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// Count 返回其他连接的数量
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.others)
}

// OthersInFile 返回正在查看 path 的其他连接
func (s *Store) OthersInFile(path string) []Other {
	var out []Other
	for _, o := range s.Others() {
		if o.Presence.InFile(path) {
			out = append(out, o)
		}
	}
	return out
}

// OnChange 订阅其他连接集合或其 presence 的变化
func (s *Store) OnChange(fn func()) storage.Unsubscribe {
	s.mu.Lock()
	s.nextLID++
	id := s.nextLID
	s.listeners[id] = fn
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) notify() {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func copyCursor(c *domain.Cursor) *domain.Cursor {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}

func copySelection(sel *domain.Selection) *domain.Selection {
	if sel == nil {
		return nil
	}
	out := *sel
	return &out
}
