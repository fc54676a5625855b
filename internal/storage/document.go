package storage

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Origin 标记一次变更来自本地写入还是远端合并
type Origin int

const (
	OriginLocal Origin = iota + 1
	OriginRemote
)

// Change 描述容器里一个键的可见变化，Deleted 为 true 时 Value 为空。
type Change struct {
	Container ContainerID
	Key       string
	Value     json.RawMessage
	Deleted   bool
	Origin    Origin
	OpID      string
}

// Listener 订阅某个容器的变更
type Listener func(Change)

// Unsubscribe 取消订阅，重复调用是安全的
type Unsubscribe func()

type register struct {
	value   json.RawMessage
	stamp   Stamp
	deleted bool
}

// Option 配置 Document
type Option func(*Document)

// WithLogLimit 限制保留在内存中的操作日志条数，<=0 表示不限制。
func WithLogLimit(n int) Option {
	return func(d *Document) { d.logLimit = n }
}

// WithIDGenerator 替换操作 ID 的生成函数 (默认 ULID)
func WithIDGenerator(gen func() string) Option {
	return func(d *Document) {
		if gen != nil {
			d.newID = gen
		}
	}
}

// Document 是共享存储在一个副本上的状态。它只负责合并，不负责传输；
// 读取永不阻塞在网络上。
type Document struct {
	mu         sync.RWMutex
	actor      string
	clock      uint64
	containers map[ContainerID]map[string]*register
	applied    map[string]struct{}
	log        []Operation
	logLimit   int
	newID      func() string

	lmu       sync.Mutex
	listeners map[ContainerID]map[uint64]Listener
	nextLID   uint64
}

// NewDocument 创建一个空文档，actor 是本副本的唯一 ID (连接 ID)。
func NewDocument(actor string, opts ...Option) *Document {
	if actor == "" {
		panic("storage.NewDocument: actor cannot be empty")
	}
	d := &Document{
		actor:      actor,
		containers: make(map[ContainerID]map[string]*register, len(containerKinds)),
		applied:    make(map[string]struct{}),
		listeners:  make(map[ContainerID]map[uint64]Listener),
		newID:      func() string { return ulid.Make().String() },
	}
	for c := range containerKinds {
		d.containers[c] = make(map[string]*register)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Actor 返回本副本 ID
func (d *Document) Actor() string { return d.actor }

// Clock 返回当前 Lamport 时钟
func (d *Document) Clock() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.clock
}

// Get 返回容器中所有存活键的快照
func (d *Document) Get(c ContainerID) (map[string]json.RawMessage, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(d.containers[c]))
	for k, r := range d.containers[c] {
		if r.deleted {
			continue
		}
		out[k] = cloneRaw(r.value)
	}
	return out, nil
}

// Lookup 读取单个键
func (d *Document) Lookup(c ContainerID, key string) (json.RawMessage, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	regs, ok := d.containers[c]
	if !ok {
		return nil, false
	}
	r, ok := regs[key]
	if !ok || r.deleted {
		return nil, false
	}
	return cloneRaw(r.value), true
}

// Has 判断键是否存在且未被删除
func (d *Document) Has(c ContainerID, key string) bool {
	_, ok := d.Lookup(c, key)
	return ok
}

// Keys 返回容器中存活的键，按字典序排列
func (d *Document) Keys(c ContainerID) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0, len(d.containers[c]))
	for k, r := range d.containers[c] {
		if !r.deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len 返回容器中存活键的数量
func (d *Document) Len(c ContainerID) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, r := range d.containers[c] {
		if !r.deleted {
			n++
		}
	}
	return n
}

// ApplyLocal 乐观地应用一条本地操作：分配 ID 与时钟，立即生效并通知订阅者。
// 返回填充好 ID/Sender/Clock 的操作，调用方负责把它交给传输层。
// 已经应用过的 ID 直接原样返回，不产生变化。
func (d *Document) ApplyLocal(op Operation) (Operation, error) {
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	d.mu.Lock()
	if op.ID != "" {
		if _, dup := d.applied[op.ID]; dup {
			d.mu.Unlock()
			return op, nil
		}
	} else {
		op.ID = d.newID()
	}
	d.clock++
	op.Sender = d.actor
	op.Clock = Stamp{Lamport: d.clock, Actor: d.actor}
	op.Value = cloneRaw(op.Value)
	ch, changed := d.mergeLocked(op, OriginLocal)
	d.recordLocked(op)
	d.mu.Unlock()

	if changed {
		d.notify(ch)
	}
	return op, nil
}

// ApplyRemote 合并一条来自其他副本的操作。返回值表示可见状态是否改变。
// 同一个 ID 的操作重复到达时是空操作。
func (d *Document) ApplyRemote(op Operation) (bool, error) {
	if err := op.validateRemote(); err != nil {
		return false, err
	}
	d.mu.Lock()
	if _, dup := d.applied[op.ID]; dup {
		d.mu.Unlock()
		return false, nil
	}
	if op.Clock.Lamport > d.clock {
		d.clock = op.Clock.Lamport
	}
	op.Value = cloneRaw(op.Value)
	ch, changed := d.mergeLocked(op, OriginRemote)
	d.recordLocked(op)
	d.mu.Unlock()

	if changed {
		d.notify(ch)
	}
	return changed, nil
}

// OnChange 订阅容器的可见变更。回调在写入方的 goroutine 中、文档锁释放之后同步调用，
// 因此回调里可以再次读写文档。
func (d *Document) OnChange(c ContainerID, l Listener) Unsubscribe {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	d.nextLID++
	id := d.nextLID
	if d.listeners[c] == nil {
		d.listeners[c] = make(map[uint64]Listener)
	}
	d.listeners[c][id] = l
	var once sync.Once
	return func() {
		once.Do(func() {
			d.lmu.Lock()
			delete(d.listeners[c], id)
			d.lmu.Unlock()
		})
	}
}

// Log 返回已应用操作的副本，按应用顺序排列
func (d *Document) Log() []Operation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Operation, len(d.log))
	copy(out, d.log)
	return out
}

// Applied 判断某个操作 ID 是否已经被本副本处理过
func (d *Document) Applied(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.applied[id]
	return ok
}

// mergeLocked 按 LWW 规则合并，返回可见变化。调用方持有写锁。
func (d *Document) mergeLocked(op Operation, origin Origin) (Change, bool) {
	regs := d.containers[op.Container]
	cur, exists := regs[op.Key]
	if exists && !op.Clock.After(cur.stamp) {
		return Change{}, false
	}
	next := &register{stamp: op.Clock}
	if op.IsWrite() {
		next.value = op.Value
	} else {
		next.deleted = true
	}
	regs[op.Key] = next

	wasLive := exists && !cur.deleted
	switch {
	case !wasLive && next.deleted:
		return Change{}, false
	case wasLive && !next.deleted && bytes.Equal(cur.value, next.value):
		return Change{}, false
	}
	return Change{
		Container: op.Container,
		Key:       op.Key,
		Value:     cloneRaw(next.value),
		Deleted:   next.deleted,
		Origin:    origin,
		OpID:      op.ID,
	}, true
}

func (d *Document) recordLocked(op Operation) {
	d.applied[op.ID] = struct{}{}
	d.log = append(d.log, op)
	if d.logLimit > 0 && len(d.log) > d.logLimit {
		drop := len(d.log) - d.logLimit
		// 被裁掉的操作即使重复到达，其时间戳也不会胜过寄存器里的值，合并仍然是空操作
		for _, old := range d.log[:drop] {
			delete(d.applied, old.ID)
		}
		d.log = append([]Operation(nil), d.log[drop:]...)
	}
}

func (d *Document) notify(ch Change) {
	d.lmu.Lock()
	set := d.listeners[ch.Container]
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, set[id])
	}
	d.lmu.Unlock()

	for _, l := range ls {
		l(ch)
	}
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
