package storage

import (
	"encoding/json"
	"fmt"
)

// Register 是寄存器的可序列化形式，包含墓碑，用于快照和初始同步。
type Register struct {
	Value   json.RawMessage `json:"value,omitempty"`
	Stamp   Stamp           `json:"stamp"`
	Deleted bool            `json:"deleted,omitempty"`
}

// State 是文档的完整可合并状态
type State struct {
	Clock      uint64                              `json:"clock"`
	Containers map[ContainerID]map[string]Register `json:"containers"`
}

// State 导出当前状态 (深拷贝)
func (d *Document) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st := State{Clock: d.clock, Containers: make(map[ContainerID]map[string]Register, len(d.containers))}
	for c, regs := range d.containers {
		m := make(map[string]Register, len(regs))
		for k, r := range regs {
			m[k] = Register{Value: cloneRaw(r.value), Stamp: r.stamp, Deleted: r.deleted}
		}
		st.Containers[c] = m
	}
	return st
}

// Merge 把另一份状态按寄存器逐个 LWW 合并进来，并对可见变化发出通知 (Origin 为远端)。
// 合并结果与操作到达顺序无关，所以快照和之后的增量操作可以任意交错。
func (d *Document) Merge(st State) (int, error) {
	for c := range st.Containers {
		if err := c.check(); err != nil {
			return 0, err
		}
	}
	var changes []Change
	d.mu.Lock()
	if st.Clock > d.clock {
		d.clock = st.Clock
	}
	for c, regs := range st.Containers {
		for k, r := range regs {
			if r.Stamp.Lamport > d.clock {
				d.clock = r.Stamp.Lamport
			}
			op := Operation{Container: c, Key: k, Clock: r.Stamp, Value: cloneRaw(r.Value)}
			if r.Deleted {
				op.Kind = OpDelete
			} else {
				op.Kind = OpSet
			}
			if ch, ok := d.mergeLocked(op, OriginRemote); ok {
				changes = append(changes, ch)
			}
		}
	}
	d.mu.Unlock()

	for _, ch := range changes {
		d.notify(ch)
	}
	return len(changes), nil
}

// EncodeState 把状态编码为 JSON 字符串，供快照持久化
func EncodeState(st State) (string, error) {
	b, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("storage: encode state: %w", err)
	}
	return string(b), nil
}

// DecodeState 解析 EncodeState 的输出，空字符串视为空状态
func DecodeState(data string) (State, error) {
	st := State{Containers: map[ContainerID]map[string]Register{}}
	if data == "" {
		return st, nil
	}
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return State{}, fmt.Errorf("storage: decode state: %w", err)
	}
	if st.Containers == nil {
		st.Containers = map[ContainerID]map[string]Register{}
	}
	return st, nil
}
