package storage

// Stamp 是操作的逻辑时间戳：Lamport 计数器加产生该操作的副本 ID。
// 两个 Stamp 之间是全序：先比 Lamport，相等时比较 Actor 字符串。
type Stamp struct {
	Lamport uint64 `json:"lamport"`
	Actor   string `json:"actor"`
}

// After 判断 s 是否晚于 o。相同的 Stamp 互不晚于对方，这使得重复投递的操作成为空操作。
func (s Stamp) After(o Stamp) bool {
	if s.Lamport != o.Lamport {
		return s.Lamport > o.Lamport
	}
	return s.Actor > o.Actor
}

// IsZero 判断是否为未分配的时间戳
func (s Stamp) IsZero() bool { return s.Lamport == 0 && s.Actor == "" }
