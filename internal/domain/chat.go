package domain

import "sort"

// MessageKind 聊天消息类型
type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageSystem MessageKind = "system"
)

// ChatMessage 创建后不可变，按客户端生成的 ID 存入 messages 容器。
type ChatMessage struct {
	ID        string      `json:"id"`
	UserID    string      `json:"userId"`
	Username  string      `json:"username"`
	Content   string      `json:"content"`
	Timestamp int64       `json:"timestamp"` // Unix 毫秒
	Type      MessageKind `json:"type"`
}

// SortMessages 按时间戳排序 (不是插入顺序)，时间戳相同则按 ID 排序保证确定性。
func SortMessages(msgs []ChatMessage) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})
}
