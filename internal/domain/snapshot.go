package domain

import "time"

// Snapshot 存储某个时间点房间共享存储的完整状态 (包含时钟和墓碑)。
// Data 的编码由 storage 包负责，这里只当作不透明的 JSON 字符串。
type Snapshot struct {
	ID        uint      `gorm:"primaryKey"`
	RoomID    string    `gorm:"size:64;index;not null"`
	Data      string    `gorm:"type:longtext;not null"`
	Version   uint64    `gorm:"index"` // 快照包含的最后一个操作的顺序号
	CreatedAt time.Time `gorm:"index;not null"`
}

// IsEmpty 判断快照是否没有任何状态
func (s *Snapshot) IsEmpty() bool {
	return s == nil || s.Data == "" || s.Data == "{}" || s.Data == "null"
}
