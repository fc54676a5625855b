package domain

import "time"

// OperationRecord 是中继转发过的一条存储操作的持久化记录 (操作日志)。
type OperationRecord struct {
	ID        uint      `gorm:"primaryKey"`
	OpID      string    `gorm:"size:64;uniqueIndex;not null"` // 操作的全局唯一 ID，用于去重
	RoomID    string    `gorm:"size:64;index;not null"`
	SenderID  string    `gorm:"size:64;not null"` // 发送方副本 (连接) ID
	UserID    string    `gorm:"size:64;index"`    // 发送方用户身份
	Container string    `gorm:"size:32;not null"`
	Kind      string    `gorm:"size:16;not null"`
	Key       string    `gorm:"type:text"`
	Value     string    `gorm:"type:longtext"`
	Lamport   uint64    `gorm:"not null"`
	Actor     string    `gorm:"size:64;not null"`
	Seq       uint64    `gorm:"index;not null"` // 中继分配的房间内顺序号
	CreatedAt time.Time `gorm:"autoCreateTime;index"`
}
