package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Room 表示一个协作编辑房间 (持久化的元数据，实时状态在共享存储中)。
type Room struct {
	ID         string    `gorm:"primaryKey;size:64"` // 不透明的房间 ID，例如 "room-4f9c2a7b1e"
	Name       string    `gorm:"size:191;not null"`  // 房间名称 (与设置中的 roomName 同步)
	CreatorID  string    `gorm:"size:64;index"`      // 创建者身份 ID，首次加入自动创建时为空
	Settings   string    `gorm:"type:text;not null"` // 创建时的 RoomSettings JSON
	CreatedAt  time.Time `gorm:"autoCreateTime"`     // 创建时间
	LastActive time.Time `gorm:"index"`              // 最后活跃时间
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`     // 更新时间
}

// RoomSettings 是房间内唯一的设置记录，按字段 last-writer-wins 合并。
type RoomSettings struct {
	RoomName                  string   `json:"roomName"`
	IsPrivate                 bool     `json:"isPrivate"`
	MaxUsers                  int      `json:"maxUsers"`
	EnableVoiceChat           bool     `json:"enableVoiceChat"`
	EnableTextChat            bool     `json:"enableTextChat"`
	RequireVoteForCompilation bool     `json:"requireVoteForCompilation"`
	Description               string   `json:"description,omitempty"`
	AllowedUsers              []string `json:"allowedUsers,omitempty"`
}

// DefaultRoomSettings 返回新房间的默认设置
func DefaultRoomSettings() RoomSettings {
	return RoomSettings{
		RoomName:                  "Default Room",
		IsPrivate:                 false,
		MaxUsers:                  10,
		EnableVoiceChat:           true,
		EnableTextChat:            true,
		RequireVoteForCompilation: false,
		Description:               "",
		AllowedUsers:              []string{},
	}
}

// Allows 判断用户是否可以进入房间。公开房间或白名单为空时总是允许。
func (s RoomSettings) Allows(userID string) bool {
	if !s.IsPrivate || len(s.AllowedUsers) == 0 {
		return true
	}
	for _, id := range s.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// Fields 把设置拆成 字段名 -> JSON 值，用于按字段写入共享存储。
func (s RoomSettings) Fields() (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal room settings: %w", err)
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to split room settings into fields: %w", err)
	}
	return fields, nil
}

// SettingsFromFields 以默认设置为底，叠加存储中已有的字段。
// 未知字段被忽略，单个字段类型错误会返回错误。
func SettingsFromFields(fields map[string]json.RawMessage) (RoomSettings, error) {
	settings := DefaultRoomSettings()
	if len(fields) == 0 {
		return settings, nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return settings, fmt.Errorf("failed to marshal settings fields: %w", err)
	}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return DefaultRoomSettings(), fmt.Errorf("failed to unmarshal settings fields: %w", err)
	}
	return settings, nil
}

// ParseSettings 将 Room 的 Settings 字段 (JSON 字符串) 解析为 RoomSettings。
func (r *Room) ParseSettings() (RoomSettings, error) {
	settings := DefaultRoomSettings()
	if r.Settings == "" || r.Settings == "null" {
		return settings, nil
	}
	if err := json.Unmarshal([]byte(r.Settings), &settings); err != nil {
		return settings, fmt.Errorf("failed to unmarshal room settings: %w", err)
	}
	return settings, nil
}

// SetSettings 将 RoomSettings 序列化后写入 Room 的 Settings 字段。
func (r *Room) SetSettings(settings RoomSettings) error {
	bytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal room settings: %w", err)
	}
	r.Settings = string(bytes)
	r.Name = settings.RoomName
	return nil
}
