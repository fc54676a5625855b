// Package domain 定义了应用程序中使用的数据结构。
package domain

import "time"

// User 表示本地身份提供方中注册的用户。
type User struct {
	ID        uint      `gorm:"primaryKey"`
	Username  string    `gorm:"type:varchar(191);uniqueIndex:idx_username;not null"`
	Password  string    `gorm:"type:text;not null"` // bcrypt 哈希
	Email     string    `gorm:"type:varchar(191);uniqueIndex:idx_email"`
	Avatar    string    `gorm:"type:varchar(255)"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// Identity 是身份提供方给出的稳定用户身份和展示信息，会话令牌中携带。
type Identity struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Avatar   string    `json:"avatar"`
	Color    [2]string `json:"color"` // 头像渐变色
}
