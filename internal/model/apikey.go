package model

import "time"

// KeyOrigin 密钥来源
type KeyOrigin string

const (
	KeyOriginConfig KeyOrigin = "config" // 配置文件 / 环境变量
	KeyOriginAdmin  KeyOrigin = "admin"  // 管理接口添加，持久化到 sqlite
)

// APIKey 上游 API 密钥
type APIKey struct {
	Key       string    `json:"-"`
	ID        string    `json:"id"` // 前 8 位，仅用于展示
	Name      string    `json:"name"`
	Origin    KeyOrigin `json:"origin"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// KeyView 管理接口返回的密钥视图（不含明文）
type KeyView struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Origin               KeyOrigin `json:"origin"`
	Enabled              bool      `json:"enabled"`
	Pending              int       `json:"pending"`
	SuggestedConcurrency int       `json:"suggested_concurrency"`
	CreatedAt            time.Time `json:"created_at"`
}
