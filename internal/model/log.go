package model

import "time"

// AuditAction 管理操作类型
type AuditAction string

const (
	AuditResetStats AuditAction = "reset_stats"
	AuditKeyAdded   AuditAction = "key_added"
	AuditKeyRemoved AuditAction = "key_removed"
)

// AuditEntry 管理操作审计记录
type AuditEntry struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Action    AuditAction `json:"action"`
	ClientIP  string      `json:"client_ip"`
	Success   bool        `json:"success"`
	Detail    string      `json:"detail,omitempty"`
}

// AuditQuery 审计查询参数
type AuditQuery struct {
	Action AuditAction `form:"action"`
	Limit  int         `form:"limit"`
	Offset int         `form:"offset"`
}
