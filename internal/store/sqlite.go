package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaopang/keypulse/internal/model"
)

// ErrKeyNotFound 密钥不存在
var ErrKeyNotFound = errors.New("api key not found")

// Store 数据存储
type Store struct {
	db *sql.DB
}

// New 创建存储实例
func New(dbPath string) (*Store, error) {
	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// migrate 数据库迁移
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS api_keys (
		key TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		enabled INTEGER DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS admin_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		action TEXT NOT NULL,
		client_ip TEXT,
		success INTEGER,
		detail TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON admin_audit(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_action ON admin_audit(action);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

// === API Keys ===

// SaveKey 保存密钥（存在则更新名称和启用状态）
func (s *Store) SaveKey(k *model.APIKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO api_keys (key, name, enabled, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled
	`, k.Key, k.Name, k.Enabled, k.CreatedAt)
	return err
}

// ListKeys 按添加顺序列出密钥
func (s *Store) ListKeys() ([]*model.APIKey, error) {
	rows, err := s.db.Query(`
		SELECT key, name, enabled, created_at
		FROM api_keys ORDER BY created_at, rowid
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*model.APIKey
	for rows.Next() {
		k := &model.APIKey{Origin: model.KeyOriginAdmin}
		if err := rows.Scan(&k.Key, &k.Name, &k.Enabled, &k.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteKey 删除密钥
func (s *Store) DeleteKey(key string) error {
	res, err := s.db.Exec("DELETE FROM api_keys WHERE key = ?", key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// === Admin Audit ===

// RecordAudit 记录管理操作
func (s *Store) RecordAudit(e *model.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO admin_audit (timestamp, action, client_ip, success, detail)
		VALUES (?, ?, ?, ?, ?)
	`, e.Timestamp, string(e.Action), e.ClientIP, e.Success, e.Detail)
	if err != nil {
		return err
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// ListAudit 查询审计记录（最新在前）
func (s *Store) ListAudit(query *model.AuditQuery) ([]*model.AuditEntry, error) {
	q := "SELECT id, timestamp, action, COALESCE(client_ip, ''), success, COALESCE(detail, '') FROM admin_audit WHERE 1=1"
	args := []any{}

	if query.Action != "" {
		q += " AND action = ?"
		args = append(args, string(query.Action))
	}
	q += " ORDER BY id DESC"

	if query.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", query.Limit)
	} else {
		q += " LIMIT 100"
	}
	if query.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", query.Offset)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var action string
		if err := rows.Scan(&e.ID, &e.Timestamp, &action, &e.ClientIP, &e.Success, &e.Detail); err != nil {
			return nil, err
		}
		e.Action = model.AuditAction(action)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// CleanOldAudit 清理过期审计记录
func (s *Store) CleanOldAudit(retentionDays int) (int64, error) {
	result, err := s.db.Exec(`
		DELETE FROM admin_audit
		WHERE timestamp < ?
	`, time.Now().AddDate(0, 0, -retentionDays))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
