package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xiaopang/keypulse/internal/model"
)

func tempDB(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// === 迁移 ===

func TestNew_CreatesDirAndDB(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sub", "deep", "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("expected database file to be created")
	}
}

func TestMigrate_TablesExist(t *testing.T) {
	s := tempDB(t)

	for _, table := range []string{"api_keys", "admin_audit"} {
		var count int
		err := s.db.QueryRow("SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Fatalf("failed to check table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("expected table %s to exist", table)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := tempDB(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

// === 密钥 ===

func TestSaveAndListKeys(t *testing.T) {
	s := tempDB(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, k := range []string{"AIzaSy-first", "AIzaSy-second"} {
		if err := s.SaveKey(&model.APIKey{Key: k, Name: k, Enabled: true, CreatedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("SaveKey failed: %v", err)
		}
	}

	keys, err := s.ListKeys()
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	if keys[0].Key != "AIzaSy-first" || keys[1].Key != "AIzaSy-second" {
		t.Errorf("unexpected order: %s, %s", keys[0].Key, keys[1].Key)
	}
	if keys[0].Origin != model.KeyOriginAdmin || !keys[0].Enabled {
		t.Errorf("unexpected key: %+v", keys[0])
	}
}

func TestSaveKey_Upsert(t *testing.T) {
	s := tempDB(t)
	k := &model.APIKey{Key: "AIzaSy-1", Name: "Original", Enabled: true}
	s.SaveKey(k)

	k.Name = "Updated"
	k.Enabled = false
	s.SaveKey(k)

	keys, _ := s.ListKeys()
	if len(keys) != 1 {
		t.Fatalf("expected 1 key, got %d", len(keys))
	}
	if keys[0].Name != "Updated" || keys[0].Enabled {
		t.Errorf("upsert not applied: %+v", keys[0])
	}
}

func TestDeleteKey(t *testing.T) {
	s := tempDB(t)
	s.SaveKey(&model.APIKey{Key: "AIzaSy-1", Enabled: true})

	if err := s.DeleteKey("AIzaSy-1"); err != nil {
		t.Fatalf("DeleteKey failed: %v", err)
	}
	if err := s.DeleteKey("AIzaSy-1"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

// === 审计 ===

func TestRecordAndListAudit(t *testing.T) {
	s := tempDB(t)

	entries := []*model.AuditEntry{
		{Action: model.AuditResetStats, ClientIP: "10.0.0.1", Success: false, Detail: "bad credential"},
		{Action: model.AuditKeyAdded, ClientIP: "10.0.0.1", Success: true},
		{Action: model.AuditResetStats, ClientIP: "10.0.0.2", Success: true},
	}
	for _, e := range entries {
		if err := s.RecordAudit(e); err != nil {
			t.Fatalf("RecordAudit failed: %v", err)
		}
		if e.ID == 0 {
			t.Error("expected ID to be assigned")
		}
	}

	all, err := s.ListAudit(&model.AuditQuery{})
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	if all[0].ClientIP != "10.0.0.2" {
		t.Errorf("expected newest first, got %+v", all[0])
	}

	resets, _ := s.ListAudit(&model.AuditQuery{Action: model.AuditResetStats})
	if len(resets) != 2 {
		t.Fatalf("expected 2 reset entries, got %d", len(resets))
	}
	if resets[1].Success || resets[1].Detail != "bad credential" {
		t.Errorf("unexpected entry: %+v", resets[1])
	}

	page, _ := s.ListAudit(&model.AuditQuery{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].Action != model.AuditKeyAdded {
		t.Errorf("unexpected page: %+v", page)
	}
}

func TestCleanOldAudit(t *testing.T) {
	s := tempDB(t)
	s.RecordAudit(&model.AuditEntry{Action: model.AuditResetStats, Timestamp: time.Now().AddDate(0, 0, -40)})
	s.RecordAudit(&model.AuditEntry{Action: model.AuditResetStats})

	n, err := s.CleanOldAudit(30)
	if err != nil {
		t.Fatalf("CleanOldAudit failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row removed, got %d", n)
	}
}
