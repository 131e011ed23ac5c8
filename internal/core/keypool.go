package core

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xiaopang/keypulse/internal/model"
	"github.com/xiaopang/keypulse/internal/store"
	"github.com/xiaopang/keypulse/internal/usage"
)

// 错误定义
var (
	ErrNoKeys       = errors.New("no api keys available")
	ErrKeyNotFound  = store.ErrKeyNotFound
	ErrKeyDuplicate = errors.New("api key already in pool")
	ErrKeyReadOnly  = errors.New("api key comes from config and cannot be removed")
	ErrKeyAmbiguous = errors.New("api key id matches more than one key")
)

// KeyStore 密钥持久化接口
type KeyStore interface {
	SaveKey(k *model.APIKey) error
	ListKeys() ([]*model.APIKey, error)
	DeleteKey(key string) error
}

// KeyPool 有序密钥池：配置中的密钥在前，管理接口添加的密钥按添加顺序在后
type KeyPool struct {
	mu    sync.RWMutex
	keys  []*model.APIKey
	index map[string]*model.APIKey
	store KeyStore
}

// NewKeyPool 创建密钥池，store 可为 nil（仅内存）
func NewKeyPool(s KeyStore) *KeyPool {
	return &KeyPool{
		index: make(map[string]*model.APIKey),
		store: s,
	}
}

// LoadFromConfig 加载配置中的密钥，重复项忽略
func (p *KeyPool) LoadFromConfig(keys []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := p.index[k]; ok {
			continue
		}
		p.appendLocked(&model.APIKey{
			Key:       k,
			Name:      "config",
			Origin:    model.KeyOriginConfig,
			Enabled:   true,
			CreatedAt: now,
		})
	}
}

// Load 从存储加载管理接口添加的密钥
func (p *KeyPool) Load() error {
	if p.store == nil {
		return nil
	}
	keys, err := p.store.ListKeys()
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range keys {
		if _, ok := p.index[k.Key]; ok {
			continue
		}
		p.appendLocked(k)
	}
	return nil
}

func (p *KeyPool) appendLocked(k *model.APIKey) {
	k.ID = usage.KeyID(k.Key)
	p.keys = append(p.keys, k)
	p.index[k.Key] = k
}

// Add 添加密钥并持久化
func (p *KeyPool) Add(key, name string) (*model.APIKey, error) {
	if key == "" {
		return nil, errors.New("empty api key")
	}
	k := &model.APIKey{
		Key:       key,
		Name:      name,
		Origin:    model.KeyOriginAdmin,
		Enabled:   true,
		CreatedAt: time.Now(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.index[key]; ok {
		return nil, ErrKeyDuplicate
	}
	if p.store != nil {
		if err := p.store.SaveKey(k); err != nil {
			return nil, fmt.Errorf("save key: %w", err)
		}
	}
	p.appendLocked(k)
	return k, nil
}

// Remove 按明文或 ID 删除管理接口添加的密钥，返回被删除的记录。
// ID 只是前 8 位，可能重复：明文优先，ID 命中多个时返回 ErrKeyAmbiguous。
func (p *KeyPool) Remove(keyOrID string) (model.APIKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, err := p.findLocked(keyOrID)
	if err != nil {
		return model.APIKey{}, err
	}
	k := p.keys[pos]
	if k.Origin == model.KeyOriginConfig {
		return model.APIKey{}, ErrKeyReadOnly
	}
	if p.store != nil {
		if err := p.store.DeleteKey(k.Key); err != nil {
			return model.APIKey{}, fmt.Errorf("delete key: %w", err)
		}
	}
	p.keys = append(p.keys[:pos], p.keys[pos+1:]...)
	delete(p.index, k.Key)
	return *k, nil
}

func (p *KeyPool) findLocked(keyOrID string) (int, error) {
	if k, ok := p.index[keyOrID]; ok {
		for i := range p.keys {
			if p.keys[i] == k {
				return i, nil
			}
		}
	}
	pos := -1
	for i, k := range p.keys {
		if k.ID != keyOrID {
			continue
		}
		if pos >= 0 {
			return -1, ErrKeyAmbiguous
		}
		pos = i
	}
	if pos < 0 {
		return -1, ErrKeyNotFound
	}
	return pos, nil
}

// Keys 返回启用密钥的明文，保持池顺序
func (p *KeyPool) Keys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.keys))
	for _, k := range p.keys {
		if k.Enabled {
			out = append(out, k.Key)
		}
	}
	return out
}

// List 返回全部密钥记录的副本
func (p *KeyPool) List() []model.APIKey {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]model.APIKey, 0, len(p.keys))
	for _, k := range p.keys {
		out = append(out, *k)
	}
	return out
}

// Count 启用密钥数量
func (p *KeyPool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, k := range p.keys {
		if k.Enabled {
			n++
		}
	}
	return n
}
