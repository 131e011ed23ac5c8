package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint 由模型名和可 JSON 编码的请求体生成确定的缓存键
func Fingerprint(model string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode fingerprint payload: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write(body)
	return "cache:exact:" + hex.EncodeToString(h.Sum(nil)), nil
}
