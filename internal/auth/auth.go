package auth

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Verifier 管理密码校验器，配置值可以是 bcrypt 哈希或明文
type Verifier struct {
	secret string
	hashed bool
}

// NewVerifier 创建校验器，secret 为空时拒绝所有密码
func NewVerifier(secret string) *Verifier {
	secret = strings.TrimSpace(secret)
	return &Verifier{secret: secret, hashed: IsHash(secret)}
}

// IsHash s 是否为 bcrypt 哈希
func IsHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// Verify 校验密码
func (v *Verifier) Verify(password string) bool {
	if v == nil || v.secret == "" || password == "" {
		return false
	}
	if v.hashed {
		return bcrypt.CompareHashAndPassword([]byte(v.secret), []byte(password)) == nil
	}
	return safeEqual(v.secret, password)
}

// Configured 是否设置了管理密码
func (v *Verifier) Configured() bool {
	return v != nil && v.secret != ""
}

// Hash 生成写入配置文件的 bcrypt 哈希
func Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func safeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
