package api

import (
	"net/http"
	"strings"
)

// userAgentFamilies 按顺序匹配 User-Agent 子串
var userAgentFamilies = []struct{ substr, family string }{
	{"openai-python", "openai-python"},
	{"openai-node", "openai-node"},
	{"go-openai", "go-openai"},
	{"sillytavern", "sillytavern"},
	{"cherrystudio", "cherry-studio"},
	{"curl/", "curl"},
	{"mozilla/", "browser"},
}

// clientFamily 识别调用方，X-Client-Name 优先
func clientFamily(h http.Header) string {
	if v := strings.TrimSpace(h.Get("X-Client-Name")); v != "" {
		return strings.ToLower(v)
	}
	ua := strings.ToLower(h.Get("User-Agent"))
	for _, f := range userAgentFamilies {
		if strings.Contains(ua, f.substr) {
			return f.family
		}
	}
	return "unknown"
}
