package api

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaopang/keypulse/internal/logger"
	"github.com/xiaopang/keypulse/internal/model"
)

// RequestIDKey 请求 ID 在 gin.Context 中的键
const RequestIDKey = "request_id"

// AuthMiddleware API Key 认证中间件
func AuthMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 如果未设置 API Key，跳过认证
		if apiKey == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.AbortWithStatusJSON(401, model.NewError("authentication_error", "missing_api_key", "Missing Authorization header"))
			return
		}

		// 没有 Bearer 前缀时按原值处理
		token := strings.TrimPrefix(auth, "Bearer ")
		if token != apiKey {
			c.AbortWithStatusJSON(401, model.NewError("authentication_error", "invalid_api_key", "Invalid API key"))
			return
		}

		c.Next()
	}
}

// AdminMiddleware 管理密码校验（X-Admin-Password 头）
func AdminMiddleware(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v == nil || !v.Verify(c.GetHeader("X-Admin-Password")) {
			c.AbortWithStatusJSON(401, model.NewError("authentication_error", "invalid_admin_password", "Invalid admin password"))
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware 为每个请求分配 ID
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, X-Admin-Password")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// RecoveryMiddleware 恢复中间件
func RecoveryMiddleware() gin.HandlerFunc {
	log := logger.Named("http")
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error("panic recovered", "path", c.Request.URL.Path, "error", err)
				c.AbortWithStatusJSON(500, model.NewError("internal_error", "internal_error", "Internal server error"))
			}
		}()
		c.Next()
	}
}

// LoggerMiddleware 请求日志中间件
func LoggerMiddleware() gin.HandlerFunc {
	log := logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		// 仪表盘轮询过于频繁，只记 debug
		if path == "/api/dashboard-data" || path == "/metrics" {
			log.Debugf("%3d | %12v | %-7s %s", c.Writer.Status(), time.Since(start), c.Request.Method, path)
			return
		}
		log.Infof("%3d | %12v | %-7s %s | %s", c.Writer.Status(), time.Since(start), c.Request.Method, path, clientFamily(c.Request.Header))
	}
}

// Handlers 路由依赖
type Handlers struct {
	Proxy    *ProxyHandler
	Admin    *AdminHandler
	Gatherer prometheus.Gatherer
	APIKey   string
	Verifier Verifier
}

// SetupRouter 设置路由
func SetupRouter(h Handlers) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(RecoveryMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 代理 API（需要认证）
	v1 := r.Group("/v1")
	v1.Use(AuthMiddleware(h.APIKey))
	{
		v1.POST("/chat/completions", h.Proxy.ChatCompletions)
		v1.GET("/models", h.Proxy.ListModels)
	}

	// 仪表盘 API，重置统计由请求体中的密码保护
	api := r.Group("/api")
	{
		api.GET("/dashboard-data", h.Admin.DashboardData)
		api.GET("/dashboard/ws", h.Admin.DashboardStream)
		api.POST("/reset-stats", h.Admin.ResetStats)
		api.GET("/stats/buckets", h.Admin.Buckets)
	}

	// 管理 API（需要管理密码）
	admin := r.Group("/api/admin")
	admin.Use(AdminMiddleware(h.Verifier))
	{
		admin.GET("/keys", h.Admin.ListKeys)
		admin.POST("/keys", h.Admin.AddKey)
		admin.DELETE("/keys/:id", h.Admin.RemoveKey)
		admin.GET("/audit", h.Admin.ListAudit)
	}

	if h.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{})))
	}

	// 健康检查端点
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
