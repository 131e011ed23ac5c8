package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/xiaopang/keypulse/internal/core"
	"github.com/xiaopang/keypulse/internal/dashboard"
	"github.com/xiaopang/keypulse/internal/logger"
	"github.com/xiaopang/keypulse/internal/metrics"
	"github.com/xiaopang/keypulse/internal/model"
	"github.com/xiaopang/keypulse/internal/timewindow"
)

// Verifier 管理密码校验
type Verifier interface {
	Verify(password string) bool
}

// AuditStore 审计日志存储
type AuditStore interface {
	RecordAudit(e *model.AuditEntry) error
	ListAudit(query *model.AuditQuery) ([]*model.AuditEntry, error)
}

// BucketReader 按时间桶读取调用统计
type BucketReader interface {
	Totals(g timewindow.Granularity) map[string]int
	QueryTotal(g timewindow.Granularity, since time.Time) int
}

// ConcurrencyReader 单个密钥的并发状态
type ConcurrencyReader interface {
	PendingFor(apiKey string) int
	SuggestedConcurrency(apiKey string) int
}

// AdminOptions 管理处理器依赖
type AdminOptions struct {
	Builder     *dashboard.Builder
	Pool        *core.KeyPool
	Audit       AuditStore
	Buckets     BucketReader
	Concurrency ConcurrencyReader
	Recorder    *metrics.Recorder
	// OnKeyRemoved 密钥删除后回调（如释放上游客户端）
	OnKeyRemoved func(key string)
	// PushInterval 仪表盘 websocket 推送间隔
	PushInterval time.Duration
}

// AdminHandler 仪表盘与管理 API 处理器
type AdminHandler struct {
	opts AdminOptions
	log  *logger.Logger
}

// NewAdminHandler 创建管理处理器
func NewAdminHandler(opts AdminOptions) *AdminHandler {
	if opts.PushInterval <= 0 {
		opts.PushInterval = 5 * time.Second
	}
	return &AdminHandler{opts: opts, log: logger.Named("admin")}
}

// === 仪表盘 ===

// DashboardData 返回仪表盘快照
func (h *AdminHandler) DashboardData(c *gin.Context) {
	c.JSON(200, h.opts.Builder.Build())
}

// ResetStats 校验密码后重置调用统计
func (h *AdminHandler) ResetStats(c *gin.Context) {
	var body any
	if err := json.NewDecoder(c.Request.Body).Decode(&body); err != nil {
		c.JSON(422, model.NewError("invalid_request_error", "invalid_body", "Request body must be a JSON object"))
		return
	}
	obj, ok := body.(map[string]any)
	if !ok {
		c.JSON(422, model.NewError("invalid_request_error", "invalid_body", "Request body must be a JSON object"))
		return
	}

	raw := obj["password"]
	if falsy(raw) {
		c.JSON(400, model.NewError("invalid_request_error", "missing_password", "Missing password"))
		return
	}
	password, ok := raw.(string)
	if !ok {
		c.JSON(422, model.NewError("invalid_request_error", "invalid_password_type", "Password must be a string"))
		return
	}

	err := h.opts.Builder.Reset(password)
	h.audit(c, model.AuditResetStats, err == nil, "")

	switch {
	case err == nil:
		h.countReset("success")
		c.JSON(200, gin.H{"status": "success", "message": "API call statistics have been reset"})
	case errors.Is(err, dashboard.ErrUnauthorized):
		h.countReset("unauthorized")
		c.JSON(401, model.NewError("authentication_error", "invalid_password", "Invalid password"))
	default:
		h.countReset("error")
		c.JSON(500, model.NewError("internal_error", "reset_failed", "Reset failed: "+err.Error()))
	}
}

// falsy 缺失、null、空串、false、0 以及空集合都视为未提供
func falsy(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case bool:
		return !x
	case float64:
		return x == 0
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}

func (h *AdminHandler) countReset(result string) {
	if h.opts.Recorder != nil {
		h.opts.Recorder.Resets.WithLabelValues(result).Inc()
	}
}

func (h *AdminHandler) audit(c *gin.Context, action model.AuditAction, success bool, detail string) {
	if h.opts.Audit == nil {
		return
	}
	entry := &model.AuditEntry{
		Timestamp: time.Now(),
		Action:    action,
		ClientIP:  c.ClientIP(),
		Success:   success,
		Detail:    detail,
	}
	if err := h.opts.Audit.RecordAudit(entry); err != nil {
		h.log.Warn("record audit failed", "action", action, "error", err)
	}
}

// DashboardStream 通过 websocket 定时推送仪表盘快照
func (h *AdminHandler) DashboardStream(c *gin.Context) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(req *http.Request) bool {
			origin := strings.TrimSpace(req.Header.Get("Origin"))
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return strings.EqualFold(u.Host, req.Host)
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	// 只用读循环感知断开
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	push := time.NewTicker(h.opts.PushInterval)
	defer push.Stop()
	ping := time.NewTicker(25 * time.Second)
	defer ping.Stop()

	if err := conn.WriteJSON(h.opts.Builder.Build()); err != nil {
		return
	}
	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-push.C:
			if err := conn.WriteJSON(h.opts.Builder.Build()); err != nil {
				return
			}
		}
	}
}

type bucketView struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// Buckets 返回某一粒度下的时间桶统计
func (h *AdminHandler) Buckets(c *gin.Context) {
	g, ok := timewindow.ParseGranularity(c.DefaultQuery("granularity", "hourly"))
	if !ok {
		c.JSON(400, model.NewError("invalid_request_error", "invalid_granularity", "granularity must be minute, hourly or last_24h"))
		return
	}

	var since time.Time
	if s := c.Query("since"); s != "" {
		b, ok := timewindow.ParseLabel(s, g)
		if !ok {
			c.JSON(400, model.NewError("invalid_request_error", "invalid_since", "since does not match the bucket label format"))
			return
		}
		since = b.Time()
	}

	buckets := make([]bucketView, 0)
	for label, n := range h.opts.Buckets.Totals(g) {
		if b, ok := timewindow.ParseLabel(label, g); ok && b.Time().Before(since) {
			continue
		}
		buckets = append(buckets, bucketView{Label: label, Count: n})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Label < buckets[j].Label })

	c.JSON(200, gin.H{
		"granularity": g.String(),
		"total":       h.opts.Buckets.QueryTotal(g, since),
		"buckets":     buckets,
	})
}

// === 密钥管理 ===

// ListKeys 列出密钥（不含明文）
func (h *AdminHandler) ListKeys(c *gin.Context) {
	keys := h.opts.Pool.List()
	resp := make([]model.KeyView, 0, len(keys))
	for _, k := range keys {
		v := model.KeyView{
			ID:        k.ID,
			Name:      k.Name,
			Origin:    k.Origin,
			Enabled:   k.Enabled,
			CreatedAt: k.CreatedAt,
		}
		if h.opts.Concurrency != nil {
			v.Pending = h.opts.Concurrency.PendingFor(k.Key)
			v.SuggestedConcurrency = h.opts.Concurrency.SuggestedConcurrency(k.Key)
		}
		resp = append(resp, v)
	}
	c.JSON(200, gin.H{"data": resp})
}

// AddKey 添加密钥
func (h *AdminHandler) AddKey(c *gin.Context) {
	var req struct {
		Key  string `json:"key" binding:"required"`
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, model.NewError("invalid_request_error", "", "Invalid request: "+err.Error()))
		return
	}

	k, err := h.opts.Pool.Add(strings.TrimSpace(req.Key), req.Name)
	if err != nil {
		h.audit(c, model.AuditKeyAdded, false, err.Error())
		if errors.Is(err, core.ErrKeyDuplicate) {
			c.JSON(409, model.NewError("invalid_request_error", "duplicate_key", "Key already exists"))
			return
		}
		c.JSON(500, model.NewError("internal_error", "", err.Error()))
		return
	}
	h.audit(c, model.AuditKeyAdded, true, k.ID)
	h.log.Info("api key added", "id", k.ID)

	c.JSON(201, gin.H{"data": model.KeyView{
		ID:        k.ID,
		Name:      k.Name,
		Origin:    k.Origin,
		Enabled:   k.Enabled,
		CreatedAt: k.CreatedAt,
	}})
}

// RemoveKey 删除管理接口添加的密钥
func (h *AdminHandler) RemoveKey(c *gin.Context) {
	id := c.Param("id")

	removed, err := h.opts.Pool.Remove(id)
	if err != nil {
		h.audit(c, model.AuditKeyRemoved, false, id)
		switch {
		case errors.Is(err, core.ErrKeyNotFound):
			c.JSON(404, model.NewError("not_found_error", "", "Key not found"))
		case errors.Is(err, core.ErrKeyReadOnly):
			c.JSON(409, model.NewError("invalid_request_error", "read_only_key", "Keys from the config file cannot be removed"))
		case errors.Is(err, core.ErrKeyAmbiguous):
			c.JSON(409, model.NewError("invalid_request_error", "ambiguous_key_id", "Key id matches more than one key, use the full key"))
		default:
			c.JSON(500, model.NewError("internal_error", "", err.Error()))
		}
		return
	}
	h.audit(c, model.AuditKeyRemoved, true, id)
	if h.opts.OnKeyRemoved != nil {
		h.opts.OnKeyRemoved(removed.Key)
	}
	c.JSON(200, gin.H{"message": "Key deleted"})
}

// === 审计 ===

// ListAudit 查询审计记录
func (h *AdminHandler) ListAudit(c *gin.Context) {
	var query model.AuditQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(400, model.NewError("invalid_request_error", "", "Invalid query: "+err.Error()))
		return
	}
	if h.opts.Audit == nil {
		c.JSON(200, gin.H{"data": []*model.AuditEntry{}})
		return
	}
	entries, err := h.opts.Audit.ListAudit(&query)
	if err != nil {
		c.JSON(500, model.NewError("internal_error", "", err.Error()))
		return
	}
	c.JSON(200, gin.H{"data": entries})
}
