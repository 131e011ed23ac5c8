package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level 日志级别
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel 解析级别（不区分大小写），未知值按 info 处理
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger 分级 key/value 日志，每行写入 out，设置了缓冲时同时写入缓冲
type Logger struct {
	mu        sync.RWMutex
	level     Level
	out       io.Writer
	tee       *Buffer
	component string
	parent    *Logger
}

var defaultLogger = &Logger{
	level: LevelInfo,
	out:   os.Stdout,
}

// Default 包级默认 logger
func Default() *Logger {
	return defaultLogger
}

// Named 带组件前缀的子 logger，共享父级的级别、输出和缓冲
func (l *Logger) Named(component string) *Logger {
	root := l.root()
	if l.component != "" {
		component = l.component + "." + component
	}
	return &Logger{component: component, parent: root}
}

func (l *Logger) root() *Logger {
	if l.parent != nil {
		return l.parent
	}
	return l
}

// SetLevel 设置最低级别
func (l *Logger) SetLevel(level Level) {
	r := l.root()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.level = level
}

// SetOutput 设置输出
func (l *Logger) SetOutput(w io.Writer) {
	r := l.root()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = w
}

// SetBuffer 设置内存缓冲，nil 表示关闭
func (l *Logger) SetBuffer(b *Buffer) {
	r := l.root()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tee = b
}

// Buffer 当前缓冲
func (l *Logger) Buffer() *Buffer {
	r := l.root()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tee
}

func (l *Logger) emit(level Level, line string) {
	r := l.root()
	r.mu.RLock()
	enabled := level >= r.level
	out, tee := r.out, r.tee
	r.mu.RUnlock()
	if !enabled {
		return
	}
	if tee != nil {
		tee.Append(line)
	}
	if out != nil {
		_, _ = io.WriteString(out, line+"\n")
	}
}

func (l *Logger) prefix(level Level) string {
	ts := time.Now().Format(timeLayout)
	if l.component != "" {
		return fmt.Sprintf("%s [%s] %s: ", ts, level, l.component)
	}
	return fmt.Sprintf("%s [%s] ", ts, level)
}

func (l *Logger) logf(level Level, format string, args ...any) {
	l.emit(level, l.prefix(level)+fmt.Sprintf(format, args...))
}

func (l *Logger) log(level Level, msg string, kvs ...any) {
	var b strings.Builder
	b.WriteString(l.prefix(level))
	b.WriteString(msg)
	for i := 0; i+1 < len(kvs); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kvs[i], kvs[i+1])
	}
	if len(kvs)%2 == 1 {
		fmt.Fprintf(&b, " %v=?", kvs[len(kvs)-1])
	}
	l.emit(level, b.String())
}

// Debug 调试日志
func (l *Logger) Debug(msg string, kvs ...any) { l.log(LevelDebug, msg, kvs...) }

// Info 信息日志
func (l *Logger) Info(msg string, kvs ...any) { l.log(LevelInfo, msg, kvs...) }

// Warn 警告日志
func (l *Logger) Warn(msg string, kvs ...any) { l.log(LevelWarn, msg, kvs...) }

// Error 错误日志
func (l *Logger) Error(msg string, kvs ...any) { l.log(LevelError, msg, kvs...) }

func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }
func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }

// Configure 设置默认 logger 的级别并安装保存最近 bufferLines 行的缓冲
func Configure(level string, bufferLines int) *Buffer {
	buf := NewBuffer(bufferLines)
	defaultLogger.SetLevel(ParseLevel(level))
	defaultLogger.SetBuffer(buf)
	return buf
}

// 包级便捷函数

func SetLevel(level Level)              { defaultLogger.SetLevel(level) }
func Named(component string) *Logger    { return defaultLogger.Named(component) }
func Debug(msg string, kvs ...any)      { defaultLogger.Debug(msg, kvs...) }
func Info(msg string, kvs ...any)       { defaultLogger.Info(msg, kvs...) }
func Warn(msg string, kvs ...any)       { defaultLogger.Warn(msg, kvs...) }
func Error(msg string, kvs ...any)      { defaultLogger.Error(msg, kvs...) }
func Infof(format string, args ...any)  { defaultLogger.Infof(format, args...) }
func Warnf(format string, args ...any)  { defaultLogger.Warnf(format, args...) }
func Errorf(format string, args ...any) { defaultLogger.Errorf(format, args...) }
func Debugf(format string, args ...any) { defaultLogger.Debugf(format, args...) }
