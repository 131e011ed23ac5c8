package logger

import "sync"

const defaultBufferLines = 500

// Buffer 最近日志的定长环形缓冲，仪表盘 logs 字段的来源
type Buffer struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewBuffer 创建最多保存 size 行的缓冲
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = defaultBufferLines
	}
	return &Buffer{lines: make([]string, size)}
}

// Append 追加一行，满时覆盖最旧的
func (b *Buffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines[b.next] = line
	b.next = (b.next + 1) % len(b.lines)
	if b.next == 0 {
		b.full = true
	}
}

// Len 已保存行数
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.lines)
	}
	return b.next
}

// RecentLines 最新的至多 n 行，旧的在前；n <= 0 返回全部
func (b *Buffer) RecentLines(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := b.next
	if b.full {
		count = len(b.lines)
	}
	if n <= 0 || n > count {
		n = count
	}
	out := make([]string, 0, n)
	start := b.next - n
	if start < 0 {
		start += len(b.lines)
	}
	for i := 0; i < n; i++ {
		out = append(out, b.lines[(start+i)%len(b.lines)])
	}
	return out
}

// Reset 清空
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.lines {
		b.lines[i] = ""
	}
	b.next = 0
	b.full = false
}
