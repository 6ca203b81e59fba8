// Package migration 管理向量库布局的版本化迁移：注册表、状态机执行器以及具体迁移。
//
// 每个迁移的状态只能沿 PENDING -> RUNNING -> {APPLIED | FAILED} 前进，
// 回滚沿 APPLIED/FAILED -> RUNNING -> {PENDING | FAILED}。状态保存在 schema_migrations 表中。
package migration

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"doc-chat-go/internal/model"
	"doc-chat-go/pkg/log"
)

// Migration 是一个版本化、可回滚、可预览的迁移。Up 必须可以在部分失败后重新执行：
// 每次都根据存储的当前状态推导剩余工作。
type Migration struct {
	Version int
	Name    string
	Up      func(ctx context.Context, rec *Recorder) error
	Down    func(ctx context.Context, rec *Recorder) error
	// DryRun 只读取存储，不产生任何副作用。
	DryRun func(ctx context.Context) (Preview, error)
}

// PreviewItem 是预览中的一项，按插入顺序输出。
type PreviewItem struct {
	Key   string
	Value interface{}
}

// Preview 是 DryRun 的结果。
type Preview struct {
	Version int
	Name    string
	Items   []PreviewItem
}

// Add 追加一项。
func (p *Preview) Add(key string, value interface{}) {
	p.Items = append(p.Items, PreviewItem{Key: key, Value: value})
}

// Get 按 key 查找预览项。
func (p Preview) Get(key string) (interface{}, bool) {
	for _, it := range p.Items {
		if it.Key == key {
			return it.Value, true
		}
	}
	return nil, false
}

func (p Preview) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "DRY RUN: Migration %d - %s\n", p.Version, p.Name)
	for _, it := range p.Items {
		fmt.Fprintf(&b, "  %s: %v\n", it.Key, it.Value)
	}
	return b.String()
}

// MigrationError 携带失败迁移的上下文，同时匹配 model.ErrMigrationFailed 与底层错误。
type MigrationError struct {
	Version int
	Name    string
	Op      string // "up" 或 "down"
	Err     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %d (%s) %s failed: %v", e.Version, e.Name, e.Op, e.Err)
}

func (e *MigrationError) Unwrap() []error {
	return []error{model.ErrMigrationFailed, e.Err}
}

// Recorder 收集迁移过程中的日志，结束后写入 schema_migrations.log。
type Recorder struct {
	lines []string
}

func (r *Recorder) add(level, format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	r.lines = append(r.lines, fmt.Sprintf("[%s] [%s] %s", time.Now().Format("2006-01-02 15:04:05"), level, msg))
	return msg
}

// Infof 记录一条进度日志。
func (r *Recorder) Infof(format string, args ...interface{}) {
	log.Infof("[MigrationRunner] %s", r.add("INFO", format, args...))
}

// Warnf 记录一条警告。
func (r *Recorder) Warnf(format string, args ...interface{}) {
	log.Warnf("[MigrationRunner] %s", r.add("WARNING", format, args...))
}

// Errorf 记录一条错误。
func (r *Recorder) Errorf(format string, args ...interface{}) {
	log.Errorf("[MigrationRunner] %s", r.add("ERROR", format, args...))
}

// String 返回全部日志。
func (r *Recorder) String() string {
	return strings.Join(r.lines, "\n")
}

// Registry 是按版本升序排列的迁移集合。
type Registry struct {
	migrations []Migration
}

// NewRegistry 校验并注册迁移：版本必须为正且唯一，Up/Down/DryRun 都必须提供。
func NewRegistry(ms ...Migration) (*Registry, error) {
	seen := make(map[int]bool, len(ms))
	for _, m := range ms {
		if m.Version <= 0 {
			return nil, fmt.Errorf("migration %q has non-positive version %d", m.Name, m.Version)
		}
		if seen[m.Version] {
			return nil, fmt.Errorf("duplicate migration version %d", m.Version)
		}
		if m.Up == nil || m.Down == nil || m.DryRun == nil {
			return nil, fmt.Errorf("migration %d (%s) must define up, down and dry-run", m.Version, m.Name)
		}
		seen[m.Version] = true
	}
	sorted := append([]Migration(nil), ms...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	return &Registry{migrations: sorted}, nil
}

// All 返回按版本升序的全部迁移。
func (r *Registry) All() []Migration {
	return append([]Migration(nil), r.migrations...)
}

// Get 按版本查找迁移。
func (r *Registry) Get(version int) (Migration, bool) {
	for _, m := range r.migrations {
		if m.Version == version {
			return m, true
		}
	}
	return Migration{}, false
}
