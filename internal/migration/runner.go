package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"doc-chat-go/internal/model"
	"doc-chat-go/pkg/lock"
	"doc-chat-go/pkg/log"
)

const runnerLockKey = "migration:runner"

// StateStore 持久化每个版本的状态，由 repository.MigrationRepository 实现。
// 没有记录的版本视为 PENDING。
type StateStore interface {
	List() ([]model.MigrationRecord, error)
	Get(version int) (*model.MigrationRecord, error)
	Save(rec *model.MigrationRecord) error
	Delete(version int) error
}

// Status 是单个迁移的状态。
type Status struct {
	Version   int
	Name      string
	State     string
	AppliedAt *time.Time
}

// Summary 是全部迁移的状态汇总。
type Summary struct {
	Total      int
	Applied    int
	Pending    int
	Failed     int
	Migrations []Status
}

// Runner 按版本顺序执行迁移并维护状态机。
type Runner struct {
	registry *Registry
	state    StateStore
	locker   lock.Locker
}

// NewRunner 创建执行器。locker 为 nil 时使用进程内锁，多个 CLI 进程同时执行需要传入 Redis 锁。
func NewRunner(registry *Registry, state StateStore, locker lock.Locker) *Runner {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &Runner{registry: registry, state: state, locker: locker}
}

func (r *Runner) states() (map[int]model.MigrationRecord, error) {
	records, err := r.state.List()
	if err != nil {
		return nil, fmt.Errorf("读取迁移状态失败: %w", err)
	}
	out := make(map[int]model.MigrationRecord, len(records))
	for _, rec := range records {
		out[rec.Version] = rec
	}
	return out, nil
}

func stateOf(states map[int]model.MigrationRecord, version int) string {
	if rec, ok := states[version]; ok {
		return rec.Status
	}
	return model.MigrationPending
}

// Status 返回全部已注册迁移的状态。
func (r *Runner) Status() (Summary, error) {
	states, err := r.states()
	if err != nil {
		return Summary{}, err
	}
	var s Summary
	for _, m := range r.registry.All() {
		st := Status{Version: m.Version, Name: m.Name, State: stateOf(states, m.Version)}
		if rec, ok := states[m.Version]; ok {
			st.AppliedAt = rec.AppliedAt
		}
		s.Total++
		switch st.State {
		case model.MigrationApplied:
			s.Applied++
		case model.MigrationFailed, model.MigrationRunning:
			// RUNNING 只会在进程中途退出后残留，按失败统计
			s.Failed++
		default:
			s.Pending++
		}
		s.Migrations = append(s.Migrations, st)
	}
	return s, nil
}

// DryRun 预览指定版本，任何状态下都可以调用且不改变状态。
func (r *Runner) DryRun(ctx context.Context, version int) (Preview, error) {
	m, ok := r.registry.Get(version)
	if !ok {
		return Preview{}, fmt.Errorf("migration %d is not registered", version)
	}
	p, err := m.DryRun(ctx)
	if err != nil {
		return Preview{}, fmt.Errorf("预览迁移 %d 失败: %w", version, err)
	}
	p.Version, p.Name = m.Version, m.Name
	return p, nil
}

// DryRunPending 预览所有尚未 APPLIED 的迁移。
func (r *Runner) DryRunPending(ctx context.Context) ([]Preview, error) {
	states, err := r.states()
	if err != nil {
		return nil, err
	}
	var out []Preview
	for _, m := range r.registry.All() {
		if stateOf(states, m.Version) == model.MigrationApplied {
			continue
		}
		p, err := r.DryRun(ctx, m.Version)
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Apply 执行指定版本。已 APPLIED 时为 no-op；任何更低版本未 APPLIED 时返回 model.ErrOutOfOrderMigration。
func (r *Runner) Apply(ctx context.Context, version int) error {
	unlock, err := r.locker.Lock(ctx, runnerLockKey)
	if err != nil {
		return fmt.Errorf("获取迁移锁失败: %w", err)
	}
	defer unlock()
	return r.apply(ctx, version)
}

func (r *Runner) apply(ctx context.Context, version int) error {
	m, ok := r.registry.Get(version)
	if !ok {
		return fmt.Errorf("migration %d is not registered", version)
	}
	states, err := r.states()
	if err != nil {
		return err
	}
	if stateOf(states, version) == model.MigrationApplied {
		log.Infof("[MigrationRunner] 迁移 %d (%s) 已执行，跳过", m.Version, m.Name)
		return nil
	}
	for _, prev := range r.registry.All() {
		if prev.Version >= version {
			break
		}
		if st := stateOf(states, prev.Version); st != model.MigrationApplied {
			return fmt.Errorf("%w: migration %d requires %d to be APPLIED, found %s",
				model.ErrOutOfOrderMigration, version, prev.Version, st)
		}
	}

	rec := &model.MigrationRecord{Version: m.Version, Name: m.Name, Status: model.MigrationRunning}
	if err := r.state.Save(rec); err != nil {
		return fmt.Errorf("保存迁移状态失败: %w", err)
	}

	log.Infof("[MigrationRunner] 开始执行迁移 %d: %s", m.Version, m.Name)
	recorder := &Recorder{}
	upErr := m.Up(ctx, recorder)
	rec.Log = recorder.String()
	if upErr != nil {
		rec.Status = model.MigrationFailed
		if err := r.state.Save(rec); err != nil {
			log.Errorf("[MigrationRunner] 保存失败状态出错: %v", err)
		}
		return &MigrationError{Version: m.Version, Name: m.Name, Op: "up", Err: upErr}
	}

	now := time.Now()
	rec.Status = model.MigrationApplied
	rec.AppliedAt = &now
	if err := r.state.Save(rec); err != nil {
		return fmt.Errorf("保存迁移状态失败: %w", err)
	}
	log.Infof("[MigrationRunner] 迁移 %d 执行成功", m.Version)
	return nil
}

// RunAll 按版本顺序执行所有未 APPLIED 的迁移，遇到第一个失败即停止。
func (r *Runner) RunAll(ctx context.Context) error {
	unlock, err := r.locker.Lock(ctx, runnerLockKey)
	if err != nil {
		return fmt.Errorf("获取迁移锁失败: %w", err)
	}
	defer unlock()

	states, err := r.states()
	if err != nil {
		return err
	}
	ran := 0
	for _, m := range r.registry.All() {
		if stateOf(states, m.Version) == model.MigrationApplied {
			continue
		}
		if err := r.apply(ctx, m.Version); err != nil {
			log.Errorf("[MigrationRunner] 迁移 %d 失败，停止后续迁移", m.Version)
			return err
		}
		ran++
	}
	if ran == 0 {
		log.Info("[MigrationRunner] 没有待执行的迁移")
	}
	return nil
}

// ErrNothingToRollback 表示没有 APPLIED 或 FAILED 的迁移可回滚。
var ErrNothingToRollback = errors.New("no applied migration to roll back")

// Rollback 回滚版本最高的非 PENDING 迁移。成功后该版本回到 PENDING，失败则标记为 FAILED。
func (r *Runner) Rollback(ctx context.Context) (int, error) {
	unlock, err := r.locker.Lock(ctx, runnerLockKey)
	if err != nil {
		return 0, fmt.Errorf("获取迁移锁失败: %w", err)
	}
	defer unlock()

	states, err := r.states()
	if err != nil {
		return 0, err
	}
	all := r.registry.All()
	var target *Migration
	for i := len(all) - 1; i >= 0; i-- {
		if stateOf(states, all[i].Version) != model.MigrationPending {
			target = &all[i]
			break
		}
	}
	if target == nil {
		return 0, ErrNothingToRollback
	}

	rec := states[target.Version]
	rec.Status = model.MigrationRunning
	if err := r.state.Save(&rec); err != nil {
		return 0, fmt.Errorf("保存迁移状态失败: %w", err)
	}

	log.Infof("[MigrationRunner] 开始回滚迁移 %d: %s", target.Version, target.Name)
	recorder := &Recorder{}
	downErr := target.Down(ctx, recorder)
	if downErr != nil {
		rec.Status = model.MigrationFailed
		rec.Log = recorder.String()
		if err := r.state.Save(&rec); err != nil {
			log.Errorf("[MigrationRunner] 保存失败状态出错: %v", err)
		}
		return target.Version, &MigrationError{Version: target.Version, Name: target.Name, Op: "down", Err: downErr}
	}
	if err := r.state.Delete(target.Version); err != nil {
		return target.Version, fmt.Errorf("清除迁移状态失败: %w", err)
	}
	log.Infof("[MigrationRunner] 迁移 %d 已回滚", target.Version)
	return target.Version, nil
}
