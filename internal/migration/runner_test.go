package migration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-chat-go/internal/model"
)

type memState struct {
	mu      sync.Mutex
	records map[int]model.MigrationRecord
}

func newMemState() *memState { return &memState{records: map[int]model.MigrationRecord{}} }

func (s *memState) List() ([]model.MigrationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.MigrationRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *memState) Get(version int) (*model.MigrationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[version]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *memState) Save(rec *model.MigrationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Version] = *rec
	return nil
}

func (s *memState) Delete(version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, version)
	return nil
}

func (s *memState) status(version int) string {
	rec, _ := s.Get(version)
	if rec == nil {
		return model.MigrationPending
	}
	return rec.Status
}

// counting 记录 up/down 调用次数，upErr/downErr 控制是否失败。
type counting struct {
	ups, downs int
	upErr      error
	downErr    error
}

func (c *counting) migration(version int) Migration {
	return Migration{
		Version: version,
		Name:    fmt.Sprintf("m%d", version),
		Up: func(ctx context.Context, rec *Recorder) error {
			c.ups++
			rec.Infof("up %d", version)
			return c.upErr
		},
		Down: func(ctx context.Context, rec *Recorder) error {
			c.downs++
			return c.downErr
		},
		DryRun: func(ctx context.Context) (Preview, error) {
			var p Preview
			p.Add("ups_so_far", c.ups)
			return p, nil
		},
	}
}

func TestRegistry_SortsAndValidates(t *testing.T) {
	a, b := &counting{}, &counting{}
	reg, err := NewRegistry(b.migration(2), a.migration(1))
	require.NoError(t, err)
	all := reg.All()
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[0].Version)
	assert.Equal(t, 2, all[1].Version)

	_, err = NewRegistry(a.migration(1), b.migration(1))
	assert.Error(t, err, "duplicate version")

	_, err = NewRegistry(a.migration(0))
	assert.Error(t, err)

	incomplete := a.migration(3)
	incomplete.Down = nil
	_, err = NewRegistry(incomplete)
	assert.Error(t, err)
}

func TestRunner_AppliesInOrderOnly(t *testing.T) {
	first, second := &counting{}, &counting{}
	reg, err := NewRegistry(first.migration(1), second.migration(2))
	require.NoError(t, err)
	state := newMemState()
	r := NewRunner(reg, state, nil)
	ctx := context.Background()

	err = r.Apply(ctx, 2)
	assert.ErrorIs(t, err, model.ErrOutOfOrderMigration)
	assert.Zero(t, second.ups)
	assert.Equal(t, model.MigrationPending, state.status(2))

	require.NoError(t, r.Apply(ctx, 1))
	require.NoError(t, r.Apply(ctx, 2))
	assert.Equal(t, model.MigrationApplied, state.status(1))
	assert.Equal(t, model.MigrationApplied, state.status(2))

	rec, _ := state.Get(1)
	require.NotNil(t, rec.AppliedAt)
	assert.Contains(t, rec.Log, "[INFO] up 1")
}

func TestRunner_ApplyIsNoOpWhenApplied(t *testing.T) {
	c := &counting{}
	reg, err := NewRegistry(c.migration(1))
	require.NoError(t, err)
	r := NewRunner(reg, newMemState(), nil)

	require.NoError(t, r.Apply(context.Background(), 1))
	require.NoError(t, r.Apply(context.Background(), 1))
	require.NoError(t, r.RunAll(context.Background()))
	assert.Equal(t, 1, c.ups)
}

func TestRunner_FailureMarksFailed(t *testing.T) {
	c := &counting{upErr: errors.New("store unreachable")}
	next := &counting{}
	reg, err := NewRegistry(c.migration(1), next.migration(2))
	require.NoError(t, err)
	state := newMemState()
	r := NewRunner(reg, state, nil)

	err = r.RunAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrMigrationFailed)
	var me *MigrationError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, 1, me.Version)
	assert.Equal(t, "up", me.Op)
	assert.Contains(t, err.Error(), "store unreachable")

	assert.Equal(t, model.MigrationFailed, state.status(1))
	assert.Zero(t, next.ups, "later migrations do not run")

	sum, err := r.Status()
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 2, Failed: 1, Pending: 1, Migrations: sum.Migrations}, sum)

	// 修复后重新执行
	c.upErr = nil
	require.NoError(t, r.RunAll(context.Background()))
	assert.Equal(t, model.MigrationApplied, state.status(1))
	assert.Equal(t, model.MigrationApplied, state.status(2))
}

func TestRunner_RollbackHighestFirst(t *testing.T) {
	first, second := &counting{}, &counting{}
	reg, err := NewRegistry(first.migration(1), second.migration(2))
	require.NoError(t, err)
	state := newMemState()
	r := NewRunner(reg, state, nil)
	ctx := context.Background()

	_, err = r.Rollback(ctx)
	assert.ErrorIs(t, err, ErrNothingToRollback)

	require.NoError(t, r.RunAll(ctx))
	v, err := r.Rollback(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, second.downs)
	assert.Zero(t, first.downs)
	assert.Equal(t, model.MigrationPending, state.status(2))
	assert.Equal(t, model.MigrationApplied, state.status(1))

	first.downErr = errors.New("boom")
	v, err = r.Rollback(ctx)
	assert.Equal(t, 1, v)
	assert.ErrorIs(t, err, model.ErrMigrationFailed)
	assert.Equal(t, model.MigrationFailed, state.status(1))

	// FAILED 的迁移同样可以再次回滚
	first.downErr = nil
	_, err = r.Rollback(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.MigrationPending, state.status(1))
}

func TestRunner_DryRunHasNoStateChange(t *testing.T) {
	c := &counting{}
	reg, err := NewRegistry(c.migration(1))
	require.NoError(t, err)
	state := newMemState()
	r := NewRunner(reg, state, nil)

	previews, err := r.DryRunPending(context.Background())
	require.NoError(t, err)
	require.Len(t, previews, 1)
	assert.Equal(t, 1, previews[0].Version)
	assert.Contains(t, previews[0].String(), "ups_so_far: 0")
	assert.Zero(t, c.ups)
	assert.Equal(t, model.MigrationPending, state.status(1))

	_, err = r.DryRun(context.Background(), 9)
	assert.Error(t, err)
}
