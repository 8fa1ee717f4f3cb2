package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hedgehog/gitops-sync/internal/config"
	"github.com/hedgehog/gitops-sync/internal/execx"
	"github.com/hedgehog/gitops-sync/internal/gitrepo"
	"github.com/hedgehog/gitops-sync/internal/report"
	"github.com/hedgehog/gitops-sync/internal/telemetry"
)

type fakeGitRunner struct {
	commit string
	mu     sync.Mutex
	calls  int
}

func (f *fakeGitRunner) Run(ctx context.Context, binary string, args []string, opts execx.Options) (*execx.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if len(args) > 0 && args[0] == "rev-parse" {
		return &execx.Result{Stdout: f.commit + "\n"}, nil
	}
	return &execx.Result{}, nil
}

type fakeSyncer struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (f *fakeSyncer) Sync(ctx context.Context, app config.Application) *report.SyncResult {
	f.mu.Lock()
	f.calls = append(f.calls, app.ID)
	f.mu.Unlock()

	r := report.NewSyncResult(app.ID, app.Namespace)
	r.Action = report.ActionUpgrade
	r.Success = !f.fail[app.ID]
	if !r.Success {
		r.Error = "simulated failure"
	}
	return r.Seal()
}

type fakePublisher struct {
	mu       sync.Mutex
	results  []*report.SyncResult
	summaries []*report.CycleSummary
}

func (f *fakePublisher) PublishResult(cycleID string, r *report.SyncResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, r)
}

func (f *fakePublisher) PublishSummary(cycleID string, c *report.CycleSummary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, c)
}

func newTestEngine(t *testing.T, cfg *config.Config, syncer Syncer, pub Publisher) (*Engine, *fakeGitRunner) {
	t.Helper()
	runner := &fakeGitRunner{commit: "commit-1"}
	ws := gitrepo.New(runner, "https://example.com/repo.git", "main", "/tmp/ws")
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{})
	require.NoError(t, err)
	metrics := telemetry.NewMetrics()

	opts := []Option{}
	if pub != nil {
		opts = append(opts, WithPublisher(pub))
	}
	return New(cfg, ws, syncer, report.New(), metrics, tracer, opts...), runner
}

func twoAppConfig() *config.Config {
	return &config.Config{
		Sync: config.Sync{Concurrency: 2},
		Applications: []config.Application{
			{ID: "web", Namespace: "prod", Enabled: true, AutoSync: true},
			{ID: "worker", Namespace: "prod", Enabled: true, AutoSync: true},
		},
	}
}

func TestRunCycle_SchedulesEveryApplication(t *testing.T) {
	syncer := &fakeSyncer{fail: map[string]bool{}}
	pub := &fakePublisher{}
	eng, _ := newTestEngine(t, twoAppConfig(), syncer, pub)

	summary, ran, err := eng.RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	require.NotNil(t, summary)

	assert.ElementsMatch(t, []string{"web", "worker"}, syncer.calls)
	ok, failed, skipped := summary.Counts()
	assert.Equal(t, 2, ok)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 0, skipped)
	assert.Len(t, pub.summaries, 1)
	assert.Len(t, pub.results, 2)
}

func TestRunCycle_SkipsUnchangedCommit(t *testing.T) {
	syncer := &fakeSyncer{fail: map[string]bool{}}
	eng, runner := newTestEngine(t, twoAppConfig(), syncer, nil)

	_, ran, err := eng.RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	require.Len(t, syncer.calls, 2)

	summary, ran, err := eng.RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	assert.True(t, summary.SkippedForUnchanged)
	assert.Len(t, syncer.calls, 2, "second cycle must not re-schedule any application")
	assert.GreaterOrEqual(t, runner.calls, 6, "second cycle still refreshes the workspace")
}

func TestRunCycle_DropsOverlappingTick(t *testing.T) {
	syncer := &fakeSyncer{fail: map[string]bool{}}
	eng, _ := newTestEngine(t, twoAppConfig(), syncer, nil)

	eng.state.set(phaseScheduling) // simulate a cycle already in progress

	summary, ran, err := eng.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Nil(t, summary)
}

func TestRunCycle_AggregatesFailures(t *testing.T) {
	syncer := &fakeSyncer{fail: map[string]bool{"worker": true}}
	eng, _ := newTestEngine(t, twoAppConfig(), syncer, nil)

	summary, ran, err := eng.RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	ok, failed, _ := summary.Counts()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)
}

func TestRunCycle_ConcurrencyBound(t *testing.T) {
	cfg := &config.Config{
		Sync: config.Sync{Concurrency: 1},
		Applications: []config.Application{
			{ID: "a", Namespace: "ns", Enabled: true, AutoSync: true},
			{ID: "b", Namespace: "ns", Enabled: true, AutoSync: true},
			{ID: "c", Namespace: "ns", Enabled: true, AutoSync: true},
		},
	}

	blocking := newBlockingSyncer()
	eng, _ := newTestEngine(t, cfg, blocking, nil)

	_, ran, err := eng.RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	assert.LessOrEqual(t, blocking.maxConcurrent, 1)
}

// blockingSyncer records the maximum number of Sync calls observed running
// at once, to verify the engine never exceeds Sync.Concurrency in-flight.
type blockingSyncer struct {
	mu            sync.Mutex
	current       int
	maxConcurrent int
}

func newBlockingSyncer() *blockingSyncer { return &blockingSyncer{} }

func (b *blockingSyncer) Sync(ctx context.Context, app config.Application) *report.SyncResult {
	b.mu.Lock()
	b.current++
	if b.current > b.maxConcurrent {
		b.maxConcurrent = b.current
	}
	b.mu.Unlock()

	time.Sleep(10 * time.Millisecond)

	b.mu.Lock()
	b.current--
	b.mu.Unlock()

	r := report.NewSyncResult(app.ID, app.Namespace)
	r.Action = report.ActionUpgrade
	r.Success = true
	return r.Seal()
}
