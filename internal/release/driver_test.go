package release

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/hedgehog/gitops-sync/internal/config"
	"github.com/hedgehog/gitops-sync/internal/execx"
	"github.com/hedgehog/gitops-sync/internal/health"
	"github.com/hedgehog/gitops-sync/internal/report"
)

// fakeRunner records every invocation and resolves canned results keyed by
// the first argv element (the helm subcommand).
type fakeRunner struct {
	results map[string]*execx.Result
	errs    map[string]error
	calls   []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{results: map[string]*execx.Result{}, errs: map[string]error{}}
}

func (f *fakeRunner) Run(ctx context.Context, binary string, args []string, opts execx.Options) (*execx.Result, error) {
	sub := ""
	if len(args) > 0 {
		sub = args[0]
	}
	f.calls = append(f.calls, sub)
	if err, ok := f.errs[sub]; ok {
		return nil, err
	}
	if res, ok := f.results[sub]; ok {
		return res, nil
	}
	return &execx.Result{}, nil
}

func testConfig(autoRollback, dryRun bool) *config.Config {
	return &config.Config{
		Sync: config.Sync{Concurrency: 1, AutoRollback: autoRollback, DryRun: dryRun},
	}
}

func testApp() config.Application {
	return config.Application{ID: "web", Namespace: "prod", Path: "charts/web", Enabled: true, AutoSync: true}
}

func newTestDriver(t *testing.T, runner *fakeRunner, cfg *config.Config) *Driver {
	t.Helper()
	clientset := fake.NewSimpleClientset()
	prober := health.New(clientset, report.New())
	return New(runner, prober, "/workspace", cfg, report.New())
}

func TestSync_SkipsWhenDisabled(t *testing.T) {
	runner := newFakeRunner()
	d := newTestDriver(t, runner, testConfig(false, false))

	app := testApp()
	app.Enabled = false

	result := d.Sync(context.Background(), app)
	assert.True(t, result.Success)
	assert.Equal(t, report.ActionSkip, result.Action)
	assert.Empty(t, runner.calls)
}

func TestSync_InstallsWhenNoPriorRelease(t *testing.T) {
	runner := newFakeRunner()
	runner.errs["status"] = assertErr{}
	cfg := testConfig(false, false)
	cfg.HealthCheck.Enabled = false
	d := newTestDriver(t, runner, cfg)

	result := d.Sync(context.Background(), testApp())
	require.True(t, result.Success)
	assert.Equal(t, report.ActionInstall, result.Action)
	assert.Contains(t, runner.calls, "install")
}

func TestSync_UpgradesWhenPriorReleaseExists(t *testing.T) {
	runner := newFakeRunner()
	cfg := testConfig(false, false)
	cfg.HealthCheck.Enabled = false
	d := newTestDriver(t, runner, cfg)

	result := d.Sync(context.Background(), testApp())
	require.True(t, result.Success)
	assert.Equal(t, report.ActionUpgrade, result.Action)
	assert.Contains(t, runner.calls, "upgrade")
}

func TestSync_RollsBackOnFailureWhenEnabled(t *testing.T) {
	runner := newFakeRunner()
	runner.errs["upgrade"] = assertErr{}
	cfg := testConfig(true, false)
	cfg.HealthCheck.Enabled = false
	d := newTestDriver(t, runner, cfg)

	result := d.Sync(context.Background(), testApp())
	assert.False(t, result.Success)
	assert.True(t, result.RolledBack)
	assert.Contains(t, runner.calls, "rollback")
}

func TestSync_NoRollbackOnDryRun(t *testing.T) {
	runner := newFakeRunner()
	runner.errs["upgrade"] = assertErr{}
	cfg := testConfig(true, true)
	cfg.HealthCheck.Enabled = false
	d := newTestDriver(t, runner, cfg)

	result := d.Sync(context.Background(), testApp())
	assert.False(t, result.Success)
	assert.False(t, result.RolledBack)
	assert.NotContains(t, runner.calls, "rollback")
}

type assertErr struct{}

func (assertErr) Error() string { return "simulated failure" }
