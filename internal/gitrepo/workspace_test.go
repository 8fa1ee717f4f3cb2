package gitrepo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hedgehog/gitops-sync/internal/execx"
)

type fakeRunner struct {
	results map[string]*execx.Result
	errs    map[string]error
	calls   [][]string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{results: map[string]*execx.Result{}, errs: map[string]error{}}
}

func (f *fakeRunner) Run(ctx context.Context, binary string, args []string, opts execx.Options) (*execx.Result, error) {
	f.calls = append(f.calls, args)
	key := ""
	if len(args) > 0 {
		key = args[0]
	}
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	if res, ok := f.results[key]; ok {
		return res, nil
	}
	return &execx.Result{}, nil
}

func TestRefresh_RunsFetchResetClean(t *testing.T) {
	runner := newFakeRunner()
	w := New(runner, "https://example.com/repo.git", "main", "/tmp/ws")

	require.NoError(t, w.Refresh(context.Background()))
	require.Len(t, runner.calls, 3)
	assert.Equal(t, "fetch", runner.calls[0][0])
	assert.Equal(t, "reset", runner.calls[1][0])
	assert.Equal(t, "clean", runner.calls[2][0])
}

func TestRefresh_PropagatesFetchFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.errs["fetch"] = errors.New("network unreachable")
	w := New(runner, "https://example.com/repo.git", "main", "/tmp/ws")

	err := w.Refresh(context.Background())
	require.Error(t, err)
	assert.Len(t, runner.calls, 1)
}

func TestCurrentCommit_TrimsNewline(t *testing.T) {
	runner := newFakeRunner()
	runner.results["rev-parse"] = &execx.Result{Stdout: "abc123\n"}
	w := New(runner, "https://example.com/repo.git", "main", "/tmp/ws")

	commit, err := w.CurrentCommit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", commit)
}

func TestEnsure_RejectsInvalidBranch(t *testing.T) {
	runner := newFakeRunner()
	w := New(runner, "https://example.com/repo.git", "main; rm -rf /", "/tmp/ws")

	err := w.Ensure(context.Background())
	require.Error(t, err)
	assert.Empty(t, runner.calls)
}
