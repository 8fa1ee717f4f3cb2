package execx

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hedgehog/gitops-sync/internal/errs"
)

func TestRun_Success(t *testing.T) {
	r := New(0, 0)
	res, err := r.Run(context.Background(), "echo", []string{"hello"}, Options{Capture: true})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRun_NonZeroExit(t *testing.T) {
	r := New(0, 0)
	_, err := r.Run(context.Background(), "false", nil, Options{})
	require.Error(t, err)

	var execErr *errs.ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, errs.ExecReasonExit, execErr.Reason)
	assert.Equal(t, 1, execErr.Code)
}

func TestRun_Timeout(t *testing.T) {
	r := New(0, 0)
	_, err := r.Run(context.Background(), "sleep", []string{"5"}, Options{Timeout: 50 * time.Millisecond})
	require.Error(t, err)

	var execErr *errs.ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, errs.ExecReasonTimeout, execErr.Reason)
}

func TestRun_SpawnFailure(t *testing.T) {
	r := New(0, 0)
	_, err := r.Run(context.Background(), "this-binary-does-not-exist-anywhere", nil, Options{})
	require.Error(t, err)

	var execErr *errs.ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, errs.ExecReasonSpawn, execErr.Reason)
}

func TestRun_ArgsNeverInterpretedByShell(t *testing.T) {
	r := New(0, 0)
	// A shell would split this on the semicolon; exec.Command never does.
	res, err := r.Run(context.Background(), "echo", []string{"a; echo b"}, Options{Capture: true})
	require.NoError(t, err)
	assert.Equal(t, "a; echo b\n", res.Stdout)
}

func TestRun_RespectsWorkingDirectory(t *testing.T) {
	r := New(0, 0)
	res, err := r.Run(context.Background(), "pwd", nil, Options{Dir: "/tmp", Capture: true})
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "/tmp")
}

func TestRun_RateLimited(t *testing.T) {
	r := New(1000, 1)
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := r.Run(context.Background(), "true", nil, Options{})
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestBoundedWriter_CapsOutput(t *testing.T) {
	var buf bytes.Buffer
	w := &boundedWriter{buf: &buf, limit: 4}
	n, err := w.Write([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, len("hello world"), n)
	assert.Equal(t, "hell", buf.String())
}
