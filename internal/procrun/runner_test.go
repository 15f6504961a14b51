package procrun_test

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dutlab/hilrun/internal/procrun"
)

func TestRunner(t *testing.T) {
	t.Parallel()
	yes, err := exec.LookPath("yes")
	if err != nil {
		t.Skipf("skipped, binary yes not available: %v", err)
	}

	runner := procrun.NewRunner()
	t.Run("not yet started", func(t *testing.T) {
		res := runner.Result()
		require.ErrorIs(t, res.Err, procrun.ErrNotStarted)
		require.Equal(t, -1, res.ExitCode())
		res = <-runner.Done()
		require.ErrorIs(t, res.Err, procrun.ErrNotStarted)
	})

	cmd := procrun.Command{
		Path:    yes,
		Args:    []string{"golang"},
		Env:     []string{"LC_ALL=C"},
		Timeout: 100 * time.Millisecond,
	}
	ctx := t.Context()

	t.Run("start", func(t *testing.T) {
		err = runner.Start(ctx, cmd, nil)
		require.NoError(t, err)
		require.True(t, runner.Running())
	})
	t.Run("in progress", func(t *testing.T) {
		err = runner.Start(ctx, cmd, nil)
		require.ErrorIs(t, err, procrun.ErrInProgress)
	})
	t.Run("wait", func(t *testing.T) {
		res := <-runner.Done()
		require.Equal(t, yes, res.Path)
		require.Equal(t, []string{"golang"}, res.Args)
		require.NotZero(t, res.Started)
		require.NotZero(t, res.Stopped)
		require.GreaterOrEqual(t, res.Stopped.Sub(res.Started), 100*time.Millisecond)
		require.Error(t, res.Err)
		require.False(t, runner.Running())

		require.Greater(t, res.Stdout.Len(), 1024)
		require.True(t, strings.HasPrefix(
			string(res.Stdout.Bytes()[:256]),
			"golang\ngolang\n",
		))
	})
	t.Run("exec error", func(t *testing.T) {
		noCmd := procrun.Command{
			Path: "does not exist",
		}
		err := runner.Start(ctx, noCmd, nil)
		require.Error(t, err)
		var execErr *exec.Error
		require.ErrorAs(t, err, &execErr)
		require.Equal(t, noCmd.Path, execErr.Name)
	})
}

func TestRunnerStderr(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	cmd := procrun.Command{
		Path: sh,
		Args: []string{"-c", "echo stdout; echo 1>&2 stderr; echo 1>&2 again"},
	}

	var stderr []string
	handle := func(_ context.Context, line string) {
		stderr = append(stderr, line)
	}

	runner := procrun.NewRunner()
	err = runner.Start(t.Context(), cmd, handle)
	require.NoError(t, err)
	res := <-runner.Done()
	require.Equal(t, "stdout\n", res.Stdout.String())
	require.Equal(t, []string{"stderr", "again"}, stderr)
	require.Equal(t, 0, res.ExitCode())
}

func TestRunnerStderrFullyDrained(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	// a fast-exiting child with lots of buffered stderr; every line must be
	// delivered before the result
	cmd := procrun.Command{
		Path: sh,
		Args: []string{"-c", "i=0; while [ $i -lt 500 ]; do echo line$i 1>&2; i=$((i+1)); done"},
	}

	var stderr []string
	handle := func(_ context.Context, line string) {
		stderr = append(stderr, line)
	}

	runner := procrun.NewRunner()
	err = runner.Start(t.Context(), cmd, handle)
	require.NoError(t, err)
	res := <-runner.Done()
	require.Equal(t, 0, res.ExitCode())

	require.Len(t, stderr, 500)
	require.Equal(t, "line0", stderr[0])
	require.Equal(t, "line499", stderr[499])
}

func TestRunnerStdoutWriter(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	var buf bytes.Buffer
	cmd := procrun.Command{
		Path:   sh,
		Args:   []string{"-c", "echo one; echo two"},
		Stdout: &buf,
	}

	runner := procrun.NewRunner()
	err = runner.Start(t.Context(), cmd, nil)
	require.NoError(t, err)
	res := <-runner.Done()
	require.NoError(t, res.Err)
	require.Nil(t, res.Stdout)
	require.Equal(t, "one\ntwo\n", buf.String())
}

func TestRunnerStop(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	t.Run("cooperative", func(t *testing.T) {
		t.Parallel()
		runner := procrun.NewRunner()
		err := runner.Start(t.Context(), procrun.Command{
			Path: sh,
			Args: []string{"-c", "sleep 30"},
		}, nil)
		require.NoError(t, err)

		require.NoError(t, runner.Stop(2*time.Second, time.Second))
		require.False(t, runner.Running())
	})

	t.Run("ignores sigterm", func(t *testing.T) {
		t.Parallel()
		runner := procrun.NewRunner()
		err := runner.Start(t.Context(), procrun.Command{
			Path: sh,
			Args: []string{"-c", "trap '' TERM; sleep 30"},
		}, nil)
		require.NoError(t, err)
		// give the shell a moment to install the trap
		time.Sleep(200 * time.Millisecond)

		start := time.Now()
		require.NoError(t, runner.Stop(500*time.Millisecond, 2*time.Second))
		require.Less(t, time.Since(start), 4*time.Second)
		require.False(t, runner.Running())
	})

	t.Run("nothing running", func(t *testing.T) {
		t.Parallel()
		runner := procrun.NewRunner()
		require.ErrorIs(t, runner.Stop(time.Second, time.Second), procrun.ErrNotStarted)
	})

	t.Run("descendants terminated", func(t *testing.T) {
		t.Parallel()
		runner := procrun.NewRunner()
		// the backgrounded sleep keeps our stdout pipe open past the
		// shell's own death
		err := runner.Start(t.Context(), procrun.Command{
			Path: sh,
			Args: []string{"-c", "sleep 30 & sleep 30"},
		}, nil)
		require.NoError(t, err)

		require.NoError(t, runner.Stop(500*time.Millisecond, 2*time.Second))
		select {
		case res := <-runner.Done():
			require.Error(t, res.Err)
		case <-time.After(5 * time.Second):
			t.Fatal("child never finished after stop")
		}
		require.False(t, runner.Running())

		err = runner.Start(t.Context(), procrun.Command{
			Path: sh,
			Args: []string{"-c", "true"},
		}, nil)
		require.NoError(t, err)
		res := <-runner.Done()
		require.Equal(t, 0, res.ExitCode())
	})
}
