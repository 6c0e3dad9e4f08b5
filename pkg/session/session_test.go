//go:build !windows

package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/avd-runner/pkg/core"
	"github.com/devicelab-dev/avd-runner/pkg/stream"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func drain(st *Stream) []string {
	var lines []string
	for line := range st.Lines() {
		lines = append(lines, line)
	}
	return lines
}

func TestSpawn_MissingExecutable(t *testing.T) {
	_, err := Spawn(context.Background(), Spec{Path: filepath.Join(t.TempDir(), "does-not-exist")})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSpawn)
}

func TestSpawn_RequiresPath(t *testing.T) {
	_, err := Spawn(context.Background(), Spec{})
	assert.ErrorIs(t, err, core.ErrMissingRequired)
}

func TestSession_StdoutAndStderr(t *testing.T) {
	path := writeScript(t, `echo out1
echo err1 >&2
echo out2
printf 'unterminated'
`)
	s, err := Spawn(context.Background(), Spec{Path: path})
	require.NoError(t, err)
	defer s.Close()

	var wg sync.WaitGroup
	var errLines []string
	wg.Add(1)
	go func() {
		defer wg.Done()
		errLines = drain(s.Stderr())
	}()
	outLines := drain(s.Stdout())
	wg.Wait()

	res, err := s.Wait(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, []string{"out1", "out2"}, outLines)
	assert.Equal(t, []string{"err1"}, errLines)
	assert.NoError(t, s.Stdout().Err())
}

func TestSession_UnreadStderrDoesNotBlockChild(t *testing.T) {
	// Far more than a pipe buffer on stderr while only stdout is consumed.
	path := writeScript(t, `i=0
while [ $i -lt 5000 ]; do
  echo "noise line $i with some padding to fill the pipe buffer quickly" >&2
  i=$((i+1))
done
echo finished
`)
	s, err := Spawn(context.Background(), Spec{Path: path})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, []string{"finished"}, drain(s.Stdout()))
	res, err := s.Wait(20 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
}

func TestSession_PromptModeAndWriteLine(t *testing.T) {
	out := filepath.Join(t.TempDir(), "answer.txt")
	path := writeScript(t, `printf 'License android-sdk-license:\n'
printf 'Accept? (y/N):'
read answer
echo "$answer" > "$ANSWER_FILE"
echo done
`)
	s, err := Spawn(context.Background(), Spec{
		Path:    path,
		Env:     map[string]string{"ANSWER_FILE": out},
		Prompts: []string{stream.AcceptPrompt},
	})
	require.NoError(t, err)
	defer s.Close()

	var seen []string
	for line := range s.Stdout().Lines() {
		seen = append(seen, line)
		if line == stream.AcceptPrompt {
			require.NoError(t, s.WriteLine("Y"))
		}
	}
	res, err := s.Wait(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Contains(t, seen, stream.AcceptPrompt)
	assert.Equal(t, "done", seen[len(seen)-1])

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "Y\n", string(got))
}

func TestSession_NonZeroExit(t *testing.T) {
	path := writeScript(t, "echo failing >&2\nexit 3\n")
	s, err := Spawn(context.Background(), Spec{Name: "sdkmanager", Path: path})
	require.NoError(t, err)
	defer s.Close()

	res, err := s.Wait(5 * time.Second)
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 3, res.Code)
	assert.ErrorIs(t, err, core.ErrProcessExit)
	assert.Contains(t, err.Error(), "sdkmanager exited with code 3")

	code, ok := core.ExitCode(err)
	assert.True(t, ok)
	assert.Equal(t, 3, code)
}

func TestSession_WaitTimeoutTerminates(t *testing.T) {
	path := writeScript(t, "sleep 30\n")
	s, err := Spawn(context.Background(), Spec{Path: path})
	require.NoError(t, err)

	start := time.Now()
	res, err := s.Wait(200 * time.Millisecond)
	assert.ErrorIs(t, err, core.ErrTimeout)
	assert.Equal(t, OutcomeTimedOut, res.Outcome)
	assert.Less(t, time.Since(start), 10*time.Second)

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out process was left running")
	}
	assert.Equal(t, int32(1), s.kills.Load())
}

func TestSession_WaitReturnsWhenBackgroundChildHoldsOutput(t *testing.T) {
	path := writeScript(t, "sleep 5 &\necho hi\nexit 0\n")
	s, err := Spawn(context.Background(), Spec{Path: path})
	require.NoError(t, err)
	defer s.Close()

	lines := make(chan []string, 1)
	go func() { lines <- drain(s.Stdout()) }()

	start := time.Now()
	res, err := s.Wait(3 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, int32(0), s.kills.Load())

	select {
	case got := <-lines:
		assert.Equal(t, []string{"hi"}, got)
	case <-time.After(pipeDrainDelay + 3*time.Second):
		t.Fatal("stdout stayed open after the process exited")
	}
}

func TestSession_CloseIsIdempotentAcrossPaths(t *testing.T) {
	path := writeScript(t, "sleep 30\n")
	ctx, cancel := context.WithCancel(context.Background())
	s, err := Spawn(ctx, Spec{Path: path})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Close())
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Wait(50 * time.Millisecond)
	}()
	cancel()
	wg.Wait()

	assert.NoError(t, s.Close())
	<-s.Done()
	assert.Equal(t, int32(1), s.kills.Load())

	res, err := s.Wait(time.Second)
	assert.Equal(t, OutcomeClosed, res.Outcome)
	assert.ErrorIs(t, err, core.ErrSessionClosed)
}

func TestSession_WriteAfterClose(t *testing.T) {
	path := writeScript(t, "cat\n")
	s, err := Spawn(context.Background(), Spec{Path: path})
	require.NoError(t, err)

	require.NoError(t, s.WriteLine("hello"))
	line := <-s.Stdout().Lines()
	assert.Equal(t, "hello", line)

	require.NoError(t, s.Close())
	err = s.WriteLine("again")
	assert.ErrorIs(t, err, core.ErrSessionClosed)

	_, open := <-s.Stdout().Lines()
	assert.False(t, open, "a closed session must not deliver more lines")
}

func TestSession_ContextCancelCloses(t *testing.T) {
	path := writeScript(t, "sleep 30\n")
	ctx, cancel := context.WithCancel(context.Background())
	s, err := Spawn(ctx, Spec{Path: path})
	require.NoError(t, err)

	cancel()
	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled session did not terminate its process")
	}
}

func TestSession_WorkingDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, `pwd
echo "$AVD_RUNNER_TEST"
`)
	lines, err := Output(context.Background(), Spec{
		Path: path,
		Dir:  dir,
		Env:  map[string]string{"AVD_RUNNER_TEST": "override"},
	}, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, lines, 2)

	wantDir, _ := filepath.EvalSymlinks(dir)
	gotDir, _ := filepath.EvalSymlinks(lines[0])
	assert.Equal(t, wantDir, gotDir)
	assert.Equal(t, "override", lines[1])
}

func TestSession_DetachedOutlivesClose(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "emulator.log")
	path := writeScript(t, "echo booting\nsleep 2\n")
	s, err := Spawn(context.Background(), Spec{Path: path, Detached: true, LogFile: logFile})
	require.NoError(t, err)

	_, open := <-s.Stdout().Lines()
	assert.False(t, open, "detached sessions expose no stdout lines")

	require.NoError(t, s.Close())
	assert.Equal(t, int32(0), s.kills.Load(), "detached processes are released, not killed")

	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("detached process never exited")
	}
	got, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "booting", strings.TrimSpace(string(got)))
}

func TestSession_KillDetached(t *testing.T) {
	path := writeScript(t, "sleep 30\n")
	s, err := Spawn(context.Background(), Spec{Path: path, Detached: true})
	require.NoError(t, err)

	require.NoError(t, s.Kill())
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Kill left a detached process running")
	}
	assert.Equal(t, int32(1), s.kills.Load())
}

func TestOutput_ReportsExitError(t *testing.T) {
	path := writeScript(t, "echo partial\nexit 1\n")
	_, err := Output(context.Background(), Spec{Path: path}, 5*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrProcessExit))
}

func TestMergeEnv(t *testing.T) {
	env := mergeEnv([]string{"A=1", "B=2", "PATH=/bin"}, map[string]string{"B": "3", "C": "4"})
	assert.Equal(t, []string{"A=1", "PATH=/bin", "B=3", "C=4"}, env)
	assert.Equal(t, []string{"A=1"}, mergeEnv([]string{"A=1"}, nil))
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "success", OutcomeSuccess.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
	assert.Equal(t, "timed out", OutcomeTimedOut.String())
	assert.Equal(t, "closed", OutcomeClosed.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
