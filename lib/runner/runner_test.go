package runner

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shrinkpi/lib/failure"
)

// ---------------------------------------------------------------------------
// CombinedOutput – real execution with a trivial command
// ---------------------------------------------------------------------------

func TestCombinedOutput_MergesStreams(t *testing.T) {
	out, err := CombinedOutput(context.Background(), nil, "sh", "-c", "echo out; echo err >&2")
	require.NoError(t, err)
	assert.Contains(t, string(out), "out")
	assert.Contains(t, string(out), "err")
}

func TestCombinedOutput_Stdin(t *testing.T) {
	out, err := CombinedOutput(context.Background(), strings.NewReader("piped\n"), "cat")
	require.NoError(t, err)
	assert.Equal(t, "piped\n", string(out))
}

func TestCombinedOutput_CancelDoesNotKillRunningTool(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(100*time.Millisecond, cancel)
	defer timer.Stop()

	out, err := CombinedOutput(ctx, nil, "sh", "-c", "sleep 0.5; echo finished")
	require.NoError(t, err)
	assert.Equal(t, "finished\n", string(out))
	assert.Error(t, ctx.Err())
}

func TestCombinedOutput_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := CombinedOutput(ctx, nil, "sh", "-c", "echo started")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, out)
}

func TestCombinedOutput_Failure(t *testing.T) {
	_, err := CombinedOutput(context.Background(), nil, "false")
	require.Error(t, err)
	assert.Equal(t, Fatal, DefaultClassifier().Classify("", err))
}

// ---------------------------------------------------------------------------
// Classifier
// ---------------------------------------------------------------------------

func TestClassifier(t *testing.T) {
	c := DefaultClassifier()
	exit := &ExitError{Code: 1}

	tests := []struct {
		name   string
		output string
		err    error
		want   Outcome
	}{
		{"success", "whatever", nil, Success},
		{"busy loop", "losetup: /dev/loop0: failed to set up loop device: Device or resource busy", exit, Transient},
		{"busy umount", "umount: /mnt/shrinkpi: target is busy.", exit, Transient},
		{"no free loop", "losetup: cannot find an unused loop device: could not find any free loop device", exit, Transient},
		{"loop permission denied", "losetup: /dev/loop0: failed to set up loop device: Permission denied", exit, Fatal},
		{"loop bad offset", "losetup: /dev/loop0: failed to set up loop device: Invalid argument", exit, Fatal},
		{"symlink exists", "ln: failed to create symbolic link 'S01resize2fs_once': File exists", exit, AlreadyDone},
		{"other failure", "e2fsck: Bad magic number in super-block", exit, Fatal},
		{"spawn failure", "Device or resource busy", errors.New("exec: \"losetup\": executable file not found"), Fatal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Classify(tc.output, tc.err))
		})
	}
}

func TestLinearBackoffSchedule(t *testing.T) {
	timer := LinearBackoff{Step: 2 * time.Second, Limit: 3}.NewTimer(time.Time{})

	var sleeps []time.Duration
	for {
		d, ok := timer.NextSleep(time.Time{})
		if !ok {
			break
		}
		sleeps = append(sleeps, d)
	}
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}, sleeps)
}

// ---------------------------------------------------------------------------
// Executor
// ---------------------------------------------------------------------------

func newTestExecutor(mr *MockRunner, clock *MockClock) (*Executor, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	e := NewExecutor(DefaultPolicy(3, time.Second), logger).WithRunner(mr.CombinedOutput)
	e.Clock = clock
	return e, hook
}

func TestExecute_Success(t *testing.T) {
	mr := NewMockRunnerWithScripts(map[string][]MockResponse{
		"losetup -a": {Ok("")},
	})
	e, _ := newTestExecutor(mr, &MockClock{})

	out, err := e.Execute(context.Background(), "losetup", "-a")
	require.NoError(t, err)
	assert.Equal(t, "", out)
	assert.Equal(t, []string{"losetup -a"}, mr.CommandLines())
}

func TestExecute_WithInput(t *testing.T) {
	mr := NewMockRunnerWithScripts(map[string][]MockResponse{
		"sfdisk": {Ok("done")},
	})
	e, _ := newTestExecutor(mr, &MockClock{})

	_, err := e.ExecuteWithInput(context.Background(), "label: dos\n", "sfdisk", "/dev/loop0")
	require.NoError(t, err)
	require.Len(t, mr.Calls, 1)
	assert.Equal(t, "label: dos\n", mr.Calls[0].Stdin)
}

func TestExecute_FatalIsNotRetried(t *testing.T) {
	mr := NewMockRunnerWithScripts(map[string][]MockResponse{
		"e2fsck": {Fail("e2fsck: Bad magic number in super-block")},
	})
	clock := &MockClock{}
	e, _ := newTestExecutor(mr, clock)

	_, err := e.Execute(context.Background(), "e2fsck", "-n", "/dev/loop0")
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ToolInvocationFailure))
	assert.False(t, errors.Is(err, failure.TransientResourceBusy))
	assert.Contains(t, err.Error(), "Bad magic number")
	assert.Len(t, mr.Calls, 1)
	assert.Empty(t, clock.Sleeps)
}

func TestExecute_TransientThenSuccess(t *testing.T) {
	busy := Fail("losetup: /dev/loop0: failed to set up loop device: Device or resource busy")
	mr := NewMockRunnerWithScripts(map[string][]MockResponse{
		"losetup": {busy, busy, Ok("")},
	})
	clock := &MockClock{}
	e, hook := newTestExecutor(mr, clock)

	_, err := e.Execute(context.Background(), "losetup", "-o", "4194304", "/dev/loop0", "img")
	require.NoError(t, err)
	assert.Len(t, mr.Calls, 3)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, clock.Sleeps)

	var retries int
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.InfoLevel && strings.Contains(entry.Message, "retry") {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestExecute_TransientExhaustsRetries(t *testing.T) {
	mr := NewMockRunnerWithScripts(map[string][]MockResponse{
		"umount": {Fail("umount: /mnt/shrinkpi: target is busy.")},
	})
	clock := &MockClock{}
	e, hook := newTestExecutor(mr, clock)

	_, err := e.Execute(context.Background(), "umount", "/mnt/shrinkpi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ToolInvocationFailure))
	assert.True(t, errors.Is(err, failure.TransientResourceBusy))
	assert.Len(t, mr.Calls, 4)
	assert.Equal(t, 2*(1+2+3)*time.Second, clock.Total())

	var retries []string
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.InfoLevel && strings.Contains(entry.Message, "retry") {
			retries = append(retries, entry.Message)
		}
	}
	require.Len(t, retries, 3)
	assert.Contains(t, retries[2], "retry 3 of 3")
}

func TestExecute_LoopSetupFailureIsNotRetried(t *testing.T) {
	mr := NewMockRunnerWithScripts(map[string][]MockResponse{
		"losetup": {Fail("losetup: /dev/loop0: failed to set up loop device: Permission denied")},
	})
	clock := &MockClock{}
	e, _ := newTestExecutor(mr, clock)

	_, err := e.Execute(context.Background(), "losetup", "-o", "272629760", "/dev/loop0", "/srv/raspios.img")
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ToolInvocationFailure))
	assert.False(t, errors.Is(err, failure.TransientResourceBusy))
	assert.Contains(t, err.Error(), "Permission denied")
	assert.Len(t, mr.Calls, 1)
	assert.Empty(t, clock.Sleeps)
}

func TestExecute_AlreadyDoneIsSuccess(t *testing.T) {
	mr := NewMockRunnerWithScripts(map[string][]MockResponse{
		"ln": {Fail("ln: failed to create symbolic link 'x': File exists")},
	})
	e, _ := newTestExecutor(mr, &MockClock{})

	_, err := e.Execute(context.Background(), "ln", "-s", "a", "x")
	assert.NoError(t, err)
	assert.Len(t, mr.Calls, 1)
}

func TestExecute_CancelledContext(t *testing.T) {
	mr := NewMockRunner()
	e, _ := newTestExecutor(mr, &MockClock{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Execute(ctx, "losetup", "-a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, mr.Calls)
}

func TestExecute_MissingName(t *testing.T) {
	e, _ := newTestExecutor(NewMockRunner(), &MockClock{})
	_, err := e.Execute(context.Background(), "")
	assert.Error(t, err)
}

func TestCheckPrerequisites(t *testing.T) {
	origLookPath := LookPath
	t.Cleanup(func() { LookPath = origLookPath })

	LookPath = func(file string) (string, error) {
		if file == "resize2fs" {
			return "", errors.New("not found")
		}
		return "/usr/sbin/" + file, nil
	}

	err := CheckPrerequisites([]string{"losetup", "resize2fs"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.PreconditionViolation))
	assert.Contains(t, err.Error(), "resize2fs")

	assert.NoError(t, CheckPrerequisites([]string{"losetup"}))
}

// ---------------------------------------------------------------------------
// MockRunner basics
// ---------------------------------------------------------------------------

func TestMockRunner_FailOnCall(t *testing.T) {
	testErr := errors.New("boom")
	mr := NewMockRunnerFailOnCall(1, testErr)
	ctx := context.Background()

	_, err := mr.CombinedOutput(ctx, nil, "a")
	assert.NoError(t, err)
	_, err = mr.CombinedOutput(ctx, nil, "b")
	assert.ErrorIs(t, err, testErr)
	_, err = mr.CombinedOutput(ctx, nil, "c")
	assert.NoError(t, err)
}

func TestMockRunner_OutputData(t *testing.T) {
	mr := &MockRunner{FailOn: -1, OutputData: map[int][]byte{0: []byte("first"), 1: []byte("second")}}
	ctx := context.Background()

	out0, _ := mr.CombinedOutput(ctx, nil, "cmd0")
	out1, _ := mr.CombinedOutput(ctx, io.NopCloser(strings.NewReader("in")), "cmd1")
	assert.Equal(t, "first", string(out0))
	assert.Equal(t, "second", string(out1))
	assert.Equal(t, "in", mr.Calls[1].Stdin)
}

func TestMockRunner_ScriptKeyPrecedence(t *testing.T) {
	mr := NewMockRunnerWithScripts(map[string][]MockResponse{
		"losetup -a": {Ok("listing")},
		"losetup":    {Ok("generic")},
	})
	ctx := context.Background()

	out, _ := mr.CombinedOutput(ctx, nil, "losetup", "-a")
	assert.Equal(t, "listing", string(out))
	out, _ = mr.CombinedOutput(ctx, nil, "losetup", "-d", "/dev/loop0")
	assert.Equal(t, "generic", string(out))
}
