package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shrinkpi/lib/config"
	"shrinkpi/lib/failure"
	"shrinkpi/lib/runner"
	"shrinkpi/lib/shrinker"
)

type fakeController struct {
	image   string
	summary shrinker.Summary
	err     error
}

func (f *fakeController) Run(_ context.Context, imagePath string) (shrinker.Summary, error) {
	f.image = imagePath
	return f.summary, f.err
}

func newTestCommand(t *testing.T) (*ShrinkCommand, *bytes.Buffer) {
	t.Helper()
	c := NewShrinkCommand()
	out := &bytes.Buffer{}
	c.stdout = out
	c.stderr = &bytes.Buffer{}
	return c, out
}

func mockConfig(t *testing.T) *config.MockConfig {
	t.Helper()
	cfg := &config.MockConfig{}
	origNewConfig := newConfig
	t.Cleanup(func() { newConfig = origNewConfig })
	newConfig = func(string) (config.IConfig, error) { return cfg, nil }
	return cfg
}

func mockController(t *testing.T, fc *fakeController) *bool {
	t.Helper()
	var dryRun bool
	origNewController := newController
	t.Cleanup(func() { newController = origNewController })
	newController = func(_ config.IConfig, _ runner.IExecutor, _ logrus.FieldLogger, dr bool) (shrinkRunner, error) {
		dryRun = dr
		return fc, nil
	}
	return &dryRun
}

func mockEuid(t *testing.T, euid int) {
	t.Helper()
	origEuid := getEuid
	t.Cleanup(func() { getEuid = origEuid })
	getEuid = func() int { return euid }
}

func TestShrinkCommandImplementsICommand(t *testing.T) {
	var _ ICommand = (*ShrinkCommand)(nil)
	assert.Equal(t, "shrinkpi", NewShrinkCommand().Name())
}

// --- Init ---

func TestInitHelp(t *testing.T) {
	c, out := newTestCommand(t)
	err := c.Init([]string{"--help"})
	assert.ErrorIs(t, err, ErrHelpShown)
	assert.Contains(t, out.String(), "shrinkpi [flags] <image>")
	assert.Contains(t, out.String(), "--keep-on-failure")
}

func TestInitArgs(t *testing.T) {
	mockConfig(t)

	c, _ := newTestCommand(t)
	assert.Error(t, c.Init(nil))

	c, _ = newTestCommand(t)
	assert.Error(t, c.Init([]string{"a.img", "b.img"}))

	c, _ = newTestCommand(t)
	assert.Error(t, c.Init([]string{"--no-such-flag", "a.img"}))
}

func TestInitDefaults(t *testing.T) {
	cfg := mockConfig(t)
	c, _ := newTestCommand(t)

	require.NoError(t, c.Init([]string{"raspios.img"}))
	assert.Equal(t, "raspios.img", c.imagePath)
	assert.Empty(t, cfg.Items)
	assert.Equal(t, logrus.InfoLevel, c.log.GetLevel())
}

func TestInitFlagsOverrideConfig(t *testing.T) {
	cfg := mockConfig(t)
	c, _ := newTestCommand(t)

	require.NoError(t, c.Init([]string{
		"--loop-device", "/dev/loop7", "--mount-point", "/mnt/pi", "--keep-on-failure", "-v", "-n", "raspios.img",
	}))
	dev, _ := cfg.GetItem("Loop.Device")
	assert.Equal(t, "/dev/loop7", dev)
	mnt, _ := cfg.GetItem("Mount.Point")
	assert.Equal(t, "/mnt/pi", mnt)
	keep, _ := cfg.GetBool("Workflow.KeepOnFailure")
	assert.True(t, keep)
	assert.True(t, c.dryRun)
	assert.Equal(t, logrus.DebugLevel, c.log.GetLevel())
}

func TestInitConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shrinkpi.toml")
	require.NoError(t, os.WriteFile(path, []byte("[Loop]\nDevice = \"/dev/loop3\"\n\n[Mount]\nPoint = \"/mnt/file\"\n"), 0644))

	c, _ := newTestCommand(t)
	require.NoError(t, c.Init([]string{"--config", path, "--mount-point", "/mnt/flag", "raspios.img"}))

	dev, err := c.cfg.GetItem("Loop.Device")
	require.NoError(t, err)
	assert.Equal(t, "/dev/loop3", dev)
	mnt, err := c.cfg.GetItem("Mount.Point")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/flag", mnt)
	margin, err := c.cfg.GetInt("Shrink.SafetyMarginSectors")
	require.NoError(t, err)
	assert.Equal(t, int64(100), margin)
}

func TestInitMissingConfigFile(t *testing.T) {
	c, _ := newTestCommand(t)
	err := c.Init([]string{"--config", filepath.Join(t.TempDir(), "missing.toml"), "raspios.img"})
	assert.ErrorContains(t, err, "failed to load config")
}

func TestInitConfigWithoutOverrides(t *testing.T) {
	origNewConfig := newConfig
	t.Cleanup(func() { newConfig = origNewConfig })
	newConfig = func(string) (config.IConfig, error) { return &config.ErrConfig{}, nil }

	c, _ := newTestCommand(t)
	assert.ErrorContains(t, c.Init([]string{"--loop-device", "/dev/loop7", "raspios.img"}), "does not accept overrides")
}

// --- Run ---

func TestRunNotInitialized(t *testing.T) {
	c, _ := newTestCommand(t)
	assert.EqualError(t, c.Run(), "command not initialized")
}

func TestRunRequiresRoot(t *testing.T) {
	mockConfig(t)
	fc := &fakeController{}
	mockController(t, fc)
	mockEuid(t, 1000)

	c, _ := newTestCommand(t)
	require.NoError(t, c.Init([]string{"raspios.img"}))
	assert.EqualError(t, c.Run(), "shrinkpi must be run as root")
	assert.Empty(t, fc.image)
}

func TestRunSuccess(t *testing.T) {
	mockConfig(t)
	fc := &fakeController{summary: shrinker.Summary{
		OriginalSize: 8_200_000_000, NewSize: 4_915_276_800, Saved: 3_284_723_200,
	}}
	dryRun := mockController(t, fc)
	mockEuid(t, 0)

	c, out := newTestCommand(t)
	require.NoError(t, c.Init([]string{"raspios.img"}))
	require.NoError(t, c.Run())

	assert.Equal(t, "raspios.img", fc.image)
	assert.False(t, *dryRun)
	assert.Contains(t, out.String(), "Shrinking raspios.img")
	assert.Contains(t, out.String(), "saved 3.059GiB")
}

func TestRunDryRun(t *testing.T) {
	mockConfig(t)
	fc := &fakeController{summary: shrinker.Summary{
		OriginalSize: 8_200_000_000, NewSize: 4_368_680_960, Saved: 3_831_319_040, Projected: true,
	}}
	dryRun := mockController(t, fc)
	mockEuid(t, 0)

	c, out := newTestCommand(t)
	require.NoError(t, c.Init([]string{"--dry-run", "raspios.img"}))
	require.NoError(t, c.Run())
	assert.True(t, *dryRun)
	assert.Contains(t, out.String(), "Dry run: raspios.img would shrink")
}

func TestRunFailure(t *testing.T) {
	mockConfig(t)
	boom := failure.New(failure.ConsistencyViolation, "patch fstab", "boot partition and root partition are on different disks")
	mockController(t, &fakeController{err: boom})
	mockEuid(t, 0)

	c, out := newTestCommand(t)
	require.NoError(t, c.Init([]string{"raspios.img"}))
	err := c.Run()
	assert.ErrorIs(t, err, failure.ConsistencyViolation)
	assert.NotContains(t, out.String(), "saved")

	line := c.Diagnostic(err)
	assert.Contains(t, line, "Error: patch fstab: consistency violation")
	assert.NotContains(t, line, "\n")
}

func TestRunBadRetryConfig(t *testing.T) {
	cfg := mockConfig(t)
	cfg.Set("Retry.Limit", "three")
	mockController(t, &fakeController{})
	mockEuid(t, 0)

	c, _ := newTestCommand(t)
	require.NoError(t, c.Init([]string{"raspios.img"}))
	assert.ErrorContains(t, c.Run(), "Retry.Limit")
}
