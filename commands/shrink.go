package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	units "github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"shrinkpi/lib/config"
	"shrinkpi/lib/runner"
	"shrinkpi/lib/shrinker"
	"shrinkpi/lib/workflow"
)

// ErrHelpShown is returned by Init when the arguments only asked for help.
var ErrHelpShown = errors.New("help shown")

type shrinkRunner interface {
	Run(ctx context.Context, imagePath string) (shrinker.Summary, error)
}

var (
	newConfig = func(path string) (config.IConfig, error) {
		return config.NewTomlConfig(path)
	}
	newController = func(cfg config.IConfig, exec runner.IExecutor, log logrus.FieldLogger, dryRun bool) (shrinkRunner, error) {
		ctrl, err := workflow.New(cfg, exec, log)
		if err != nil {
			return nil, err
		}
		ctrl.DryRun = dryRun
		return ctrl, nil
	}
	notifyContext = signal.NotifyContext
)

// ShrinkCommand shrinks one image in place.
type ShrinkCommand struct {
	UI
	cmd    *cobra.Command
	stdout io.Writer
	stderr io.Writer

	configPath    string
	loopDevice    string
	mountPoint    string
	dryRun        bool
	keepOnFailure bool
	verbose       bool

	imagePath string
	cfg       config.IConfig
	log       *logrus.Logger
}

// NewShrinkCommand creates the shrinkpi command.
func NewShrinkCommand() *ShrinkCommand {
	c := &ShrinkCommand{stdout: os.Stdout, stderr: os.Stderr}
	c.cmd = &cobra.Command{
		Use:   "shrinkpi [flags] <image>",
		Short: "Shrink a Raspberry Pi disk image in place",
		Long: `shrinkpi shrinks the root filesystem of a two partition Raspberry Pi
image to its minimum, shrinks the root partition to match and truncates the
image file. The boot command line and fstab are updated for the new disk
identifier, and a one-shot hook grows the filesystem again on first boot.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, args []string) error {
			c.imagePath = args[0]
			return nil
		},
	}

	f := c.cmd.Flags()
	f.StringVarP(&c.configPath, "config", "c", "",
		"configuration file (default $"+config.EnvConfigPath+", then /etc/shrinkpi/"+config.ConfigFileName+")")
	f.StringVar(&c.loopDevice, "loop-device", "", "loop device slot to use (default "+config.Defaults["Loop.Device"]+")")
	f.StringVar(&c.mountPoint, "mount-point", "", "mount point for the partitions (default "+config.Defaults["Mount.Point"]+")")
	f.BoolVarP(&c.dryRun, "dry-run", "n", false, "check the image and report the projected size without changing it")
	f.BoolVar(&c.keepOnFailure, "keep-on-failure", false, "leave loop devices and mounts in place when a step fails")
	f.BoolVarP(&c.verbose, "verbose", "v", false, "log every executed command")

	c.StartUI()
	return c
}

func (c *ShrinkCommand) Name() string {
	return "shrinkpi"
}

// Init parses args and loads the configuration. Flags override the file.
func (c *ShrinkCommand) Init(args []string) error {
	if args == nil {
		args = []string{}
	}
	c.cmd.SetArgs(args)
	c.cmd.SetOut(c.stdout)
	c.cmd.SetErr(c.stderr)
	if err := c.cmd.Execute(); err != nil {
		return err
	}
	if c.imagePath == "" {
		return ErrHelpShown
	}

	cfg, err := newConfig(c.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Load(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := c.applyFlags(cfg); err != nil {
		return err
	}
	c.cfg = cfg

	c.log = logrus.New()
	c.log.SetOutput(c.stderr)
	c.log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if c.verbose {
		c.log.SetLevel(logrus.DebugLevel)
	}
	return nil
}

func (c *ShrinkCommand) applyFlags(cfg config.IConfig) error {
	overrides := map[string]string{}
	if c.loopDevice != "" {
		overrides["Loop.Device"] = c.loopDevice
	}
	if c.mountPoint != "" {
		overrides["Mount.Point"] = c.mountPoint
	}
	if c.keepOnFailure {
		overrides["Workflow.KeepOnFailure"] = "true"
	}
	if len(overrides) == 0 {
		return nil
	}
	s, ok := cfg.(interface{ Set(key, value string) })
	if !ok {
		return fmt.Errorf("config %T does not accept overrides", cfg)
	}
	for k, v := range overrides {
		s.Set(k, v)
	}
	return nil
}

// Run shrinks the image. SIGINT and SIGTERM stop the run after the current
// tool exits; loop devices and mounts are still released.
func (c *ShrinkCommand) Run() error {
	if c.cfg == nil {
		return errors.New("command not initialized")
	}
	if getEuid() != 0 {
		return errors.New("shrinkpi must be run as root")
	}

	ctx, stop := notifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	limit, err := c.cfg.GetInt("Retry.Limit")
	if err != nil {
		return err
	}
	unit, err := c.cfg.GetInt("Retry.UnitSeconds")
	if err != nil {
		return err
	}
	exec := runner.NewExecutor(runner.DefaultPolicy(int(limit), time.Duration(unit)*time.Second), c.log)

	ctrl, err := newController(c.cfg, exec, c.log, c.dryRun)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.stdout, "%s%sShrinking %s%s\n", c.cBold, c.iconGear, c.imagePath, c.cReset)
	summary, err := ctrl.Run(ctx, c.imagePath)
	if err != nil {
		return err
	}

	if summary.Projected {
		fmt.Fprintf(c.stdout, "%s%sDry run: %s would shrink from %s to about %s%s\n",
			c.cYellow, c.iconWarn, c.imagePath,
			units.BytesSize(float64(summary.OriginalSize)), units.BytesSize(float64(summary.NewSize)), c.cReset)
		return nil
	}
	fmt.Fprintf(c.stdout, "%s%s%s shrunk from %s to %s, saved %s%s\n",
		c.cGreen, c.iconCheck, c.imagePath,
		units.BytesSize(float64(summary.OriginalSize)), units.BytesSize(float64(summary.NewSize)),
		units.BytesSize(float64(summary.Saved)), c.cReset)
	return nil
}

// Diagnostic renders err as the single line shown to the operator.
func (c *ShrinkCommand) Diagnostic(err error) string {
	return fmt.Sprintf("%s%sError: %v%s", c.cRed, c.iconError, err, c.cReset)
}
