// Package workflow runs a complete shrink: pre-flight checks, the shrink
// state machine, then the boot and root partition fix-ups.
package workflow

import (
	"context"
	"errors"

	units "github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"shrinkpi/lib/bootcfg"
	"shrinkpi/lib/config"
	"shrinkpi/lib/failure"
	"shrinkpi/lib/filesystems"
	"shrinkpi/lib/imager"
	"shrinkpi/lib/runner"
	"shrinkpi/lib/shrinker"
)

// RequiredTools are the commands a run shells out to.
var RequiredTools = []string{
	"fdisk", "losetup", "e2fsck", "resize2fs", "sfdisk", "truncate", "mount", "umount", "ln",
}

var (
	checkPrerequisites = runner.CheckPrerequisites
	requireImageFile   = imager.RequireImageFile
)

// Controller wires the components of one run together.
type Controller struct {
	cfg config.IConfig
	log logrus.FieldLogger

	Shrinker *shrinker.Shrinker
	Scope    *filesystems.Scope
	Patcher  *bootcfg.Patcher

	MountPoint string
	DryRun     bool
}

// New builds a Controller from cfg. Every external command goes through exec.
func New(cfg config.IConfig, exec runner.IExecutor, log logrus.FieldLogger) (*Controller, error) {
	if cfg == nil {
		return nil, errors.New("missing config parameter")
	}
	if exec == nil {
		return nil, errors.New("missing executor parameter")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	loopDevice, err := cfg.GetItem("Loop.Device")
	if err != nil {
		return nil, err
	}
	mountPoint, err := cfg.GetItem("Mount.Point")
	if err != nil {
		return nil, err
	}
	if mountPoint == "" {
		return nil, errors.New("Mount.Point is empty")
	}
	keep, err := cfg.GetBool("Workflow.KeepOnFailure")
	if err != nil {
		return nil, err
	}

	loops, err := filesystems.NewLoopManager(exec, loopDevice, log)
	if err != nil {
		return nil, err
	}
	mounts, err := filesystems.NewMounter(exec, log)
	if err != nil {
		return nil, err
	}
	scope, err := filesystems.NewScope(loops, mounts, keep, log)
	if err != nil {
		return nil, err
	}
	inspector, err := imager.NewInspector(cfg, exec, log)
	if err != nil {
		return nil, err
	}
	shr, err := shrinker.New(cfg, exec, inspector, loops, log)
	if err != nil {
		return nil, err
	}
	patcher, err := bootcfg.NewPatcher(cfg, exec, log)
	if err != nil {
		return nil, err
	}

	return &Controller{
		cfg:        cfg,
		log:        log,
		Shrinker:   shr,
		Scope:      scope,
		Patcher:    patcher,
		MountPoint: mountPoint,
	}, nil
}

// Run shrinks imagePath in place and returns the before and after sizes.
// The first failure ends the run. Loop devices and mounts still held at
// that point are released unless the scope keeps them for diagnosis.
func (c *Controller) Run(ctx context.Context, imagePath string) (shrinker.Summary, error) {
	if err := c.preflight(imagePath); err != nil {
		return shrinker.Summary{}, err
	}

	st := shrinker.NewWorkflowState(imagePath)
	c.Shrinker.DryRun = c.DryRun
	if err := c.Shrinker.Run(ctx, st); err != nil {
		if relErr := c.Scope.Release(ctx); relErr != nil {
			return shrinker.Summary{}, failure.Join(err, relErr)
		}
		return shrinker.Summary{}, err
	}

	if !c.DryRun {
		if err := c.patchBoot(ctx, st); err != nil {
			return shrinker.Summary{}, err
		}
		if err := c.patchRoot(ctx, st); err != nil {
			return shrinker.Summary{}, err
		}
	}

	margin, err := c.cfg.GetInt("Shrink.SafetyMarginSectors")
	if err != nil {
		return shrinker.Summary{}, err
	}
	summary := st.Summary(margin)
	c.logSummary(imagePath, summary)
	return summary, nil
}

func (c *Controller) preflight(imagePath string) error {
	if err := checkPrerequisites(RequiredTools); err != nil {
		return err
	}
	if err := requireImageFile(imagePath); err != nil {
		return err
	}
	if c.DryRun {
		return nil
	}
	// Fail before the image is touched rather than after it was shrunk.
	return c.Scope.Mounts.CheckUnoccupied(c.MountPoint)
}

func (c *Controller) patchBoot(ctx context.Context, st *shrinker.WorkflowState) error {
	return c.Scope.WithLoop(ctx, st.ImagePath, st.Image.Boot().Offset(),
		func(ctx context.Context, dev *filesystems.LoopDevice) error {
			return c.Scope.WithMount(ctx, dev.Device, c.MountPoint,
				func(ctx context.Context, mt *filesystems.Mount) error {
					return c.Patcher.PatchCmdlineFile(mt.Target, st.DiskID)
				})
		})
}

func (c *Controller) patchRoot(ctx context.Context, st *shrinker.WorkflowState) error {
	return c.Scope.WithLoop(ctx, st.ImagePath, st.Image.Root().Offset(),
		func(ctx context.Context, dev *filesystems.LoopDevice) error {
			return c.Scope.WithMount(ctx, dev.Device, c.MountPoint,
				func(ctx context.Context, mt *filesystems.Mount) error {
					if err := c.Patcher.PatchFstabFile(mt.Target, st.DiskID); err != nil {
						return err
					}
					return c.Patcher.InstallResizeHook(ctx, mt.Target)
				})
		})
}

func (c *Controller) logSummary(imagePath string, s shrinker.Summary) {
	log := c.log.WithField("image", imagePath)
	if s.Projected {
		log.Infof("Dry run: %s could shrink from %s to about %s, saving %s",
			imagePath, units.BytesSize(float64(s.OriginalSize)), units.BytesSize(float64(s.NewSize)),
			units.BytesSize(float64(s.Saved)))
		return
	}
	log.Infof("Shrunk %s from %s to %s, saved %s",
		imagePath, units.BytesSize(float64(s.OriginalSize)), units.BytesSize(float64(s.NewSize)),
		units.BytesSize(float64(s.Saved)))
}
