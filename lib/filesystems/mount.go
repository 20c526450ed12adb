package filesystems

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/moby/sys/mountinfo"
	"github.com/sirupsen/logrus"

	"shrinkpi/lib/failure"
	"shrinkpi/lib/runner"
)

var (
	// mounted reports whether a path is a mount point. Replaceable for testing.
	mounted = mountinfo.Mounted

	// getMounts lists mounts matching a filter. Replaceable for testing.
	getMounts = mountinfo.GetMounts

	mkdirAll = os.MkdirAll
)

// Mounter mounts loop partitions on the designated mount point.
type Mounter struct {
	exec runner.IExecutor
	log  logrus.FieldLogger
}

// NewMounter creates a Mounter running mount and umount through exec.
func NewMounter(exec runner.IExecutor, log logrus.FieldLogger) (*Mounter, error) {
	if exec == nil {
		return nil, errors.New("missing executor parameter")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Mounter{exec: exec, log: log}, nil
}

// Mount is an active mount created by Mounter.
type Mount struct {
	m       *Mounter
	Device  string
	Target  string
	mounted bool
}

// CheckUnoccupied fails with PreconditionViolation when target is already a
// mount point. A missing target is created.
func (m *Mounter) CheckUnoccupied(target string) error {
	if target == "" {
		return errors.New("missing target parameter")
	}
	if err := mkdirAll(target, 0755); err != nil {
		return fmt.Errorf("cannot create mount point %s: %w", target, err)
	}
	busy, err := mounted(target)
	if err != nil {
		return fmt.Errorf("cannot inspect mount point %s: %w", target, err)
	}
	if busy {
		return failure.New(failure.PreconditionViolation, "mount",
			"%s is already mounted, unmount it first", target)
	}
	return nil
}

// Mount mounts device on target after checking target is unoccupied.
func (m *Mounter) Mount(ctx context.Context, device, target string) (*Mount, error) {
	if device == "" {
		return nil, errors.New("missing device parameter")
	}
	if err := m.CheckUnoccupied(target); err != nil {
		return nil, err
	}
	if _, err := m.exec.Execute(ctx, "mount", device, target); err != nil {
		return nil, err
	}
	m.log.WithField("device", device).Infof("Mounted on %s", target)
	return &Mount{m: m, Device: device, Target: target, mounted: true}, nil
}

// Unmount releases the mount. On failure the mounts still below the target
// are logged to help the operator.
func (mt *Mount) Unmount(ctx context.Context) error {
	if !mt.mounted {
		return fmt.Errorf("umount: %s not mounted", mt.Target)
	}
	if _, err := mt.m.exec.Execute(ctx, "umount", mt.Target); err != nil {
		mt.m.log.Warnf("Unable to umount %s, active mounts:\n%s", mt.Target, formatMounts(mt.Target))
		return err
	}
	mt.mounted = false
	mt.m.log.WithField("device", mt.Device).Infof("Unmounted %s", mt.Target)
	return nil
}

// formatMounts renders the mounts at or below prefix for diagnostics.
func formatMounts(prefix string) string {
	entries, err := getMounts(mountinfo.PrefixFilter(prefix))
	if err != nil {
		return err.Error()
	}
	if len(entries) == 0 {
		return "(no mounts)"
	}
	var lines []string
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("TARGET=%s SOURCE=%s FSTYPE=%s OPTIONS=%s",
			e.Mountpoint, e.Source, e.FSType, e.Options))
	}
	return strings.Join(lines, "\n")
}
