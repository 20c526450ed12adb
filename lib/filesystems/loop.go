package filesystems

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"shrinkpi/lib/extract"
	"shrinkpi/lib/failure"
	"shrinkpi/lib/runner"
)

// Mockable variables for loop-device operations.
var (
	sysBlockPrefix = "/sys/block"

	// Low-level wrappers; replaced by fakes in tests.
	openFile        = os.OpenFile
	closeFile       = func(f *os.File) error { return f.Close() }
	statPath        = os.Stat
	ioctlLoopStatus = unix.IoctlLoopGetStatus64
	readFileBytes   = os.ReadFile
	evalSymlinks    = filepath.EvalSymlinks

	isBlockDevice = func(fi os.FileInfo) bool {
		return fi.Mode()&os.ModeDevice != 0 && fi.Mode()&os.ModeCharDevice == 0
	}
)

// LoopManager hands out the single well-known loop-device slot.
// At most one LoopDevice is open at a time.
type LoopManager struct {
	mu     sync.Mutex
	exec   runner.IExecutor
	log    logrus.FieldLogger
	Device string // well-known slot, e.g. /dev/loop0
	open   *LoopDevice
}

// NewLoopManager creates a LoopManager for the given slot.
func NewLoopManager(exec runner.IExecutor, device string, log logrus.FieldLogger) (*LoopManager, error) {
	if exec == nil {
		return nil, errors.New("missing executor parameter")
	}
	if device == "" {
		return nil, errors.New("missing device parameter")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LoopManager{exec: exec, log: log, Device: device}, nil
}

// LoopDevice is an attachment of the slot to a byte range of an image file.
type LoopDevice struct {
	mgr      *LoopManager
	Device   string
	Image    string
	Offset   int64
	attached bool
}

// Attached reports whether the association is still held.
func (l *LoopDevice) Attached() bool {
	l.mgr.mu.Lock()
	defer l.mgr.mu.Unlock()
	return l.attached
}

// Partition returns the kernel name of partition n on the device,
// e.g. /dev/loop0p2.
func (l *LoopDevice) Partition(n int) string {
	return l.Device + "p" + strconv.Itoa(n)
}

// Open returns the currently attached device, or nil.
func (m *LoopManager) Open() *LoopDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// InUse reports whether `losetup -a` lists the slot.
func (m *LoopManager) InUse(ctx context.Context) (bool, error) {
	out, err := m.exec.Execute(ctx, "losetup", "-a")
	if err != nil {
		return false, err
	}
	return extract.LoopListed(out, m.Device), nil
}

// Attach associates the slot with imagePath starting at offset bytes,
// equivalent to `losetup -o <offset> <slot> <imagePath>`. The slot must not
// be listed as in use beforehand, and afterwards `losetup <slot>` must name
// the slot, the image and the offset.
func (m *LoopManager) Attach(ctx context.Context, imagePath string, offset int64) (*LoopDevice, error) {
	if imagePath == "" {
		return nil, errors.New("missing imagePath parameter")
	}
	if offset < 0 {
		return nil, fmt.Errorf("invalid offset %d", offset)
	}

	m.mu.Lock()
	held := m.open
	m.mu.Unlock()
	if held != nil {
		return nil, failure.New(failure.PreconditionViolation, "loop attach",
			"%s is still attached at offset %d", held.Device, held.Offset)
	}

	busy, err := m.InUse(ctx)
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, failure.New(failure.PreconditionViolation, "loop attach",
			"%s is already in use, detach it with `losetup -d %s`", m.Device, m.Device)
	}

	log := m.log.WithFields(logrus.Fields{"device": m.Device, "offset": offset})
	log.Debugf("Attaching %s", imagePath)
	if _, err := m.exec.Execute(ctx, "losetup", "-o", strconv.FormatInt(offset, 10), m.Device, imagePath); err != nil {
		return nil, err
	}

	dev := &LoopDevice{mgr: m, Device: m.Device, Image: imagePath, Offset: offset, attached: true}
	if err := m.confirm(ctx, dev); err != nil {
		if _, derr := m.exec.Execute(context.WithoutCancel(ctx), "losetup", "-d", m.Device); derr != nil {
			log.Warnf("Unable to release %s after failed attach: %v", m.Device, derr)
		}
		return nil, err
	}

	m.mu.Lock()
	m.open = dev
	m.mu.Unlock()
	log.Infof("Attached %s", imagePath)
	return dev, nil
}

// confirm checks the association through `losetup <slot>` and, where the
// slot is a real block device, through LOOP_GET_STATUS64.
func (m *LoopManager) confirm(ctx context.Context, dev *LoopDevice) error {
	out, err := m.exec.Execute(ctx, "losetup", dev.Device)
	if err != nil {
		return err
	}
	if !strings.Contains(out, dev.Device+":") {
		return failure.New(failure.ParseMismatch, "loop attach",
			"cannot confirm %s in losetup output: %q", dev.Device, strings.TrimSpace(out))
	}
	backing, truncated, ok := extract.LoopBackingFile(out)
	if !ok || !sameImage(backing, truncated, dev.Image) {
		return failure.New(failure.ParseMismatch, "loop attach",
			"cannot confirm %s backs %s in losetup output: %q", dev.Image, dev.Device, strings.TrimSpace(out))
	}
	if dev.Offset > 0 {
		got, ok := extract.LoopOffset(out)
		if !ok || got != dev.Offset {
			return failure.New(failure.ParseMismatch, "loop attach",
				"cannot confirm offset %d of %s in losetup output: %q", dev.Offset, dev.Device, strings.TrimSpace(out))
		}
	}

	if bf := dev.BackingFile(); bf != "" && !sameImage(bf, false, dev.Image) {
		return failure.New(failure.ConsistencyViolation, "loop attach",
			"kernel reports %s backed by %s, expected %s", dev.Device, bf, dev.Image)
	}

	kernelOffset, ok, err := loopKernelOffset(dev.Device)
	if err != nil {
		return failure.Wrap(failure.ToolInvocationFailure, "loop attach", err)
	}
	if ok && kernelOffset != uint64(dev.Offset) {
		return failure.New(failure.ConsistencyViolation, "loop attach",
			"kernel reports offset %d for %s, expected %d", kernelOffset, dev.Device, dev.Offset)
	}
	return nil
}

// sameImage reports whether name, as printed by losetup or sysfs, refers to
// imagePath. Both the absolute and the symlink-resolved forms are accepted.
// A truncated name only has to be a prefix.
func sameImage(name string, truncated bool, imagePath string) bool {
	if name == "" {
		return false
	}
	abs, err := filepath.Abs(imagePath)
	if err != nil {
		abs = filepath.Clean(imagePath)
	}
	candidates := []string{abs}
	if resolved, err := evalSymlinks(abs); err == nil && resolved != abs {
		candidates = append(candidates, resolved)
	}
	for _, c := range candidates {
		if c == name || (truncated && strings.HasPrefix(c, name)) {
			return true
		}
	}
	return false
}

// loopKernelOffset reads lo_offset of a loop block device. ok is false when
// device is not a block device, in which case nothing is checked.
func loopKernelOffset(device string) (uint64, bool, error) {
	fi, err := statPath(device)
	if err != nil || !isBlockDevice(fi) {
		return 0, false, nil
	}
	f, err := openFile(device, os.O_RDONLY, 0)
	if err != nil {
		return 0, false, fmt.Errorf("open %s: %w", device, err)
	}
	defer closeFile(f)

	info, err := ioctlLoopStatus(int(f.Fd()))
	if err != nil {
		return 0, false, fmt.Errorf("LOOP_GET_STATUS64 on %s: %w", device, err)
	}
	return info.Offset, true, nil
}

// Detach releases the association, equivalent to `losetup -d <slot>`.
// Returns an error if the device was never attached or already detached.
func (l *LoopDevice) Detach(ctx context.Context) error {
	m := l.mgr
	m.mu.Lock()
	if !l.attached {
		m.mu.Unlock()
		return fmt.Errorf("loop detach: %s not attached", l.Device)
	}
	m.mu.Unlock()

	if _, err := m.exec.Execute(ctx, "losetup", "-d", l.Device); err != nil {
		return err
	}

	m.mu.Lock()
	l.attached = false
	if m.open == l {
		m.open = nil
	}
	m.mu.Unlock()
	m.log.WithField("device", l.Device).Infof("Detached %s", l.Image)
	return nil
}

// Close detaches the open device, if any.
func (m *LoopManager) Close(ctx context.Context) error {
	dev := m.Open()
	if dev == nil {
		return nil
	}
	return dev.Detach(ctx)
}

// BackingFile returns the kernel-reported backing file for the loop device
// by reading /sys/block/loopN/loop/backing_file.
// Returns an empty string when the device has no backing file.
func (l *LoopDevice) BackingFile() string {
	if l.Device == "" {
		return ""
	}
	base := filepath.Base(l.Device) // "loop0"
	p := filepath.Join(sysBlockPrefix, base, "loop", "backing_file")
	data, err := readFileBytes(p)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (l *LoopDevice) String() string {
	s := fmt.Sprintf("%s (%s @ %d)", l.Device, l.Image, l.Offset)
	if bf := l.BackingFile(); bf != "" && bf != l.Image {
		s += " backed by " + bf
	}
	return s
}
