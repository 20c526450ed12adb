// Package bootcfg rewrites the boot command line and the mount table of a
// shrunk image so that they reference the new disk identifier, and installs
// the one-shot hook that grows the root filesystem on first boot.
package bootcfg

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"shrinkpi/lib/config"
	"shrinkpi/lib/extract"
	"shrinkpi/lib/failure"
	"shrinkpi/lib/runner"
)

const (
	// BootSuffix and RootSuffix turn a disk identifier into a partition
	// identifier.
	BootSuffix = "-01"
	RootSuffix = "-02"

	hookName = "resize2fs_once"
)

//go:embed assets/resize2fs_once
var resizeHook []byte

var (
	readFile   = os.ReadFile
	createTemp = os.CreateTemp
	rename     = os.Rename
	mkdirAll   = os.MkdirAll

	diskIDRe      = regexp.MustCompile(`^[0-9a-f]{8}$`)
	cmdlineRootRe = regexp.MustCompile(`\broot=PARTUUID=(\S+)`)
)

// Patcher rewrites configuration files inside mounted image partitions.
type Patcher struct {
	cfg  config.IConfig
	exec runner.IExecutor
	log  logrus.FieldLogger
}

// NewPatcher creates a Patcher.
func NewPatcher(cfg config.IConfig, exec runner.IExecutor, log logrus.FieldLogger) (*Patcher, error) {
	if cfg == nil {
		return nil, errors.New("missing config parameter")
	}
	if exec == nil {
		return nil, errors.New("missing executor parameter")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Patcher{cfg: cfg, exec: exec, log: log}, nil
}

func checkDiskID(id string) (string, error) {
	id = extract.NormalizeDiskID(id)
	if !diskIDRe.MatchString(id) {
		return "", fmt.Errorf("invalid disk identifier %q", id)
	}
	return id, nil
}

// PatchCmdline appends the resize marker unless it is already present and
// points the root= reference at partition 2 of disk id. Patching an already
// patched command line returns it unchanged.
func (p *Patcher) PatchCmdline(text, id string) (string, error) {
	const op = "patch cmdline"
	id, err := checkDiskID(id)
	if err != nil {
		return "", err
	}
	marker, err := p.cfg.GetItem("Boot.ResizeMarker")
	if err != nil {
		return "", err
	}

	line := strings.TrimSpace(text)
	if !cmdlineRootRe.MatchString(line) {
		return "", failure.New(failure.ParseMismatch, op, "no root=PARTUUID= reference in %q", line)
	}
	line = cmdlineRootRe.ReplaceAllLiteralString(line, "root=PARTUUID="+id+RootSuffix)

	if hasField(line, marker) {
		p.log.Infof("Resize marker %s already present", marker)
	} else if marker != "" {
		line += " " + marker
	}
	return line + "\n", nil
}

func hasField(line, field string) bool {
	for _, f := range strings.Fields(line) {
		if f == field {
			return true
		}
	}
	return false
}

// fstabPartition returns the PARTUUID and mount point of an fstab entry.
func fstabPartition(line string) (partuuid, mountpoint string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "#") {
		return "", "", false
	}
	fields := strings.Fields(trimmed)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "PARTUUID=") {
		return "", "", false
	}
	return strings.TrimPrefix(fields[0], "PARTUUID="), fields[1], true
}

// diskPrefix is a partition identifier without its two character suffix.
func diskPrefix(partuuid string) string {
	if len(partuuid) <= 2 {
		return ""
	}
	return partuuid[:len(partuuid)-2]
}

func replacePartUUID(line, old, repl string) string {
	return strings.Replace(line, "PARTUUID="+old, "PARTUUID="+repl, 1)
}

// PatchFstab points the boot and root mount entries at partitions 1 and 2
// of disk id. The root entry is only rewritten when it shares its disk
// prefix with the boot entry; otherwise the table describes another disk
// layout and ConsistencyViolation is returned. Other lines pass through.
func (p *Patcher) PatchFstab(lines []string, id string) ([]string, error) {
	const op = "patch fstab"
	id, err := checkDiskID(id)
	if err != nil {
		return nil, err
	}

	out := make([]string, len(lines))
	copy(out, lines)

	var bootOld, rootOld string
	rootIdx := -1
	for i, line := range lines {
		partuuid, mountpoint, ok := fstabPartition(line)
		if !ok {
			continue
		}
		switch mountpoint {
		case "/boot", "/boot/firmware":
			bootOld = partuuid
			out[i] = replacePartUUID(line, partuuid, id+BootSuffix)
		case "/":
			rootOld, rootIdx = partuuid, i
		}
	}

	if rootIdx < 0 {
		return nil, failure.New(failure.ParseMismatch, op, "no PARTUUID entry mounted on /")
	}
	if bootOld == "" {
		return nil, failure.New(failure.ConsistencyViolation, op, "no PARTUUID entry mounted on /boot")
	}
	if diskPrefix(bootOld) != diskPrefix(rootOld) {
		return nil, failure.New(failure.ConsistencyViolation, op,
			"boot partition %s and root partition %s are on different disks", bootOld, rootOld)
	}
	out[rootIdx] = replacePartUUID(lines[rootIdx], rootOld, id+RootSuffix)
	return out, nil
}

// PatchCmdlineFile patches the command line below the mounted boot
// partition bootRoot.
func (p *Patcher) PatchCmdlineFile(bootRoot, id string) error {
	rel, err := p.cfg.GetItem("Boot.CmdlinePath")
	if err != nil {
		return err
	}
	path := filepath.Join(bootRoot, rel)
	data, err := readFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	patched, err := p.PatchCmdline(string(data), id)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, []byte(patched), 0644, true); err != nil {
		return err
	}
	p.log.Infof("Patched %s: %s", path, strings.TrimSpace(patched))
	return nil
}

// PatchFstabFile patches the mount table below the mounted root partition
// rootRoot. Nothing is written when patching fails.
func (p *Patcher) PatchFstabFile(rootRoot, id string) error {
	rel, err := p.cfg.GetItem("Root.FstabPath")
	if err != nil {
		return err
	}
	path := filepath.Join(rootRoot, rel)
	data, err := readFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	patched, err := p.PatchFstab(lines, id)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, []byte(strings.Join(patched, "\n")+"\n"), 0644, true); err != nil {
		return err
	}
	p.log.Infof("Patched %s", path)
	return nil
}

// InstallResizeHook installs the first-boot filesystem grow script below
// the mounted root partition and enables it for runlevel 3. A link left by
// an earlier run is accepted.
func (p *Patcher) InstallResizeHook(ctx context.Context, mountRoot string) error {
	if mountRoot == "" {
		return errors.New("missing mountRoot parameter")
	}
	initDir := filepath.Join(mountRoot, "etc", "init.d")
	rcDir := filepath.Join(mountRoot, "etc", "rc3.d")
	for _, dir := range []string{initDir, rcDir} {
		if err := mkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	script := filepath.Join(initDir, hookName)
	if err := writeFileAtomic(script, resizeHook, 0755, false); err != nil {
		return err
	}
	link := filepath.Join(rcDir, "S01"+hookName)
	if _, err := p.exec.Execute(ctx, "ln", "-s", "../init.d/"+hookName, link); err != nil {
		return err
	}
	p.log.Infof("Installed %s, enabled as %s", script, link)
	return nil
}

// writeFileAtomic replaces path through a temporary file in the same
// directory so readers never see a partial file. With keepPerm an existing
// file keeps its mode and perm only applies to new files.
func writeFileAtomic(path string, data []byte, perm os.FileMode, keepPerm bool) error {
	if fi, err := os.Stat(path); err == nil && keepPerm {
		perm = fi.Mode().Perm()
	}
	tmp, err := createTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	// FAT has no permission bits and refuses chmod.
	if err := tmp.Chmod(perm); err != nil && !errors.Is(err, os.ErrPermission) {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
