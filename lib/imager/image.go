// Package imager inspects the layout and filesystem health of a two
// partition disk image.
package imager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"shrinkpi/lib/config"
	"shrinkpi/lib/extract"
	"shrinkpi/lib/failure"
	"shrinkpi/lib/runner"
)

// SectorSize is the only supported sector size in bytes.
const SectorSize = 512

var (
	statFile = os.Stat
	access   = unix.Access
)

// FilesystemKind is the family of a partition type id.
type FilesystemKind int

const (
	UnknownFs FilesystemKind = iota
	FatFs
	LinuxFs
)

func (k FilesystemKind) String() string {
	switch k {
	case FatFs:
		return "FAT"
	case LinuxFs:
		return "Linux"
	default:
		return "unknown"
	}
}

// fatTypeIDs are the MBR type ids of FAT12/16/32 partitions.
var fatTypeIDs = map[string]bool{"1": true, "4": true, "6": true, "b": true, "c": true, "e": true}

// KindOfTypeID classifies an MBR partition type id.
func KindOfTypeID(id string) FilesystemKind {
	id = strings.TrimPrefix(strings.ToLower(id), "0x")
	switch {
	case fatTypeIDs[id]:
		return FatFs
	case id == "83":
		return LinuxFs
	default:
		return UnknownFs
	}
}

// PartitionDescriptor describes one partition of the image.
type PartitionDescriptor struct {
	Index   int
	Start   int64 // sectors
	Sectors int64
	TypeID  string
	Kind    FilesystemKind
}

// Offset is the partition start in bytes.
func (p PartitionDescriptor) Offset() int64 { return p.Start * SectorSize }

// End is the last sector of the partition.
func (p PartitionDescriptor) End() int64 { return p.Start + p.Sectors - 1 }

// DiskImage is an image file with its boot and root partitions.
type DiskImage struct {
	Path       string
	Partitions []PartitionDescriptor
}

// Boot returns partition 1.
func (d *DiskImage) Boot() PartitionDescriptor { return d.Partitions[0] }

// Root returns partition 2.
func (d *DiskImage) Root() PartitionDescriptor { return d.Partitions[1] }

// FilesystemUsage is the block usage reported by the consistency check.
type FilesystemUsage struct {
	Used      int64
	Total     int64
	BlockSize int64 // bytes
}

// SectorsPerBlock is BlockSize / 512, 8 for 4 KiB blocks.
func (u FilesystemUsage) SectorsPerBlock() int64 { return u.BlockSize / SectorSize }

// SectorsUsed converts used blocks to sectors.
func (u FilesystemUsage) SectorsUsed() int64 { return u.Used * u.SectorsPerBlock() }

// BytesUsed converts used blocks to bytes.
func (u FilesystemUsage) BytesUsed() int64 { return u.Used * u.BlockSize }

// IInspector defines the interface for image inspection.
// It mirrors all public methods of Inspector for testability.
type IInspector interface {
	BlockSize() (int64, error)
	InspectLayout(ctx context.Context, path string) (*DiskImage, error)
	CheckPristine(ctx context.Context, device string) (*FilesystemUsage, error)
}

// Inspector reads partition layouts and filesystem usage through external
// tools.
type Inspector struct {
	cfg  config.IConfig
	exec runner.IExecutor
	log  logrus.FieldLogger
}

// NewInspector creates a new Inspector instance.
func NewInspector(cfg config.IConfig, exec runner.IExecutor, log logrus.FieldLogger) (*Inspector, error) {
	if cfg == nil {
		return nil, errors.New("missing config parameter")
	}
	if exec == nil {
		return nil, errors.New("missing executor parameter")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Inspector{cfg: cfg, exec: exec, log: log}, nil
}

// BlockSize returns the configured filesystem block size in bytes.
func (in *Inspector) BlockSize() (int64, error) {
	v, err := in.cfg.GetInt("Shrink.BlockSize")
	if err != nil {
		return 0, err
	}
	if v <= 0 || v%SectorSize != 0 {
		return 0, fmt.Errorf("invalid Shrink.BlockSize %d: must be a positive multiple of %d", v, SectorSize)
	}
	return v, nil
}

// InspectLayout runs `fdisk -l` on the image and validates that it holds
// exactly a FAT partition 1 and a Linux partition 2 on 512-byte sectors.
// Nothing is attached or modified.
func (in *Inspector) InspectLayout(ctx context.Context, path string) (*DiskImage, error) {
	if path == "" {
		return nil, errors.New("missing path parameter")
	}
	const op = "inspect layout"

	out, err := in.exec.Execute(ctx, "fdisk", "-l", path)
	if err != nil {
		return nil, err
	}

	logical, physical, ok := extract.SectorSize(out)
	if !ok {
		return nil, failure.New(failure.ParseMismatch, op, "no sector size line in fdisk output for %s", path)
	}
	if logical != SectorSize || physical != SectorSize {
		return nil, failure.New(failure.PreconditionViolation, op,
			"sector size %d/%d bytes, only %d/%d is supported", logical, physical, SectorSize, SectorSize)
	}

	byIndex := make(map[int]extract.PartitionRow)
	for _, row := range extract.PartitionRows(out, path) {
		if row.Index > 2 {
			return nil, failure.New(failure.PreconditionViolation, op,
				"%s has a partition %d, only two partitions are supported", path, row.Index)
		}
		byIndex[row.Index] = row
	}

	img := &DiskImage{Path: path}
	for _, want := range []struct {
		index int
		kind  FilesystemKind
	}{{1, FatFs}, {2, LinuxFs}} {
		row, ok := byIndex[want.index]
		if !ok {
			return nil, failure.New(failure.PreconditionViolation, op, "%s has no partition %d", path, want.index)
		}
		kind := KindOfTypeID(row.TypeID)
		if kind != want.kind {
			return nil, failure.New(failure.PreconditionViolation, op,
				"partition %d has type %s (%s), expected %s", want.index, row.TypeID, row.Type, want.kind)
		}
		img.Partitions = append(img.Partitions, PartitionDescriptor{
			Index:   row.Index,
			Start:   row.Start,
			Sectors: row.Sectors,
			TypeID:  row.TypeID,
			Kind:    kind,
		})
	}

	for _, p := range img.Partitions {
		in.log.WithField("partition", p.Index).Debugf("%s partition: start %d, %d sectors, offset %d",
			p.Kind, p.Start, p.Sectors, p.Offset())
	}
	return img, nil
}

// CheckPristine runs a forced read-only `e2fsck -n -f` on device and returns
// the block usage from its summary line. A missing summary means the check
// did not complete as expected and is fatal.
func (in *Inspector) CheckPristine(ctx context.Context, device string) (*FilesystemUsage, error) {
	if device == "" {
		return nil, errors.New("missing device parameter")
	}
	const op = "check pristine"

	blockSize, err := in.BlockSize()
	if err != nil {
		return nil, err
	}

	out, err := in.exec.Execute(ctx, "e2fsck", "-n", "-f", device)
	if err != nil {
		return nil, err
	}
	used, total, ok := extract.BlockUsage(out)
	if !ok {
		return nil, failure.New(failure.ParseMismatch, op,
			"no block usage summary in e2fsck output for %s: %q", device, strings.TrimSpace(out))
	}
	if total <= 0 || used > total {
		return nil, failure.New(failure.ParseMismatch, op, "implausible block usage %d/%d on %s", used, total, device)
	}

	usage := &FilesystemUsage{Used: used, Total: total, BlockSize: blockSize}
	in.log.WithField("device", device).Infof("Filesystem clean: %d/%d blocks used (%d sectors, %d bytes)",
		used, total, usage.SectorsUsed(), usage.BytesUsed())
	return usage, nil
}

// RequireImageFile checks that path is an existing, writable regular file.
func RequireImageFile(path string) error {
	const op = "image file"
	if path == "" {
		return failure.New(failure.PreconditionViolation, op, "no image file given")
	}
	fi, err := statFile(path)
	if err != nil {
		return failure.Wrap(failure.PreconditionViolation, op, err)
	}
	if !fi.Mode().IsRegular() {
		return failure.New(failure.PreconditionViolation, op, "%s is not a regular file", path)
	}
	if err := access(path, unix.W_OK); err != nil {
		return failure.New(failure.PreconditionViolation, op, "%s is not writable: %v", path, err)
	}
	return nil
}
