// Package shrinker drives the external tools that minimise the root
// filesystem, shrink its partition and truncate the image, as an explicit
// state machine with one forward transition per state.
package shrinker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"

	"shrinkpi/lib/config"
	"shrinkpi/lib/extract"
	"shrinkpi/lib/failure"
	"shrinkpi/lib/filesystems"
	"shrinkpi/lib/imager"
	"shrinkpi/lib/runner"
)

var statFile = os.Stat

// Handler runs the work of one state.
type Handler func(ctx context.Context, st *WorkflowState) error

// Shrinker owns the state handlers.
type Shrinker struct {
	cfg       config.IConfig
	exec      runner.IExecutor
	inspector imager.IInspector
	loops     *filesystems.LoopManager
	log       logrus.FieldLogger

	// DryRun stops after the first consistency check.
	DryRun bool

	handlers map[State]Handler
}

// New creates a Shrinker.
func New(cfg config.IConfig, exec runner.IExecutor, inspector imager.IInspector, loops *filesystems.LoopManager, log logrus.FieldLogger) (*Shrinker, error) {
	if cfg == nil {
		return nil, errors.New("missing config parameter")
	}
	if exec == nil {
		return nil, errors.New("missing executor parameter")
	}
	if inspector == nil {
		return nil, errors.New("missing inspector parameter")
	}
	if loops == nil {
		return nil, errors.New("missing loops parameter")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Shrinker{cfg: cfg, exec: exec, inspector: inspector, loops: loops, log: log}
	s.handlers = map[State]Handler{
		Inspect:          s.inspect,
		AttachRoot:       s.attachRoot,
		VerifyPristine:   s.verifyPristine,
		ShrinkFilesystem: s.shrinkFilesystem,
		DetachRoot:       s.detach,
		AttachWhole:      s.attachWhole,
		DumpTable:        s.dumpTable,
		RewriteTable:     s.rewriteTable,
		DetachWhole:      s.detach,
		AttachRoot2:      s.attachRoot,
		VerifyPristine2:  s.verifyPristine2,
		DetachRoot2:      s.detach,
		Truncate:         s.truncate,
	}
	return s, nil
}

// Step runs the handler of the current state and, on success, moves to the
// next one. A failed step leaves the state unchanged.
func (s *Shrinker) Step(ctx context.Context, st *WorkflowState) error {
	if st == nil {
		return errors.New("missing state parameter")
	}
	if st.State == Done {
		return errors.New("state machine already done")
	}
	h, ok := s.handlers[st.State]
	if !ok {
		return fmt.Errorf("no handler for state %s", st.State)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", st.State, err)
	}

	s.log.WithField("state", st.State).Debug("Entering state")
	if err := h(ctx, st); err != nil {
		s.log.WithField("state", st.State).Errorf("State failed: %v", err)
		return fmt.Errorf("%s: %w", st.State, err)
	}
	st.State = st.State.Next(s.DryRun)
	return nil
}

// Run steps until Done or the first failure.
func (s *Shrinker) Run(ctx context.Context, st *WorkflowState) error {
	for st.State != Done {
		if err := s.Step(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

func (s *Shrinker) inspect(ctx context.Context, st *WorkflowState) error {
	img, err := s.inspector.InspectLayout(ctx, st.ImagePath)
	if err != nil {
		return err
	}
	fi, err := statFile(st.ImagePath)
	if err != nil {
		return failure.Wrap(failure.PreconditionViolation, "inspect", err)
	}
	st.Image = img
	st.OriginalSize = fi.Size()
	return nil
}

func (s *Shrinker) attachRoot(ctx context.Context, st *WorkflowState) error {
	return s.attach(ctx, st, st.Image.Root().Offset())
}

func (s *Shrinker) attachWhole(ctx context.Context, st *WorkflowState) error {
	return s.attach(ctx, st, 0)
}

func (s *Shrinker) attach(ctx context.Context, st *WorkflowState, offset int64) error {
	if st.Loop != nil {
		return failure.New(failure.PreconditionViolation, "attach", "%s is still attached", st.Loop)
	}
	dev, err := s.loops.Attach(ctx, st.ImagePath, offset)
	if err != nil {
		return err
	}
	st.Loop = dev
	return nil
}

func (s *Shrinker) detach(ctx context.Context, st *WorkflowState) error {
	if st.Loop == nil {
		return errors.New("no loop device attached")
	}
	if err := st.Loop.Detach(ctx); err != nil {
		return err
	}
	st.Loop = nil
	return nil
}

func (s *Shrinker) verifyPristine(ctx context.Context, st *WorkflowState) error {
	usage, err := s.inspector.CheckPristine(ctx, st.Loop.Device)
	if err != nil {
		return err
	}
	st.Usage = usage
	return nil
}

// verifyPristine2 re-checks the filesystem through the rewritten partition
// table. Truncation never runs unless this passes.
func (s *Shrinker) verifyPristine2(ctx context.Context, st *WorkflowState) error {
	usage, err := s.inspector.CheckPristine(ctx, st.Loop.Device)
	if err != nil {
		return err
	}
	st.Verified = usage
	return nil
}

func (s *Shrinker) shrinkFilesystem(ctx context.Context, st *WorkflowState) error {
	const op = "shrink filesystem"
	out, err := s.exec.Execute(ctx, "resize2fs", "-f", "-M", st.Loop.Device)
	if err != nil {
		return err
	}
	res, ok := extract.Resize(out)
	if !ok {
		return failure.New(failure.ParseMismatch, op, "no final size in resize2fs output: %q", out)
	}
	if res.BlockKiB*1024 != st.Usage.BlockSize {
		return failure.New(failure.ConsistencyViolation, op,
			"resize2fs reports %dk blocks, configured block size is %d bytes", res.BlockKiB, st.Usage.BlockSize)
	}

	sectors := res.Blocks * st.Usage.SectorsPerBlock()
	root := st.Image.Root()
	if sectors > root.Sectors {
		return failure.New(failure.ConsistencyViolation, op,
			"new size %d sectors exceeds the partition's %d sectors", sectors, root.Sectors)
	}
	st.NewPartitionSectors = sectors
	st.AlreadyMinimal = res.Already

	if res.Already {
		s.log.Infof("Filesystem already at its minimum of %d blocks (%d sectors)", res.Blocks, sectors)
	} else {
		s.log.Infof("Filesystem shrunk to %d blocks (%d sectors)", res.Blocks, sectors)
	}
	return nil
}

func (s *Shrinker) dumpTable(ctx context.Context, st *WorkflowState) error {
	out, err := s.exec.Execute(ctx, "sfdisk", "-d", st.Loop.Device)
	if err != nil {
		return err
	}
	table, ok := extract.ParseDump(out)
	if !ok {
		return failure.New(failure.ParseMismatch, "dump table", "no partition records in sfdisk dump of %s", st.Loop.Device)
	}
	if _, ok := table.Entries[st.Loop.Partition(2)]; !ok {
		return failure.New(failure.ParseMismatch, "dump table", "no %s record in sfdisk dump", st.Loop.Partition(2))
	}
	st.Table = table
	return nil
}

func (s *Shrinker) rewriteTable(ctx context.Context, st *WorkflowState) error {
	const op = "rewrite table"
	part := st.Loop.Partition(2)
	script, ok := st.Table.RewriteSize(part, st.NewPartitionSectors)
	if !ok {
		return failure.New(failure.ParseMismatch, op, "cannot rewrite size of %s", part)
	}
	s.log.Debugf("New partition table:\n%s", script)

	out, err := s.exec.ExecuteWithInput(ctx, script, "sfdisk", "--no-reread", "--no-tell-kernel", st.Loop.Device)
	if err != nil {
		return err
	}
	id, ok := extract.DiskIdentifier(out)
	if !ok {
		return failure.New(failure.ParseMismatch, op, "no disk identifier in sfdisk output")
	}
	end, ok := extract.EndSector(out, part)
	if !ok {
		return failure.New(failure.ParseMismatch, op, "no end sector for %s in sfdisk output", part)
	}
	st.DiskID = id
	st.LastEndSector = end
	s.log.Infof("Partition table rewritten: disk identifier %s, %s ends at sector %d", id, part, end)
	return nil
}

func (s *Shrinker) truncate(ctx context.Context, st *WorkflowState) error {
	const op = "truncate"
	margin, err := s.cfg.GetInt("Shrink.SafetyMarginSectors")
	if err != nil {
		return err
	}
	size := (st.LastEndSector + margin) * imager.SectorSize
	if st.OriginalSize > 0 && size > st.OriginalSize {
		return failure.New(failure.ConsistencyViolation, op,
			"computed size %d exceeds the original %d bytes", size, st.OriginalSize)
	}

	if _, err := s.exec.Execute(ctx, "truncate", "-s", strconv.FormatInt(size, 10), st.ImagePath); err != nil {
		return err
	}
	fi, err := statFile(st.ImagePath)
	if err != nil {
		return failure.Wrap(failure.ToolInvocationFailure, op, err)
	}
	if fi.Size() != size {
		return failure.New(failure.ConsistencyViolation, op,
			"%s is %d bytes after truncate, expected %d", st.ImagePath, fi.Size(), size)
	}
	st.NewFileSize = size
	return nil
}
