package shrinker

import (
	"shrinkpi/lib/extract"
	"shrinkpi/lib/filesystems"
	"shrinkpi/lib/imager"
)

// State is a step of the shrink state machine.
type State int

const (
	Inspect State = iota
	AttachRoot
	VerifyPristine
	ShrinkFilesystem
	DetachRoot
	AttachWhole
	DumpTable
	RewriteTable
	DetachWhole
	AttachRoot2
	VerifyPristine2
	DetachRoot2
	Truncate
	Done
)

var stateNames = [...]string{
	Inspect:          "Inspect",
	AttachRoot:       "AttachRoot",
	VerifyPristine:   "VerifyPristine",
	ShrinkFilesystem: "ShrinkFilesystem",
	DetachRoot:       "DetachRoot",
	AttachWhole:      "AttachWhole",
	DumpTable:        "DumpTable",
	RewriteTable:     "RewriteTable",
	DetachWhole:      "DetachWhole",
	AttachRoot2:      "AttachRoot2",
	VerifyPristine2:  "VerifyPristine2",
	DetachRoot2:      "DetachRoot2",
	Truncate:         "Truncate",
	Done:             "Done",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Next returns the single forward transition out of s. A dry run stops
// after the first consistency check and never reaches a mutating state.
func (s State) Next(dryRun bool) State {
	switch {
	case s >= Done:
		return Done
	case dryRun && s == VerifyPristine:
		return DetachRoot
	case dryRun && s == DetachRoot:
		return Done
	default:
		return s + 1
	}
}

// WorkflowState carries the values derived while the state machine runs.
// It lives for one invocation only.
type WorkflowState struct {
	State     State
	ImagePath string

	Image        *imager.DiskImage
	OriginalSize int64 // bytes

	// Loop is the attachment owned by the current step, nil between steps
	// that detach and attach.
	Loop *filesystems.LoopDevice

	Usage               *imager.FilesystemUsage
	NewPartitionSectors int64
	AlreadyMinimal      bool

	Table *extract.TableDump

	LastEndSector int64
	// DiskID is the disk identifier written by the repartition, the
	// BootIdentifier partition ids are derived from.
	DiskID string

	Verified    *imager.FilesystemUsage
	NewFileSize int64 // bytes
}

// NewWorkflowState starts a run on imagePath.
func NewWorkflowState(imagePath string) *WorkflowState {
	return &WorkflowState{State: Inspect, ImagePath: imagePath}
}

// Summary is the before and after of a run.
type Summary struct {
	OriginalSize int64
	NewSize      int64
	Saved        int64
	Projected    bool
}

// Summary reports the sizes of a finished run. For a dry run the new size
// is projected from the used blocks.
func (st *WorkflowState) Summary(marginSectors int64) Summary {
	s := Summary{OriginalSize: st.OriginalSize, NewSize: st.NewFileSize}
	if s.NewSize == 0 && st.Image != nil && st.Usage != nil {
		s.NewSize = (st.Image.Root().Start + st.Usage.SectorsUsed() + marginSectors) * imager.SectorSize
		s.Projected = true
	}
	if s.NewSize > 0 && s.OriginalSize > s.NewSize {
		s.Saved = s.OriginalSize - s.NewSize
	}
	return s
}
