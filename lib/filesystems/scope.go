package filesystems

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"shrinkpi/lib/failure"
)

// Scope acquires loop devices and mounts for the length of a callback and
// releases them on every exit path. With KeepOnFailure set, resources are
// left in place when the callback fails so the operator can inspect them.
type Scope struct {
	Loops         *LoopManager
	Mounts        *Mounter
	KeepOnFailure bool
	Log           logrus.FieldLogger
}

// NewScope creates a Scope over the given managers.
func NewScope(loops *LoopManager, mounts *Mounter, keepOnFailure bool, log logrus.FieldLogger) (*Scope, error) {
	if loops == nil {
		return nil, errors.New("missing loops parameter")
	}
	if mounts == nil {
		return nil, errors.New("missing mounts parameter")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scope{Loops: loops, Mounts: mounts, KeepOnFailure: keepOnFailure, Log: log}, nil
}

// WithLoop attaches imagePath at offset, runs fn and detaches.
func (s *Scope) WithLoop(ctx context.Context, imagePath string, offset int64, fn func(context.Context, *LoopDevice) error) error {
	dev, err := s.Loops.Attach(ctx, imagePath, offset)
	if err != nil {
		return err
	}
	return s.release(ctx, fn(ctx, dev), dev.String(), dev.Detach)
}

// WithMount mounts device on target, runs fn and unmounts.
func (s *Scope) WithMount(ctx context.Context, device, target string, fn func(context.Context, *Mount) error) error {
	mt, err := s.Mounts.Mount(ctx, device, target)
	if err != nil {
		return err
	}
	return s.release(ctx, fn(ctx, mt), target, mt.Unmount)
}

func (s *Scope) release(ctx context.Context, fnErr error, what string, releaseFn func(context.Context) error) error {
	if fnErr != nil && s.KeepOnFailure {
		s.Log.Warnf("Keeping %s for diagnosis", what)
		return fnErr
	}
	// Release even when ctx was cancelled by a signal.
	relErr := releaseFn(context.WithoutCancel(ctx))
	if relErr == nil {
		return fnErr
	}
	if fnErr == nil {
		return relErr
	}
	s.Log.Warnf("Unable to release %s: %v", what, relErr)
	return failure.Join(fnErr, relErr)
}

// Release detaches whatever the scope's loop manager still holds. It is the
// cleanup path for workflows that attach and detach in separate steps.
func (s *Scope) Release(ctx context.Context) error {
	var errs []error
	if dev := s.Loops.Open(); dev != nil {
		if s.KeepOnFailure {
			s.Log.Warnf("Keeping %s attached for diagnosis", dev)
			return nil
		}
		s.Log.Infof("Releasing %s", dev)
		if err := dev.Detach(context.WithoutCancel(ctx)); err != nil {
			errs = append(errs, err)
		}
	}
	return failure.Join(errs...)
}
