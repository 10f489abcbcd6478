package vm

import (
	"context"
	"os"

	"github.com/containerd/log"

	"github.com/spin-stack/concierge/internal/hypervisor"
	"github.com/spin-stack/concierge/internal/vmerrors"
)

const (
	reasonResizeInProgress = "Resize already in progress"
	reasonStatusRPC        = "GetResizeStatus RPC failed"
	reasonUnexpectedSize   = "Unexpected size after filesystem resize"
	reasonShrinkImage      = "Failed to shrink disk image"
)

// Resize grows or shrinks the stateful disk to size bytes. Growing resizes
// the image before the filesystem; shrinking does the reverse once the
// guest reports the filesystem is done, see ResizeStatus.
func (v *VM) Resize(ctx context.Context, size uint64) (ResizeRecord, error) {
	if !v.desc.Kind.HasAgent() {
		return ResizeRecord{}, vmerrors.New(vmerrors.NotImplemented, "Not implemented")
	}

	v.op.Lock()
	defer v.op.Unlock()

	if rec := v.resizeRecord(); rec.Status == ResizeInProgress {
		return rec, vmerrors.New(vmerrors.InProgress, reasonResizeInProgress)
	}
	client := v.agentClient()
	if v.State() != Running || client == nil {
		return ResizeRecord{}, vmerrors.New(vmerrors.InvalidArgument, "guest is not running")
	}
	if len(v.desc.Disks) == 0 {
		return ResizeRecord{}, vmerrors.New(vmerrors.InvalidDisk, "guest has no stateful disk")
	}
	index, err := hypervisor.DiskIndex(v.statefulDevice())
	if err != nil {
		return ResizeRecord{}, err
	}
	current, err := diskSize(v.desc.Disks[v.req.StatefulDisk].Path)
	if err != nil {
		return ResizeRecord{}, err
	}

	rec := ResizeRecord{Target: size}
	logger := log.G(ctx).WithField("current", current).WithField("target", size)
	switch {
	case size == current:
		rec.Status = ResizeResized
	case size > current:
		logger.Info("expanding stateful disk")
		if err := v.deps.Controller.ResizeDisk(ctx, v.controlSocket(), index, size); err != nil {
			return v.failResize(rec, "Failed to expand disk image", err)
		}
		if err := client.ResizeFilesystem(ctx, size); err != nil {
			return v.failResize(rec, "ResizeFilesystem RPC failed", err)
		}
		rec.Kind = ResizeExpand
		rec.Status = ResizeInProgress
	default:
		logger.Info("shrinking stateful filesystem")
		if err := client.ResizeFilesystem(ctx, size); err != nil {
			return v.failResize(rec, "ResizeFilesystem RPC failed", err)
		}
		rec.Kind = ResizeShrink
		rec.Status = ResizeInProgress
	}
	v.setResize(rec)
	return rec, nil
}

// ResizeStatus polls the guest for the progress of the current resize.
func (v *VM) ResizeStatus(ctx context.Context) (ResizeRecord, error) {
	if !v.desc.Kind.HasAgent() {
		return ResizeRecord{}, vmerrors.New(vmerrors.NotImplemented, "Not implemented")
	}

	v.op.Lock()
	defer v.op.Unlock()

	rec := v.resizeRecord()
	if rec.Status != ResizeInProgress {
		return rec, nil
	}
	client := v.agentClient()
	if client == nil {
		return v.failResize(rec, reasonStatusRPC, vmerrors.New(vmerrors.Transport, "no agent connection"))
	}
	st, err := client.GetResizeStatus(ctx)
	if err != nil {
		return v.failResize(rec, reasonStatusRPC, err)
	}
	if st.InProgress {
		return rec, nil
	}
	if st.CurrentSize != rec.Target {
		log.G(ctx).WithField("reported", st.CurrentSize).WithField("target", rec.Target).Warn("filesystem resize ended at the wrong size")
		return v.failResize(rec, reasonUnexpectedSize, nil)
	}

	if rec.Kind == ResizeShrink {
		index, err := hypervisor.DiskIndex(v.statefulDevice())
		if err != nil {
			return v.failResize(rec, reasonShrinkImage, err)
		}
		if err := v.deps.Controller.ResizeDisk(ctx, v.controlSocket(), index, rec.Target); err != nil {
			return v.failResize(rec, reasonShrinkImage, err)
		}
	}
	rec.Kind = ResizeNone
	rec.Status = ResizeResized
	v.setResize(rec)
	log.G(ctx).WithField("size", rec.Target).Info("stateful disk resized")
	return rec, nil
}

// failResize records a failed resize. The returned error is nil when the
// failure is an outcome rather than a call error.
func (v *VM) failResize(rec ResizeRecord, reason string, cause error) (ResizeRecord, error) {
	rec.Kind = ResizeNone
	rec.Status = ResizeFailed
	rec.FailureReason = reason
	v.setResize(rec)
	if cause != nil {
		log.L.WithError(cause).WithField("reason", reason).Warn("disk resize failed")
	}
	return rec, nil
}

func (v *VM) resizeRecord() ResizeRecord {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.resize
}

func (v *VM) setResize(rec ResizeRecord) {
	v.mu.Lock()
	v.resize = rec
	v.mu.Unlock()
}

func diskSize(path string) (uint64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, vmerrors.Wrap(vmerrors.IOError, "failed to stat stateful disk", err)
	}
	return uint64(st.Size()), nil
}
