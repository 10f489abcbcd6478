package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/spin-stack/concierge/internal/kind"
	"github.com/spin-stack/concierge/internal/vm"
)

// RecordBucket is the bolt bucket guest records live in.
const RecordBucket = "guests"

// Record is what survives a daemon restart about one guest.
type Record struct {
	Owner      string    `json:"owner"`
	Name       string    `json:"name"`
	Kind       kind.Kind `json:"kind"`
	CID        uint32    `json:"cid"`
	PID        int       `json:"pid"`
	ScratchDir string    `json:"scratch_dir"`
	IfName     string    `json:"if_name,omitempty"`
}

func recordFrom(info vm.Info) Record {
	return Record{
		Owner:      info.Owner,
		Name:       info.Name,
		Kind:       info.Kind,
		CID:        info.CID,
		PID:        info.PID,
		ScratchDir: info.ScratchDir,
		IfName:     info.IfName,
	}
}

// Recover cleans up guests recorded by a previous daemon that did not shut
// down cleanly: their hypervisors are killed, scratch directories removed,
// network bindings released and records deleted. It returns how many
// records were found.
func (r *Registry) Recover(ctx context.Context) (int, error) {
	if r.opts.Records == nil {
		return 0, nil
	}
	var stale []Record
	err := r.opts.Records.Scan(ctx, "", func(_ string, rec *Record) error {
		stale = append(stale, *rec)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan guest records: %w", err)
	}

	binary := ""
	if r.opts.Config != nil {
		binary = r.opts.Config.Paths.Hypervisor
	}
	for _, rec := range stale {
		logger := log.G(ctx).WithFields(log.Fields{
			"owner": rec.Owner,
			"name":  rec.Name,
			"cid":   rec.CID,
			"pid":   rec.PID,
		})
		logger.Warn("cleaning up guest left by previous daemon")

		if rec.PID > 0 {
			if err := r.opts.Kill(rec.PID, binary); err != nil {
				logger.WithError(err).Warn("failed to kill stale hypervisor")
			}
		}
		if rec.ScratchDir != "" {
			if err := os.RemoveAll(rec.ScratchDir); err != nil {
				logger.WithError(err).Warn("failed to remove stale scratch directory")
			}
		}
		if r.opts.Network != nil && rec.CID != 0 {
			if err := r.opts.Network.NotifyShutdown(ctx, rec.CID); err != nil {
				logger.WithError(err).Warn("failed to release stale network binding")
			}
		}
		k := key{rec.Owner, rec.Name}
		if err := r.opts.Records.Delete(ctx, k.String()); err != nil {
			logger.WithError(err).Warn("failed to delete stale guest record")
		}
	}
	return len(stale), nil
}

// killStale sends SIGKILL to pid if it is still the hypervisor. A pid
// recycled by an unrelated process is left alone.
func killStale(pid int, binary string) error {
	cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	argv0, _, _ := bytes.Cut(cmdline, []byte{0})
	if binary != "" && filepath.Base(string(argv0)) != filepath.Base(binary) {
		return nil
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}
