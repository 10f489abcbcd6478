// Package pool allocates guest context IDs and shared-directory ports.
package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/gofrs/flock"

	"github.com/spin-stack/concierge/internal/vmerrors"
)

// InvalidCID is never handed out.
const InvalidCID uint32 = 0

// CIDPool manages context ID allocation using lock files.
// Each CID has a corresponding lock file held for as long as the CID is
// allocated, so two daemons sharing a lock directory never collide and a
// crashed daemon's CIDs become free when the kernel drops its locks.
type CIDPool struct {
	lockDir string
	minCID  uint32
	maxCID  uint32

	mu   sync.Mutex
	next uint32
	held map[uint32]*flock.Flock
}

type cidMetadata struct {
	PID         int       `json:"pid"`
	Owner       string    `json:"owner,omitempty"`
	Name        string    `json:"name,omitempty"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// NewCIDPool creates a pool over [minCID, maxCID].
func NewCIDPool(lockDir string, minCID, maxCID uint32) (*CIDPool, error) {
	if minCID == InvalidCID {
		return nil, fmt.Errorf("cid 0 is reserved")
	}
	if maxCID < minCID {
		return nil, fmt.Errorf("invalid cid range [%d, %d]", minCID, maxCID)
	}
	if err := os.MkdirAll(lockDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create CID lock directory: %w", err)
	}
	return &CIDPool{
		lockDir: lockDir,
		minCID:  minCID,
		maxCID:  maxCID,
		next:    minCID,
		held:    make(map[uint32]*flock.Flock),
	}, nil
}

// Allocate reserves the next free CID for the guest (owner, name).
// Freed CIDs are handed out again once the cursor wraps around.
func (p *CIDPool) Allocate(owner, name string) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	span := uint64(p.maxCID) - uint64(p.minCID) + 1
	cid := p.next
	for range span {
		candidate := cid
		if cid == p.maxCID {
			cid = p.minCID
		} else {
			cid++
		}

		if _, ok := p.held[candidate]; ok {
			continue
		}
		lock := flock.New(p.lockPath(candidate))
		locked, err := lock.TryLock()
		if err != nil || !locked {
			continue
		}

		meta := cidMetadata{
			PID:         os.Getpid(),
			Owner:       owner,
			Name:        name,
			AllocatedAt: time.Now(),
		}
		if err := p.writeMetadata(candidate, meta); err != nil {
			log.L.WithError(err).WithField("cid", candidate).Warn("failed to record CID metadata")
		}

		p.held[candidate] = lock
		p.next = cid
		return candidate, nil
	}

	return InvalidCID, vmerrors.Newf(vmerrors.ResourceExhausted,
		"no available context ID in range [%d, %d]", p.minCID, p.maxCID)
}

// Release returns cid to the free set. Releasing a CID that is not
// allocated is logged and ignored.
func (p *CIDPool) Release(cid uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	lock, ok := p.held[cid]
	if !ok {
		log.L.WithField("cid", cid).Warn("release of unallocated context ID ignored")
		return
	}
	delete(p.held, cid)
	_ = os.Remove(p.metadataPath(cid))
	if err := lock.Unlock(); err != nil {
		log.L.WithError(err).WithField("cid", cid).Warn("failed to unlock CID")
	}
}

// Allocated reports whether cid is currently held by this pool.
func (p *CIDPool) Allocated(cid uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.held[cid]
	return ok
}

// Len returns the number of allocated CIDs.
func (p *CIDPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.held)
}

func (p *CIDPool) lockPath(cid uint32) string {
	return filepath.Join(p.lockDir, fmt.Sprintf("%d.lock", cid))
}

func (p *CIDPool) metadataPath(cid uint32) string {
	return filepath.Join(p.lockDir, fmt.Sprintf("%d.json", cid))
}

func (p *CIDPool) writeMetadata(cid uint32, meta cidMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(p.metadataPath(cid), data, 0o600)
}
