//go:build linux

package sharedir

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd/v2/pkg/sys/reaper"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"
)

const stopGrace = 5 * time.Second

type serverProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// ProcessServer runs one instance of an external file server binary per
// guest. Handles are assigned from a counter starting at 1.
type ProcessServer struct {
	binary string
	args   []string

	mu    sync.Mutex
	next  uint32
	procs map[uint32]*serverProcess
}

// NewProcessServer creates a server launching binary with the given extra
// arguments.
func NewProcessServer(binary string, args []string) *ProcessServer {
	return &ProcessServer{
		binary: binary,
		args:   args,
		next:   1,
		procs:  make(map[uint32]*serverProcess),
	}
}

// Args returns the command line used for req.
func (s *ProcessServer) Args(req Request) []string {
	args := append([]string{}, s.args...)
	args = append(args,
		"--kind", req.Kind.String(),
		"--cid", strconv.FormatUint(uint64(req.CID), 10),
		"--port", strconv.FormatUint(uint64(req.Port), 10),
	)
	for _, sh := range req.Shares {
		args = append(args, "--share", sh.String())
	}
	return args
}

func (s *ProcessServer) Start(ctx context.Context, req Request) (uint32, error) {
	cmd := exec.Command(s.binary, s.Args(req)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}

	ec, err := reaper.Default.Start(cmd)
	if err != nil {
		return NoHandle, fmt.Errorf("start %s: %w", s.binary, err)
	}
	proc := &serverProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		status, err := reaper.Default.Wait(cmd, ec)
		log.G(ctx).WithFields(log.Fields{
			"pid":    cmd.Process.Pid,
			"status": status,
		}).WithError(err).Debug("shared directory server exited")
		close(proc.done)
	}()

	s.mu.Lock()
	handle := s.next
	s.next++
	s.procs[handle] = proc
	s.mu.Unlock()
	return handle, nil
}

func (s *ProcessServer) Stop(ctx context.Context, handle uint32) error {
	s.mu.Lock()
	proc, ok := s.procs[handle]
	delete(s.procs, handle)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("shared directory handle %d: %w", handle, errdefs.ErrNotFound)
	}

	_ = proc.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-proc.done:
		return nil
	case <-time.After(stopGrace):
	case <-ctx.Done():
	}
	log.G(ctx).WithField("handle", handle).Warn("shared directory server ignored SIGTERM, killing")
	_ = proc.cmd.Process.Kill()
	<-proc.done
	return nil
}

// Running returns the number of live servers.
func (s *ProcessServer) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}
