//go:build linux

package hypervisor

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/containerd/containerd/v2/pkg/sys/reaper"
	"github.com/containerd/fifo"
	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/spin-stack/concierge/internal/vmerrors"
)

// CrosvmLauncher starts hypervisor processes under the process reaper.
type CrosvmLauncher struct {
	binary  string
	cgroups *Cgroups
}

var _ Launcher = (*CrosvmLauncher)(nil)

// NewLauncher returns a launcher for binary. cg may be nil.
func NewLauncher(binary string, cg *Cgroups) *CrosvmLauncher {
	return &CrosvmLauncher{binary: binary, cgroups: cg}
}

// Launch starts the hypervisor. The child gets its own process group so a
// SIGKILL the hypervisor sends to its group never reaches the daemon. On
// cgroup v2 it starts inside req.Cgroup; on v1 it is moved there right after
// start. A failed placement aborts the launch.
func (l *CrosvmLauncher) Launch(ctx context.Context, req *LaunchRequest) (Process, error) {
	//nolint:gosec // binary and args come from daemon configuration.
	cmd := exec.Command(l.binary, req.Args...)
	cmd.ExtraFiles = req.ExtraFiles
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	cgfd, err := l.cgroups.openUnified(req.Cgroup)
	if err != nil {
		return nil, vmerrors.Wrap(vmerrors.HypervisorLaunch, "failed to prepare cpu group", err)
	}
	if cgfd != nil {
		defer cgfd.Close()
		cmd.SysProcAttr.UseCgroupFD = true
		cmd.SysProcAttr.CgroupFD = int(cgfd.Fd())
	}

	if req.ConsoleFIFO != "" {
		w, err := startConsoleRelay(ctx, req.ConsoleFIFO)
		if err != nil {
			return nil, vmerrors.Wrap(vmerrors.HypervisorLaunch, "failed to set up console", err)
		}
		// The child holds its own copy; the relay ends when the child exits.
		defer w.Close()
		cmd.Stdout = w
		cmd.Stderr = w
	}

	ec, err := reaper.Default.Start(cmd)
	if err != nil {
		return nil, vmerrors.Wrap(vmerrors.HypervisorLaunch, "failed to start hypervisor", err)
	}

	p := &process{pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		status, err := reaper.Default.Wait(cmd, ec)
		p.setStatus(status)
		log.G(ctx).WithFields(log.Fields{
			"pid":    p.pid,
			"status": status,
		}).WithError(err).Info("hypervisor exited")
		close(p.done)
	}()

	// cgroup v1 has no CgroupFD. Until the pid lands in tasks the child runs
	// in the daemon's group.
	if err := l.cgroups.addLegacy(req.Cgroup, p.pid); err != nil {
		_ = unix.Kill(p.pid, unix.SIGKILL)
		<-p.done
		return nil, vmerrors.Wrap(vmerrors.HypervisorLaunch, "failed to place hypervisor in cpu group", err)
	}

	log.G(ctx).WithFields(log.Fields{
		"pid":    p.pid,
		"cgroup": req.Cgroup,
	}).Info("hypervisor started")
	return p, nil
}

// startConsoleRelay creates the FIFO at path, starts relaying its lines to
// the log and returns the write end for the child.
func startConsoleRelay(ctx context.Context, path string) (*os.File, error) {
	_ = os.Remove(path)
	r, err := fifo.OpenFifo(ctx, path, syscall.O_CREAT|syscall.O_RDONLY|syscall.O_NONBLOCK, 0o600)
	if err != nil {
		return nil, err
	}
	w, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		_ = r.Close()
		return nil, err
	}

	logger := log.G(ctx).WithField("console", path)
	go func() {
		defer r.Close()
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 4096), 64*1024)
		for sc.Scan() {
			logger.Debug(sc.Text())
		}
		if err := sc.Err(); err != nil && err != io.EOF {
			logger.WithError(err).Debug("console relay ended")
		}
	}()
	return w, nil
}

type process struct {
	pid  int
	done chan struct{}

	mu     sync.Mutex
	status int
}

func (p *process) Pid() int { return p.pid }

func (p *process) Done() <-chan struct{} { return p.done }

// Signal delivers sig unless the process has already been reaped, in which
// case the pid may belong to someone else.
func (p *process) Signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	return unix.Kill(p.pid, sig)
}

func (p *process) setStatus(s int) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

// Status returns the exit status once Done is closed.
func (p *process) Status() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
