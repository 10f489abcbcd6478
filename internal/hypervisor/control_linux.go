//go:build linux

package hypervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd/v2/pkg/sys/reaper"
	"github.com/containerd/log"

	"github.com/spin-stack/concierge/internal/paths"
	"github.com/spin-stack/concierge/internal/vmerrors"
)

// CrosvmController runs hypervisor control subcommands against a guest's
// control socket.
type CrosvmController struct {
	binary  string
	timeout time.Duration
}

var _ Controller = (*CrosvmController)(nil)

// NewController returns a controller invoking binary. Each subcommand is
// bounded by timeout.
func NewController(binary string, timeout time.Duration) *CrosvmController {
	return &CrosvmController{binary: binary, timeout: timeout}
}

func (c *CrosvmController) Stop(ctx context.Context, socket string) error {
	_, err := c.run(ctx, socket, nil, "stop", socket)
	return err
}

func (c *CrosvmController) Suspend(ctx context.Context, socket string) error {
	_, err := c.run(ctx, socket, nil, "suspend", socket)
	return err
}

func (c *CrosvmController) Resume(ctx context.Context, socket string) error {
	_, err := c.run(ctx, socket, nil, "resume", socket)
	return err
}

func (c *CrosvmController) ResizeDisk(ctx context.Context, socket string, index int, size uint64) error {
	if index < 0 || index > MaxDiskIndex {
		return vmerrors.Newf(vmerrors.InvalidDisk, "disk index %d out of range", index)
	}
	_, err := c.run(ctx, socket, nil, "disk", "resize",
		strconv.Itoa(index), strconv.FormatUint(size, 10), socket)
	return err
}

func (c *CrosvmController) AttachUSB(ctx context.Context, socket string, dev USBAttach) (uint8, error) {
	if dev.Device == nil {
		return 0, vmerrors.New(vmerrors.InvalidArgument, "no USB device handle")
	}
	out, err := c.run(ctx, socket, []*os.File{dev.Device},
		"usb", "attach", dev.arg(), fmt.Sprintf("/proc/self/fd/%d", firstExtraFd), socket)
	if err != nil {
		return 0, err
	}
	return parseUSBPort(out)
}

func (c *CrosvmController) DetachUSB(ctx context.Context, socket string, port uint8) error {
	out, err := c.run(ctx, socket, nil, "usb", "detach", strconv.Itoa(int(port)), socket)
	if err != nil {
		return err
	}
	_, err = parseUSBPort(out)
	return err
}

func (c *CrosvmController) ListUSB(ctx context.Context, socket string) ([]USBDevice, error) {
	out, err := c.run(ctx, socket, nil, "usb", "list", socket)
	if err != nil {
		return nil, err
	}
	return parseUSBList(out)
}

// run executes one subcommand and returns its trimmed combined output. The
// child is started under the reaper so its status is never lost to the
// daemon's reap loop.
func (c *CrosvmController) run(ctx context.Context, socket string, extra []*os.File, args ...string) (string, error) {
	if !paths.Exists(socket) {
		return "", vmerrors.New(vmerrors.Transport, "control socket is gone")
	}
	logger := log.G(ctx).WithField("command", args[0])

	r, w, err := os.Pipe()
	if err != nil {
		return "", vmerrors.Wrap(vmerrors.IOError, "failed to run control command", err)
	}
	//nolint:gosec // binary comes from daemon configuration.
	cmd := exec.Command(c.binary, args...)
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.ExtraFiles = extra
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	ec, err := reaper.Default.Start(cmd)
	_ = w.Close()
	if err != nil {
		_ = r.Close()
		return "", vmerrors.Wrap(vmerrors.Transport, "failed to run control command", err)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = r.SetReadDeadline(deadline)

	var out bytes.Buffer
	_, readErr := io.Copy(&out, r)
	_ = r.Close()
	if readErr != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	status, err := reaper.Default.Wait(cmd, ec)
	switch {
	case readErr != nil:
		logger.WithError(readErr).Warn("control command timed out")
		return "", vmerrors.Wrap(vmerrors.Transport, "control command timed out", readErr)
	case err != nil:
		return "", vmerrors.Wrap(vmerrors.Transport, "control command failed", err)
	case status != 0:
		text := strings.TrimSpace(out.String())
		logger.WithField("status", status).WithField("output", text).Warn("control command failed")
		return "", vmerrors.Newf(vmerrors.Transport, "control command %s exited with status %d", args[0], status)
	}
	return strings.TrimSpace(out.String()), nil
}
