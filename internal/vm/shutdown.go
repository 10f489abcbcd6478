package vm

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/containerd/log"

	"github.com/spin-stack/concierge/internal/agent"
	"github.com/spin-stack/concierge/internal/hypervisor"
	"github.com/spin-stack/concierge/internal/kind"
	"github.com/spin-stack/concierge/internal/vmerrors"
)

const reapGrace = time.Second

type stopStep struct {
	name   string
	action func(ctx context.Context) error
}

// Shutdown stops the guest, escalating from a graceful request to SIGKILL,
// then releases its resources. Stopping a guest that is already Gone
// succeeds.
func (v *VM) Shutdown(ctx context.Context) error {
	v.mu.Lock()
	if v.state == Gone {
		v.mu.Unlock()
		return nil
	}
	if v.bootCancel != nil {
		v.bootCancel()
		v.bootCancel = nil
	}
	v.mu.Unlock()

	v.op.Lock()
	defer v.op.Unlock()

	if v.State() == Gone {
		return nil
	}
	v.setState(Stopping)
	v.deps.observer().VMStopping(ctx, v.snapshot())

	exited := v.runLadder(ctx)
	v.finish(ctx)
	if !exited {
		return vmerrors.New(vmerrors.ShutdownTimeout, "hypervisor did not exit")
	}
	return nil
}

func (v *VM) ladder() []stopStep {
	var steps []stopStep
	switch {
	case v.desc.Kind == kind.Android:
		steps = append(steps, stopStep{"poweroff", func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, v.deps.Config.Timeouts.GetDefaultRPC())
			defer cancel()
			return agent.Poweroff(ctx, v.deps.dialPower(v.cid))
		}})
	case v.desc.Kind.HasAgent():
		steps = append(steps, stopStep{"agent shutdown", func(ctx context.Context) error {
			client := v.agentClient()
			if client == nil {
				return errors.New("no agent connection")
			}
			// The guest may power off before the reply arrives.
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			select {
			case err := <-agent.Async(ctx, client.Shutdown):
				return err
			case <-v.process().Done():
				return os.ErrProcessDone
			}
		}})
	}
	return append(steps,
		stopStep{"stop command", func(ctx context.Context) error {
			return v.deps.Controller.Stop(ctx, v.controlSocket())
		}},
		stopStep{"SIGTERM", func(context.Context) error {
			return v.process().Signal(syscall.SIGTERM)
		}},
		stopStep{"SIGKILL", func(context.Context) error {
			return v.process().Signal(syscall.SIGKILL)
		}},
	)
}

// runLadder walks the shutdown steps until the hypervisor exits. It
// reports whether the exit was observed.
func (v *VM) runLadder(ctx context.Context) bool {
	proc := v.process()
	if proc == nil {
		return true
	}
	for _, step := range v.ladder() {
		logger := log.G(ctx).WithField("step", step.name)
		if err := step.action(ctx); err != nil {
			if errors.Is(err, os.ErrProcessDone) {
				return true
			}
			logger.WithError(err).Info("shutdown step failed, escalating")
			continue
		}
		if v.waitExit(ctx, proc) {
			logger.Info("hypervisor exited")
			return true
		}
		logger.Info("hypervisor still running, escalating")
	}
	select {
	case <-proc.Done():
		return true
	default:
		log.G(ctx).WithField("pid", proc.Pid()).Error("hypervisor survived SIGKILL")
		return false
	}
}

// waitExit waits up to the child-exit deadline for proc to exit.
func (v *VM) waitExit(ctx context.Context, proc hypervisor.Process) bool {
	pid := proc.Pid()
	fut, err := v.deps.Exits.Watch(pid, v.deps.Config.Timeouts.GetChildExit())
	if err != nil {
		log.G(ctx).WithError(err).WithField("pid", pid).Warn("cannot watch hypervisor exit")
		return false
	}
	select {
	case <-fut.Done():
		if fut.Exited() {
			// The reaper closes Done right after publishing the exit.
			select {
			case <-proc.Done():
			case <-time.After(reapGrace):
			}
			return true
		}
		return false
	case <-proc.Done():
		v.deps.Exits.Cancel(pid)
		return true
	}
}
