package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/urfave/cli/v2"

	"github.com/spin-stack/concierge/internal/service"
	"github.com/spin-stack/concierge/internal/vm"
)

var startCommand = &cli.Command{
	Name:      "start",
	Usage:     "start a guest",
	ArgsUsage: "<name>",
	Flags: []cli.Flag{
		ownerFlagDef(),
		&cli.StringFlag{Name: "kind", Value: "container", Usage: "container, android or plugin"},
		&cli.StringFlag{Name: "kernel", Required: true, Usage: "kernel image"},
		&cli.StringFlag{Name: "rootfs", Usage: "root filesystem image"},
		&cli.StringFlag{Name: "fstab", Usage: "guest fstab (android)"},
		&cli.IntFlag{Name: "cpus", Usage: "vCPUs, 0 for the host count"},
		&cli.StringFlag{Name: "memory", Usage: "memory size, e.g. 2GiB; empty for the default"},
		&cli.StringSliceFlag{Name: "disk", Usage: "extra read-only disk image, repeatable"},
		&cli.StringSliceFlag{Name: "rw-disk", Usage: "extra writable disk image, repeatable"},
		&cli.StringSliceFlag{Name: "param", Usage: "extra kernel parameter, repeatable"},
		&cli.StringSliceFlag{Name: "feature", Usage: "feature handed to guest services, repeatable"},
		&cli.IntFlag{Name: "stateful-disk", Usage: "index of the stateful disk"},
		&cli.BoolFlag{Name: "gpu", Usage: "enable the virtual GPU"},
		&cli.BoolFlag{Name: "tpm", Usage: "enable a software TPM"},
		&cli.BoolFlag{Name: "audio-capture", Usage: "allow audio capture"},
		&cli.BoolFlag{Name: "writable-rootfs", Usage: "attach the root filesystem writable"},
		&cli.BoolFlag{Name: "allow-privileged", Usage: "allow privileged containers"},
		&cli.BoolFlag{Name: "iso", Usage: "boot a plugin guest from its installer image"},
	},
	Action: func(c *cli.Context) error {
		ref, err := guestRef(c)
		if err != nil {
			return err
		}
		req := &service.StartVMRequest{
			GuestRef:        ref,
			Kind:            c.String("kind"),
			Kernel:          c.String("kernel"),
			Rootfs:          c.String("rootfs"),
			Fstab:           c.String("fstab"),
			CPUs:            c.Int("cpus"),
			Params:          c.StringSlice("param"),
			Features:        c.StringSlice("feature"),
			StatefulDisk:    c.Int("stateful-disk"),
			AllowPrivileged: c.Bool("allow-privileged"),
			UseISO:          c.Bool("iso"),
		}
		req.Devices.GPU = c.Bool("gpu")
		req.Devices.SoftwareTPM = c.Bool("tpm")
		req.Devices.AudioCapture = c.Bool("audio-capture")
		req.Devices.WritableRootfs = c.Bool("writable-rootfs")
		if m := c.String("memory"); m != "" {
			b, err := units.RAMInBytes(m)
			if err != nil {
				return fmt.Errorf("invalid memory size: %w", err)
			}
			req.MemoryMiB = int(b / units.MiB)
		}
		for _, p := range c.StringSlice("disk") {
			req.Disks = append(req.Disks, service.DiskSpec{Path: p})
		}
		for _, p := range c.StringSlice("rw-disk") {
			req.Disks = append(req.Disks, service.DiskSpec{Path: p, Writable: true})
		}

		return withClient(c, func(ctx context.Context, client *service.Client) error {
			resp, err := client.StartVM(ctx, req)
			if err != nil {
				return err
			}
			if c.Bool(jsonFlag) {
				return printJSON(resp)
			}
			fmt.Printf("%s/%s %s cid=%d pid=%d ipv4=%s\n",
				resp.VM.Owner, resp.VM.Name, resp.Status, resp.VM.CID, resp.VM.PID, resp.VM.IPv4)
			return nil
		})
	},
}

var stopCommand = &cli.Command{
	Name:      "stop",
	Usage:     "stop a guest",
	ArgsUsage: "<name>",
	Flags:     []cli.Flag{ownerFlagDef()},
	Action: refAction(func(ctx context.Context, client *service.Client, ref service.GuestRef) error {
		return client.StopVM(ctx, ref)
	}),
}

var stopAllCommand = &cli.Command{
	Name:  "stop-all",
	Usage: "stop every guest",
	Action: func(c *cli.Context) error {
		return withClient(c, func(ctx context.Context, client *service.Client) error {
			return client.StopAllVMs(ctx)
		})
	},
}

var suspendCommand = &cli.Command{
	Name:      "suspend",
	Usage:     "pause a running guest",
	ArgsUsage: "<name>",
	Flags:     []cli.Flag{ownerFlagDef()},
	Action: refAction(func(ctx context.Context, client *service.Client, ref service.GuestRef) error {
		return client.SuspendVM(ctx, ref)
	}),
}

var resumeCommand = &cli.Command{
	Name:      "resume",
	Usage:     "continue a suspended guest",
	ArgsUsage: "<name>",
	Flags:     []cli.Flag{ownerFlagDef()},
	Action: refAction(func(ctx context.Context, client *service.Client, ref service.GuestRef) error {
		return client.ResumeVM(ctx, ref)
	}),
}

var listCommand = &cli.Command{
	Name:    "list",
	Aliases: []string{"ls"},
	Usage:   "list guests",
	Action: func(c *cli.Context) error {
		return withClient(c, func(ctx context.Context, client *service.Client) error {
			resp, err := client.ListVMs(ctx)
			if err != nil {
				return err
			}
			if c.Bool(jsonFlag) {
				return printJSON(resp)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "OWNER\tNAME\tKIND\tSTATE\tCID\tPID\tIPV4\tUPTIME")
			for _, v := range resp.VMs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					v.Owner, v.Name, v.Kind, v.State, v.CID, v.PID, v.IPv4, uptime(v))
			}
			return w.Flush()
		})
	},
}

var infoCommand = &cli.Command{
	Name:      "info",
	Usage:     "show one guest",
	ArgsUsage: "<name>",
	Flags:     []cli.Flag{ownerFlagDef()},
	Action: func(c *cli.Context) error {
		ref, err := guestRef(c)
		if err != nil {
			return err
		}
		return withClient(c, func(ctx context.Context, client *service.Client) error {
			resp, err := client.GetVMInfo(ctx, ref)
			if err != nil {
				return err
			}
			return printJSON(resp.VM)
		})
	},
}

var resizeCommand = &cli.Command{
	Name:      "resize",
	Usage:     "resize the stateful disk of a container guest",
	ArgsUsage: "<name>",
	Flags: []cli.Flag{
		ownerFlagDef(),
		&cli.StringFlag{Name: "size", Required: true, Usage: "new size, e.g. 20GiB"},
	},
	Action: func(c *cli.Context) error {
		ref, err := guestRef(c)
		if err != nil {
			return err
		}
		size, err := units.RAMInBytes(c.String("size"))
		if err != nil {
			return fmt.Errorf("invalid size: %w", err)
		}
		return withClient(c, func(ctx context.Context, client *service.Client) error {
			resp, err := client.ResizeDisk(ctx, &service.ResizeDiskRequest{GuestRef: ref, Size: uint64(size)})
			if err != nil {
				return err
			}
			return printResize(c, resp)
		})
	},
}

var resizeStatusCommand = &cli.Command{
	Name:      "resize-status",
	Usage:     "poll the progress of a disk resize",
	ArgsUsage: "<name>",
	Flags:     []cli.Flag{ownerFlagDef()},
	Action: func(c *cli.Context) error {
		ref, err := guestRef(c)
		if err != nil {
			return err
		}
		return withClient(c, func(ctx context.Context, client *service.Client) error {
			resp, err := client.GetResizeStatus(ctx, ref)
			if err != nil {
				return err
			}
			return printResize(c, resp)
		})
	},
}

var mountCommand = &cli.Command{
	Name:      "mount",
	Usage:     "mount an attached disk under /mnt/external in the guest",
	ArgsUsage: "<name>",
	Flags: []cli.Flag{
		ownerFlagDef(),
		&cli.StringFlag{Name: "source", Required: true, Usage: "guest block device"},
		&cli.StringFlag{Name: "dir", Required: true, Usage: "directory under /mnt/external"},
	},
	Action: func(c *cli.Context) error {
		ref, err := guestRef(c)
		if err != nil {
			return err
		}
		return withClient(c, func(ctx context.Context, client *service.Client) error {
			return client.MountExternalDisk(ctx, &service.MountExternalRequest{
				GuestRef: ref,
				Source:   c.String("source"),
				Dir:      c.String("dir"),
			})
		})
	},
}

var reportingCommand = &cli.Command{
	Name:      "kernel-version",
	Usage:     "print the guest kernel version",
	ArgsUsage: "<name>",
	Flags:     []cli.Flag{ownerFlagDef()},
	Action: func(c *cli.Context) error {
		ref, err := guestRef(c)
		if err != nil {
			return err
		}
		return withClient(c, func(ctx context.Context, client *service.Client) error {
			resp, err := client.GetVMEnterpriseReportingInfo(ctx, ref)
			if err != nil {
				return err
			}
			fmt.Println(resp.KernelVersion)
			return nil
		})
	},
}

func refAction(fn func(context.Context, *service.Client, service.GuestRef) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		ref, err := guestRef(c)
		if err != nil {
			return err
		}
		return withClient(c, func(ctx context.Context, client *service.Client) error {
			return fn(ctx, client, ref)
		})
	}
}

func printResize(c *cli.Context, resp *service.ResizeResponse) error {
	if c.Bool(jsonFlag) {
		return printJSON(resp)
	}
	line := resp.Status
	if resp.Target > 0 {
		line += " target=" + units.BytesSize(float64(resp.Target))
	}
	if resp.FailureReason != "" {
		line += " reason=" + resp.FailureReason
	}
	fmt.Println(line)
	return nil
}

func uptime(v vm.Info) string {
	if v.StartedAt.IsZero() {
		return "-"
	}
	return units.HumanDuration(time.Since(v.StartedAt))
}
