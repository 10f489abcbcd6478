package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/spin-stack/concierge/internal/service"
)

var usbCommand = &cli.Command{
	Name:  "usb",
	Usage: "manage USB passthrough",
	Subcommands: []*cli.Command{
		{
			Name:      "attach",
			Usage:     "pass a host USB device to a guest",
			ArgsUsage: "<name>",
			Flags: []cli.Flag{
				ownerFlagDef(),
				&cli.UintFlag{Name: "bus", Required: true},
				&cli.UintFlag{Name: "addr", Required: true},
				&cli.StringFlag{Name: "vid", Required: true, Usage: "vendor id (hex)"},
				&cli.StringFlag{Name: "pid", Required: true, Usage: "product id (hex)"},
				&cli.StringFlag{Name: "device", Usage: "device node, defaults to /dev/bus/usb/<bus>/<addr>"},
			},
			Action: func(c *cli.Context) error {
				ref, err := guestRef(c)
				if err != nil {
					return err
				}
				vid, err := strconv.ParseUint(c.String("vid"), 16, 16)
				if err != nil {
					return fmt.Errorf("invalid vendor id: %w", err)
				}
				pid, err := strconv.ParseUint(c.String("pid"), 16, 16)
				if err != nil {
					return fmt.Errorf("invalid product id: %w", err)
				}
				bus, addr := c.Uint("bus"), c.Uint("addr")
				if bus > 255 || addr > 255 {
					return fmt.Errorf("bus and addr must fit in a byte")
				}
				dev := c.String("device")
				if dev == "" {
					dev = fmt.Sprintf("/dev/bus/usb/%03d/%03d", bus, addr)
				}
				return withClient(c, func(ctx context.Context, client *service.Client) error {
					resp, err := client.AttachUSB(ctx, &service.AttachUSBRequest{
						GuestRef:   ref,
						Bus:        uint8(bus),
						Addr:       uint8(addr),
						VendorID:   uint16(vid),
						ProductID:  uint16(pid),
						DevicePath: dev,
					})
					if err != nil {
						return err
					}
					fmt.Println("port", resp.Port)
					return nil
				})
			},
		},
		{
			Name:      "detach",
			Usage:     "remove a USB device from a guest",
			ArgsUsage: "<name>",
			Flags: []cli.Flag{
				ownerFlagDef(),
				&cli.UintFlag{Name: "port", Required: true},
			},
			Action: func(c *cli.Context) error {
				ref, err := guestRef(c)
				if err != nil {
					return err
				}
				port := c.Uint("port")
				if port > 255 {
					return fmt.Errorf("port must fit in a byte")
				}
				return withClient(c, func(ctx context.Context, client *service.Client) error {
					return client.DetachUSB(ctx, &service.DetachUSBRequest{GuestRef: ref, Port: uint8(port)})
				})
			},
		},
		{
			Name:      "list",
			Usage:     "list USB devices attached to a guest",
			ArgsUsage: "<name>",
			Flags:     []cli.Flag{ownerFlagDef()},
			Action: func(c *cli.Context) error {
				ref, err := guestRef(c)
				if err != nil {
					return err
				}
				return withClient(c, func(ctx context.Context, client *service.Client) error {
					resp, err := client.ListUSB(ctx, ref)
					if err != nil {
						return err
					}
					if c.Bool(jsonFlag) {
						return printJSON(resp)
					}
					w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
					fmt.Fprintln(w, "PORT\tVENDOR\tPRODUCT")
					for _, d := range resp.Devices {
						fmt.Fprintf(w, "%d\t%04x\t%04x\n", d.Port, d.VendorID, d.ProductID)
					}
					return w.Flush()
				})
			},
		},
	},
}

var cpuCommand = &cli.Command{
	Name:  "cpu",
	Usage: "adjust guest cpu priority",
	Subcommands: []*cli.Command{
		{
			Name:      "adjust",
			Usage:     "set one guest's cpu priority",
			ArgsUsage: "<name> foreground|background",
			Flags:     []cli.Flag{ownerFlagDef()},
			Action: func(c *cli.Context) error {
				if c.NArg() != 2 {
					return fmt.Errorf("expected a guest name and a restriction")
				}
				req := &service.AdjustCPURequest{
					GuestRef:    service.GuestRef{Owner: c.String(ownerFlag), Name: c.Args().Get(0)},
					Restriction: c.Args().Get(1),
				}
				return withClient(c, func(ctx context.Context, client *service.Client) error {
					return client.AdjustCPU(ctx, req)
				})
			},
		},
		{
			Name:      "restrict-kind",
			Usage:     "set the cpu priority of every guest of a kind",
			ArgsUsage: "<kind> foreground|background",
			Action: func(c *cli.Context) error {
				if c.NArg() != 2 {
					return fmt.Errorf("expected a kind and a restriction")
				}
				req := &service.CPURestrictionRequest{Kind: c.Args().Get(0), Restriction: c.Args().Get(1)}
				return withClient(c, func(ctx context.Context, client *service.Client) error {
					return client.SetVMCPURestriction(ctx, req)
				})
			},
		},
	},
}

var hostCommand = &cli.Command{
	Name:  "host",
	Usage: "forward host events to the daemon",
	Subcommands: []*cli.Command{
		{
			Name:  "sync-times",
			Usage: "set every guest clock to the host clock",
			Action: func(c *cli.Context) error {
				return withClient(c, func(ctx context.Context, client *service.Client) error {
					resp, err := client.SyncVMTimes(ctx)
					if err != nil {
						return err
					}
					if resp.Failures > 0 {
						return fmt.Errorf("%d guests failed to sync", resp.Failures)
					}
					return nil
				})
			},
		},
		{
			Name:  "dns",
			Usage: "show the resolver settings pushed to guests",
			Action: func(c *cli.Context) error {
				return withClient(c, func(ctx context.Context, client *service.Client) error {
					dns, err := client.GetDNSSettings(ctx)
					if err != nil {
						return err
					}
					return printJSON(dns)
				})
			},
		},
		{
			Name:  "set-dns",
			Usage: "replace the host resolver settings",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{Name: "nameserver", Required: true},
				&cli.StringSliceFlag{Name: "search"},
			},
			Action: func(c *cli.Context) error {
				dns := service.DNSSettings{
					Nameservers:   c.StringSlice("nameserver"),
					SearchDomains: c.StringSlice("search"),
				}
				return withClient(c, func(ctx context.Context, client *service.Client) error {
					return client.SetHostDNS(ctx, dns)
				})
			},
		},
		{
			Name:  "network-changed",
			Usage: "tell guests the host network changed",
			Action: func(c *cli.Context) error {
				return withClient(c, func(ctx context.Context, client *service.Client) error {
					return client.HostNetworkChanged(ctx)
				})
			},
		},
		{
			Name:  "suspend-imminent",
			Usage: "announce a host suspend",
			Action: func(c *cli.Context) error {
				return withClient(c, func(ctx context.Context, client *service.Client) error {
					return client.HostSuspendImminent(ctx)
				})
			},
		},
		{
			Name:  "suspend-done",
			Usage: "announce the host resumed",
			Action: func(c *cli.Context) error {
				return withClient(c, func(ctx context.Context, client *service.Client) error {
					return client.HostSuspendDone(ctx)
				})
			},
		},
	},
}

var eventsCommand = &cli.Command{
	Name:  "events",
	Usage: "stream guest lifecycle events",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "topic", Usage: "only this topic, repeatable"},
	},
	Action: func(c *cli.Context) error {
		client, err := service.Dial(c.String(socketFlag))
		if err != nil {
			return err
		}
		defer client.Close()
		return client.WatchEvents(c.Context, c.StringSlice("topic"), func(ev *service.EventMessage) error {
			if c.Bool(jsonFlag) {
				return printJSON(ev)
			}
			fmt.Printf("%s %s %s\n", ev.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"), ev.Topic, ev.Payload)
			return nil
		})
	},
}
