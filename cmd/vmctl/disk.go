package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/urfave/cli/v2"

	"github.com/spin-stack/concierge/internal/service"
)

var diskCommand = &cli.Command{
	Name:  "disk",
	Usage: "manage stateful disk images",
	Subcommands: []*cli.Command{
		{
			Name:      "create",
			Usage:     "create a disk image for a guest",
			ArgsUsage: "<name>",
			Flags: []cli.Flag{
				ownerFlagDef(),
				&cli.StringFlag{Name: "kind", Value: "container"},
				&cli.StringFlag{Name: "size", Usage: "image size, e.g. 10GiB; empty sizes it from the free space"},
			},
			Action: func(c *cli.Context) error {
				ref, err := guestRef(c)
				if err != nil {
					return err
				}
				req := &service.CreateDiskRequest{GuestRef: ref, Kind: c.String("kind")}
				if s := c.String("size"); s != "" {
					n, err := units.RAMInBytes(s)
					if err != nil {
						return fmt.Errorf("invalid size: %w", err)
					}
					req.Size = uint64(n)
				}
				return withClient(c, func(ctx context.Context, client *service.Client) error {
					resp, err := client.CreateDiskImage(ctx, req)
					if err != nil {
						return err
					}
					if c.Bool(jsonFlag) {
						return printJSON(resp)
					}
					state := "created"
					if resp.Existed {
						state = "exists"
					}
					fmt.Printf("%s %s %s\n", resp.Path, units.BytesSize(float64(resp.Size)), state)
					return nil
				})
			},
		},
		{
			Name:      "destroy",
			Usage:     "delete a guest's disk image",
			ArgsUsage: "<name>",
			Flags: []cli.Flag{
				ownerFlagDef(),
				&cli.StringFlag{Name: "kind", Value: "container"},
			},
			Action: func(c *cli.Context) error {
				ref, err := guestRef(c)
				if err != nil {
					return err
				}
				return withClient(c, func(ctx context.Context, client *service.Client) error {
					return client.DestroyDiskImage(ctx, &service.DestroyDiskRequest{GuestRef: ref, Kind: c.String("kind")})
				})
			},
		},
		{
			Name:  "list",
			Usage: "list an owner's disk images",
			Flags: []cli.Flag{ownerFlagDef()},
			Action: func(c *cli.Context) error {
				return withClient(c, func(ctx context.Context, client *service.Client) error {
					resp, err := client.ListVMDisks(ctx, c.String(ownerFlag))
					if err != nil {
						return err
					}
					if c.Bool(jsonFlag) {
						return printJSON(resp)
					}
					w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
					fmt.Fprintln(w, "NAME\tKIND\tSIZE\tPATH")
					for _, img := range resp.Images {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", img.Name, img.Kind, units.BytesSize(float64(img.Size)), img.Path)
					}
					return w.Flush()
				})
			},
		},
	},
}
