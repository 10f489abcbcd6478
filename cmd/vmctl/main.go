// Command vmctl drives a running conciergd over its API socket.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/containerd/log"
	"github.com/urfave/cli/v2"

	"github.com/spin-stack/concierge/internal/config"
	"github.com/spin-stack/concierge/internal/service"
	"github.com/spin-stack/concierge/internal/version"
)

const (
	socketFlag  = "socket"
	timeoutFlag = "timeout"
	jsonFlag    = "json"
	ownerFlag   = "owner"
)

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "vmctl:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "vmctl",
		Usage:   "start, inspect and stop guest virtual machines",
		Version: version.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    socketFlag,
				Value:   config.DefaultConfig().Paths.Socket,
				EnvVars: []string{"CONCIERGE_SOCKET"},
				Usage:   "daemon API socket",
			},
			&cli.DurationFlag{
				Name:  timeoutFlag,
				Value: 2 * time.Minute,
				Usage: "timeout for a single request",
			},
			&cli.BoolFlag{
				Name:  jsonFlag,
				Usage: "print replies as JSON",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				return log.SetLevel("debug")
			}
			return nil
		},
		Commands: []*cli.Command{
			startCommand,
			stopCommand,
			stopAllCommand,
			listCommand,
			infoCommand,
			suspendCommand,
			resumeCommand,
			resizeCommand,
			resizeStatusCommand,
			mountCommand,
			reportingCommand,
			usbCommand,
			cpuCommand,
			hostCommand,
			diskCommand,
			eventsCommand,
			versionCommand,
		},
	}
}

// withClient dials the daemon and runs fn under the request timeout.
func withClient(c *cli.Context, fn func(context.Context, *service.Client) error) error {
	client, err := service.Dial(c.String(socketFlag))
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := c.Context
	if d := c.Duration(timeoutFlag); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return fn(ctx, client)
}

// guestRef reads the owner flag and the name argument.
func guestRef(c *cli.Context) (service.GuestRef, error) {
	if c.NArg() != 1 {
		return service.GuestRef{}, fmt.Errorf("expected exactly one guest name, got %d arguments", c.NArg())
	}
	return service.GuestRef{Owner: c.String(ownerFlag), Name: c.Args().First()}, nil
}

func ownerFlagDef() cli.Flag {
	return &cli.StringFlag{
		Name:     ownerFlag,
		Aliases:  []string{"o"},
		EnvVars:  []string{"CONCIERGE_OWNER"},
		Required: true,
		Usage:    "owner id (hex)",
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var versionCommand = &cli.Command{
	Name:  "version",
	Usage: "print client and daemon versions",
	Action: func(c *cli.Context) error {
		fmt.Println("client:", version.Info())
		return withClient(c, func(ctx context.Context, client *service.Client) error {
			v, err := client.GetVersion(ctx)
			if err != nil {
				return err
			}
			fmt.Println("daemon:", v.Detail)
			return nil
		})
	},
}
