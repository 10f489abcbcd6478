//go:build linux

// Command conciergd is the host daemon that starts, supervises and stops
// guest virtual machines on behalf of the host API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/containerd/v2/pkg/shutdown"
	"github.com/containerd/containerd/v2/pkg/sys/reaper"
	"github.com/containerd/log"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc"

	"github.com/spin-stack/concierge/internal/config"
	"github.com/spin-stack/concierge/internal/network"
	"github.com/spin-stack/concierge/internal/plugins"
	"github.com/spin-stack/concierge/internal/service"
	"github.com/spin-stack/concierge/internal/version"
)

const socketPerm = 0o660

func main() {
	var (
		configFile string
		debug      bool
		disable    string
		showVer    bool
	)
	flag.StringVar(&configFile, "config", "", "Path to configuration file")
	flag.BoolVar(&debug, "debug", false, "Debug log level")
	flag.StringVar(&disable, "disable-plugins", "", "Comma separated plugin IDs to skip, e.g. concierge.resource.v1.sharedir")
	flag.BoolVar(&showVer, "version", false, "Print version and exit")
	flag.Parse()

	if showVer {
		fmt.Println(version.Info())
		return
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		log.L.WithError(err).Fatal("failed to load configuration")
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	if err := log.SetLevel(cfg.Log.Level); err != nil {
		log.L.WithError(err).Fatal("invalid log level")
	}
	if err := log.SetFormat(log.OutputFormat(cfg.Log.Format)); err != nil {
		log.L.WithError(err).Fatal("invalid log format")
	}

	ctx := context.Background()
	log.G(ctx).WithFields(version.Fields()).Info("starting conciergd")

	if err := run(ctx, cfg, splitList(disable)); err != nil {
		log.G(ctx).WithError(err).Error("exiting with error")
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFrom(path)
	}
	return config.Get()
}

func run(ctx context.Context, cfg *config.Config, disabled []string) error {
	t1 := time.Now()

	// Install the handler before anything can spawn a child.
	s := make(chan os.Signal, 32)
	signal.Notify(s, unix.SIGINT, unix.SIGTERM, unix.SIGHUP, unix.SIGQUIT, unix.SIGCHLD)
	defer signal.Stop(s)

	ctx, sd := shutdown.WithShutdown(ctx)
	defer sd.Shutdown()

	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(service.UnaryLogger()),
		grpc.ChainStreamInterceptor(service.StreamLogger()),
	)
	loaded, err := plugins.Load(ctx, cfg, sd, srv, disabled...)
	if err != nil {
		return err
	}
	reg := loaded.Registry

	l, err := listen(cfg.Paths.Socket)
	if err != nil {
		return err
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(l)
	}()

	log.G(ctx).WithField("socket", cfg.Paths.Socket).WithField("t", time.Since(t1)).Info("conciergd ready")

	for {
		select {
		case <-sd.Done():
			if err := sd.Err(); err != nil && !errors.Is(err, shutdown.ErrShutdown) {
				log.G(ctx).WithError(err).Error("shutdown error")
			}
			return nil
		case err := <-serveErr:
			if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.G(ctx).WithError(err).Error("api server exited")
				reg.StopAll(ctx)
				return err
			}
			serveErr = nil
		case sig := <-s:
			switch sig {
			case unix.SIGCHLD:
				if err := reaper.Reap(); err != nil {
					log.G(ctx).WithError(err).Error("failed to reap child process")
				}
			case unix.SIGHUP:
				dns := network.ReadHostDNS(ctx, cfg.Network.ResolvConf)
				log.G(ctx).WithField("nameservers", dns.Nameservers).Info("reloading host resolver settings")
				reg.OnDNSChanged(ctx, dns)
			case unix.SIGINT, unix.SIGTERM, unix.SIGQUIT:
				log.G(ctx).WithField("signal", sig).Info("received shutdown signal")
				// Guests stop while SIGCHLD is still being handled so
				// their exits are observed.
				go func() {
					reg.StopAll(ctx)
					if !service.StopServer(srv, cfg.Timeouts.GetDefaultRPC()) {
						log.G(ctx).Warn("api calls still open at shutdown, closed them")
					}
					sd.Shutdown()
				}()
			default:
				log.G(ctx).WithField("signal", sig).Debug("received unhandled signal")
			}
		}
	}
}

// listen binds the API socket, replacing a stale one left by a previous
// daemon.
func listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, socketPerm); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}
	return l, nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
