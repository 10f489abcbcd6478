package network

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/containerd/log"

	"github.com/spin-stack/concierge/internal/kind"
	"github.com/spin-stack/concierge/internal/vmerrors"
)

// TAPOpener opens the TAP described by info with vnet-header support.
type TAPOpener func(ctx context.Context, info *Info) (*os.File, error)

// Binding is one guest's hold on the network service.
type Binding struct {
	svc  Service
	cid  uint32
	info *Info
	tap  *os.File

	once sync.Once
	err  error
}

// Bind calls NotifyStartup for cid and opens the returned TAP. On any
// failure NotifyShutdown has already been issued when Bind returns.
func Bind(ctx context.Context, svc Service, k kind.Kind, cid uint32, open TAPOpener) (*Binding, error) {
	b := &Binding{svc: svc, cid: cid}

	info, err := svc.NotifyStartup(ctx, k, cid)
	if err != nil || !info.Usable() {
		_ = b.Release(ctx)
		if err == nil {
			err = fmt.Errorf("no usable interface for cid %d", cid)
		}
		return nil, vmerrors.Wrap(vmerrors.NoNetwork, "network service returned no usable interface", err)
	}
	b.info = info

	if open != nil {
		tap, err := open(ctx, info)
		if err != nil {
			_ = b.Release(ctx)
			return nil, vmerrors.Wrap(vmerrors.NoNetwork, "failed to open TAP device", err)
		}
		b.tap = tap
	}

	log.G(ctx).WithFields(log.Fields{
		"cid":     cid,
		"tap":     info.IfName,
		"ipv4":    info.IPv4.String(),
		"gateway": info.Gateway.String(),
	}).Debug("network bound")
	return b, nil
}

// Info returns the startup result.
func (b *Binding) Info() *Info { return b.info }

// TAP returns the open TAP descriptor, nil when no opener was used.
func (b *Binding) TAP() *os.File { return b.tap }

// CID returns the bound context ID.
func (b *Binding) CID() uint32 { return b.cid }

// Release closes the TAP and calls NotifyShutdown. Only the first call
// has any effect; later calls return the first result.
func (b *Binding) Release(ctx context.Context) error {
	b.once.Do(func() {
		if b.tap != nil {
			_ = b.tap.Close()
		}
		if err := b.svc.NotifyShutdown(ctx, b.cid); err != nil {
			log.G(ctx).WithError(err).WithField("cid", b.cid).Warn("network shutdown notification failed")
			b.err = err
		}
	})
	return b.err
}
