// Package events publishes guest lifecycle signals on a containerd event
// exchange so API clients can follow them.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/containerd/v2/core/events"
	"github.com/containerd/containerd/v2/core/events/exchange"
	"github.com/containerd/containerd/v2/pkg/namespaces"
	"github.com/containerd/log"
	"github.com/containerd/typeurl/v2"

	"github.com/spin-stack/concierge/internal/vm"
)

// Namespace is the exchange namespace every signal is published in.
const Namespace = "concierge"

const (
	TopicStartingUp = "/vm/starting-up"
	TopicStarted    = "/vm/started"
	TopicStopping   = "/vm/stopping"
	TopicStopped    = "/vm/stopped"
)

// VMStartingUp is published when an Android guest is about to launch.
type VMStartingUp struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
	CID   uint32 `json:"cid"`
}

// VMStarted is published once a guest is running.
type VMStarted struct {
	Owner           string `json:"owner"`
	Name            string `json:"name"`
	Kind            string `json:"kind"`
	CID             uint32 `json:"cid"`
	PID             int    `json:"pid"`
	IPv4            string `json:"ipv4,omitempty"`
	SharedDirHandle uint32 `json:"shared_dir_handle,omitempty"`
	Status          string `json:"status"`
}

// VMStopping is published when a guest begins shutting down.
type VMStopping struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
	CID   uint32 `json:"cid"`
}

// VMStopped is published once a guest is gone.
type VMStopped struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
	CID   uint32 `json:"cid"`
}

func init() {
	typeurl.Register(&VMStartingUp{}, "concierge.events.v1", "VmStartingUp")
	typeurl.Register(&VMStarted{}, "concierge.events.v1", "VmStarted")
	typeurl.Register(&VMStopping{}, "concierge.events.v1", "VmStopping")
	typeurl.Register(&VMStopped{}, "concierge.events.v1", "VmStopped")
}

// Event is one decoded signal.
type Event struct {
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Publisher turns guest lifecycle callbacks into exchange events. It
// implements vm.Observer.
type Publisher struct {
	ex *exchange.Exchange
}

// NewPublisher returns a publisher on ex. A nil exchange gets a new one.
func NewPublisher(ex *exchange.Exchange) *Publisher {
	if ex == nil {
		ex = exchange.NewExchange()
	}
	return &Publisher{ex: ex}
}

// Exchange returns the underlying exchange.
func (p *Publisher) Exchange() *exchange.Exchange { return p.ex }

var _ vm.Observer = (*Publisher)(nil)

func (p *Publisher) VMStartingUp(ctx context.Context, info vm.Info) {
	p.publish(ctx, TopicStartingUp, &VMStartingUp{Owner: info.Owner, Name: info.Name, CID: info.CID})
}

func (p *Publisher) VMStarted(ctx context.Context, info vm.Info) {
	ev := &VMStarted{
		Owner:           info.Owner,
		Name:            info.Name,
		Kind:            info.Kind.String(),
		CID:             info.CID,
		PID:             info.PID,
		SharedDirHandle: info.SharedDirHandle,
		Status:          info.State.String(),
	}
	if info.IPv4 != nil {
		ev.IPv4 = info.IPv4.String()
	}
	p.publish(ctx, TopicStarted, ev)
}

func (p *Publisher) VMStopping(ctx context.Context, info vm.Info) {
	p.publish(ctx, TopicStopping, &VMStopping{Owner: info.Owner, Name: info.Name, CID: info.CID})
}

func (p *Publisher) VMStopped(ctx context.Context, info vm.Info) {
	p.publish(ctx, TopicStopped, &VMStopped{Owner: info.Owner, Name: info.Name, CID: info.CID})
}

func (p *Publisher) publish(ctx context.Context, topic string, ev events.Event) {
	ctx = namespaces.WithNamespace(context.WithoutCancel(ctx), Namespace)
	if err := p.ex.Publish(ctx, topic, ev); err != nil {
		log.G(ctx).WithError(err).WithField("topic", topic).Warn("failed to publish event")
	}
}

// Subscribe streams decoded events until ctx is done. With no topics every
// signal is delivered.
func (p *Publisher) Subscribe(ctx context.Context, topics ...string) (<-chan Event, <-chan error) {
	var filters []string
	for _, t := range topics {
		filters = append(filters, fmt.Sprintf("topic==%q", t))
	}
	envs, errs := p.ex.Subscribe(ctx, filters...)

	out := make(chan Event)
	outErrs := make(chan error, 1)
	go func() {
		defer close(out)
		for {
			select {
			case env := <-envs:
				payload, err := typeurl.UnmarshalAny(env.Event)
				if err != nil {
					log.G(ctx).WithError(err).WithField("topic", env.Topic).Warn("dropping undecodable event")
					continue
				}
				select {
				case out <- Event{Topic: env.Topic, Timestamp: env.Timestamp, Payload: payload}:
				case <-ctx.Done():
					return
				}
			case err := <-errs:
				if err != nil {
					outErrs <- err
				}
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, outErrs
}
