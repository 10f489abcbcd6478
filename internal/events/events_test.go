package events

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/concierge/internal/kind"
	"github.com/spin-stack/concierge/internal/vm"
)

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	p := NewPublisher(nil)
	evs, _ := p.Subscribe(ctx)

	info := vm.Info{
		Owner: "cafe",
		Name:  "termina",
		Kind:  kind.Container,
		State: vm.Running,
		CID:   33,
		PID:   1234,
		IPv4:  net.IPv4(100, 115, 92, 2),
	}
	p.VMStarted(ctx, info)
	p.VMStopping(ctx, info)
	p.VMStopped(ctx, info)

	ev := next(t, evs)
	assert.Equal(t, TopicStarted, ev.Topic)
	started, ok := ev.Payload.(*VMStarted)
	require.True(t, ok, "payload %T", ev.Payload)
	assert.Equal(t, "100.115.92.2", started.IPv4)
	assert.Equal(t, uint32(33), started.CID)
	assert.Equal(t, "running", started.Status)

	assert.Equal(t, TopicStopping, next(t, evs).Topic)
	stopped := next(t, evs)
	assert.Equal(t, TopicStopped, stopped.Topic)
	assert.Equal(t, &VMStopped{Owner: "cafe", Name: "termina", CID: 33}, stopped.Payload)
}

func TestSubscribeFiltersTopics(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	p := NewPublisher(nil)
	evs, _ := p.Subscribe(ctx, TopicStopped)

	info := vm.Info{Owner: "cafe", Name: "arcvm", Kind: kind.Android, CID: 9}
	p.VMStartingUp(ctx, info)
	p.VMStopped(ctx, info)

	ev := next(t, evs)
	assert.Equal(t, TopicStopped, ev.Topic)
}
