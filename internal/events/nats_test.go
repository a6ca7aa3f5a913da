package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestNATSPublisher_Publish(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := Connect(server.ClientURL(), "metapod-test", nil)
	require.NoError(t, err)
	defer nc.Close()

	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("metapod.sessions.s-1.started", ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	pub := NewNATSPublisher(nc, "")
	require.NoError(t, pub.Publish(context.Background(), Event{
		Type:      SessionStarted,
		SessionID: "s-1",
		Workspace: "/work/a",
		Time:      time.Now(),
	}))

	select {
	case msg := <-ch:
		var e Event
		require.NoError(t, json.Unmarshal(msg.Data, &e))
		assert.Equal(t, SessionStarted, e.Type)
		assert.Equal(t, "/work/a", e.Workspace)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for started event")
	}
}

func TestSubscribe(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	got := make(chan Event, 4)
	sub, err := Subscribe(nc, "mp", "s-1", func(e Event) { got <- e })
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	pub := NewNATSPublisher(nc, "mp")
	ctx := context.Background()
	require.NoError(t, pub.Publish(ctx, Event{Type: SessionStarted, SessionID: "s-2"}))
	require.NoError(t, pub.Publish(ctx, Event{Type: PhaseAdvanced, SessionID: "s-1", Phase: "plan"}))

	select {
	case e := <-got:
		assert.Equal(t, PhaseAdvanced, e.Type)
		assert.Equal(t, "plan", e.Phase)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	assert.Empty(t, got, "other sessions are filtered out")
}

func TestSubject_SanitizesIDs(t *testing.T) {
	assert.Equal(t, "p.sessions.a_b_.started", Subject("p", "a.b>", SessionStarted))
	assert.Equal(t, "p.sessions._.failed", Subject("p", "", SessionFailed))
}

func TestRecorder(t *testing.T) {
	var r Recorder
	ctx := context.Background()
	require.NoError(t, r.Publish(ctx, Event{Type: SessionStarted}))
	require.NoError(t, r.Publish(ctx, Event{Type: SessionBlocked}))
	assert.Len(t, r.Events(), 2)
	assert.Len(t, r.OfType(SessionBlocked), 1)
	assert.NoError(t, Nop{}.Publish(ctx, Event{}))
}
