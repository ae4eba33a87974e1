package link

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	link_config "github.com/airseekers/mowlink/link/config"
	"github.com/airseekers/mowlink/link/wire"
	"github.com/airseekers/mowlink/log2"
)

func testConfig() *link_config.Config {
	cfg := &link_config.Config{}
	cfg.Backoff.MinMs = 5
	cfg.Backoff.MaxMs = 20
	cfg.Routes = []link_config.Route{
		{Type: 10, Transport: link_config.TransportLocal,
			Peer: "mower-1", Service: "0000fe40", Characteristic: "0000fe41"},
		{Type: 20, Transport: link_config.TransportCloud, Topic: "device/mower-1/command"},
		{Type: 21, Transport: link_config.TransportCloud, Topic: "device/mower-1/telemetry"},
	}
	return cfg
}

type lenv struct {
	l     *Link
	cloud *fakeTransport
	local *fakeTransport
}

func testLink(t testing.TB, ctx context.Context) *lenv {
	cloud := newFakeTransport()
	local := newFakeTransport()
	l, err := New(testConfig(), log2.NewTest(t, log2.LDebug), cloud, local)
	require.NoError(t, err)
	l.Start(ctx)
	waitState(t, l.Local(), StateConnected)
	waitState(t, l.Cloud(), StateConnected)
	return &lenv{l: l, cloud: cloud, local: local}
}

// Scenario: request over Local-PointToPoint, peer responds within 50ms.
func TestRequestPingPong(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := testLink(t, ctx)
	defer env.l.Stop()

	// scripted peer: answer every request with pong, same type and sequence
	go func() {
		req := env.local.takeSent(t)
		time.Sleep(50 * time.Millisecond)
		env.local.inject(
			Destination{Peer: "mower-1", Service: "0000fe40", Characteristic: "0000fe41"},
			wire.Envelope{Type: req.Type, Seq: req.Seq, Payload: []byte("pong")},
		)
	}()

	payload, err := env.l.Request(ctx, 10, []byte("ping"), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), payload)
}

// Scenario: same request, peer never answers.
func TestRequestNoPeerTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := testLink(t, ctx)
	defer env.l.Stop()

	const timeout = 300 * time.Millisecond
	begin := time.Now()
	_, err := env.l.Request(ctx, 10, []byte("ping"), timeout)
	assert.Equal(t, ErrTimeout, errors.Cause(err))
	assert.GreaterOrEqual(t, int64(time.Since(begin)), int64(timeout))
}

func TestPublishTelemetryOverCloud(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := testLink(t, ctx)
	defer env.l.Stop()

	require.NoError(t, env.l.Publish(21, []byte("battery=87")))
	sent := env.cloud.takeSent(t)
	assert.Equal(t, uint32(21), sent.Type)
	assert.Equal(t, []byte("battery=87"), sent.Payload)
}

func TestEventDispatchAcrossTransports(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := testLink(t, ctx)
	defer env.l.Stop()

	gotCh := make(chan []byte, 2)
	require.NoError(t, env.l.RegisterHandler(30, func(ctx context.Context, payload []byte) error {
		gotCh <- payload
		return nil
	}))

	env.cloud.inject(Destination{Topic: "device/mower-1/status"}, wire.Envelope{Type: 30, Seq: 1000, Payload: []byte("from-cloud")})
	env.local.inject(Destination{Peer: "mower-1", Service: "s", Characteristic: "c"}, wire.Envelope{Type: 30, Seq: 2000, Payload: []byte("from-ble")})

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case p := <-gotCh:
			got[string(p)] = true
		case <-time.After(3 * time.Second):
			t.Fatal("event not dispatched")
		}
	}
	assert.True(t, got["from-cloud"])
	assert.True(t, got["from-ble"])
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Routes = append(cfg.Routes, link_config.Route{Type: 10, Transport: link_config.TransportCloud, Topic: "dup"})
	_, err := New(cfg, log2.NewTest(t, log2.LError), newFakeTransport(), newFakeTransport())
	assert.Error(t, err)

	_, err = New(testConfig(), log2.NewTest(t, log2.LError), nil, newFakeTransport())
	assert.Error(t, err)
}
