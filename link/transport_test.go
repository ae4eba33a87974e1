package link

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/require"

	"github.com/airseekers/mowlink/link/wire"
)

// fakeTransport scripts both directions of one transport for tests.
type fakeTransport struct { //nolint:maligned
	mu           sync.Mutex
	connected    bool
	connectErr   error
	sendErr      error
	connectCount int

	sentCh chan []byte
	recvCh chan Inbound
	lostCh chan error
}

var _ Transport = &fakeTransport{}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sentCh: make(chan []byte, 64),
		recvCh: make(chan Inbound, 64),
		lostCh: make(chan error, 1),
	}
}

func (ft *fakeTransport) Connect(ctx context.Context) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.connectCount++
	if ft.connectErr != nil {
		return ft.connectErr
	}
	ft.connected = true
	return nil
}

func (ft *fakeTransport) Disconnect() error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.connected = false
	return nil
}

func (ft *fakeTransport) Send(dst Destination, payload []byte) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if !ft.connected {
		return errors.Annotatef(ErrNotConnected, "fake dst=%s", dst)
	}
	if ft.sendErr != nil {
		return ft.sendErr
	}
	ft.sentCh <- append([]byte(nil), payload...)
	return nil
}

func (ft *fakeTransport) Receive() <-chan Inbound { return ft.recvCh }
func (ft *fakeTransport) Lost() <-chan error      { return ft.lostCh }

func (ft *fakeTransport) setConnectErr(e error) {
	ft.mu.Lock()
	ft.connectErr = e
	ft.mu.Unlock()
}

func (ft *fakeTransport) connects() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.connectCount
}

// inject delivers one envelope as if received from src.
func (ft *fakeTransport) inject(src Destination, env wire.Envelope) {
	ft.recvCh <- Inbound{Source: src, Payload: wire.Marshal(env)}
}

// takeSent returns the next sent frame, decoded.
func (ft *fakeTransport) takeSent(t testing.TB) wire.Envelope {
	t.Helper()
	select {
	case b := <-ft.sentCh:
		env, n, err := wire.Parse(b)
		require.NoError(t, err)
		require.Equal(t, len(b), n)
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("no frame sent within 3s")
		return wire.Envelope{}
	}
}

func waitState(t testing.TB, sup *Supervisor, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sup.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state=%s want=%s", sup.State(), want)
}
