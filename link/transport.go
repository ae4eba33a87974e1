package link

import (
	"context"
	"fmt"
)

// Transport contract:
// - Connect/Disconnect are idempotent; Connect on a connected transport is a no-op
// - Send returns quickly with ErrNotConnected/ErrBackpressure/ErrTransportFailure,
//   it never queues unboundedly and never retries on its own
// - Receive channel stays open across reconnects, closes only on permanent shutdown
// - Lost delivers one error per established connection that dropped;
//   the Supervisor consumes it and owns reconnect policy
// - assume worst network quality: loss, reorder, duplicates
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(dst Destination, payload []byte) error
	Receive() <-chan Inbound
	Lost() <-chan error
}

// Destination addresses one delivery target.
// Cloud transport uses Topic, local transport uses Peer/Service/Characteristic.
type Destination struct {
	Topic string

	Peer           string
	Service        string
	Characteristic string
}

func (d Destination) String() string {
	if d.Topic != "" {
		return d.Topic
	}
	return fmt.Sprintf("%s/%s/%s", d.Peer, d.Service, d.Characteristic)
}

// Inbound is one received buffer tagged with its source.
type Inbound struct {
	Source  Destination
	Payload []byte
}

type State uint32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("invalid-state-%d", uint32(s))
}

var (
	ErrNotConnected     = fmt.Errorf("transport is not connected")
	ErrBackpressure     = fmt.Errorf("transport send buffer is full")
	ErrTransportFailure = fmt.Errorf("transport failure")

	ErrTimeout    = fmt.Errorf("request timed out")
	ErrCancelled  = fmt.Errorf("request cancelled")
	ErrSendFailed = fmt.Errorf("request send failed")

	ErrNoDestination   = fmt.Errorf("no destination configured for message type")
	ErrHandlerConflict = fmt.Errorf("handler already registered for message type")
)
