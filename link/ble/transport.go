// Package ble is the Local-PointToPoint transport adapter.
//
// The concrete short-range stack (scanning internals, pairing, GATT
// discovery, MTU) stays behind the Peripheral interface supplied by the
// caller. This transport has no native QoS: a write either reaches the
// peer or the request times out upstream.
package ble

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/airseekers/mowlink/link"
	"github.com/airseekers/mowlink/log2"
)

const (
	DefaultWriteQueue   = 8
	DefaultScanDuration = 10 * time.Second
)

// Peripheral is the short-range wireless stack boundary.
type Peripheral interface {
	Scan(ctx context.Context, duration time.Duration) ([]Advertisement, error)
	Connect(ctx context.Context, peer string) error
	Disconnect(peer string) error
	// WriteCharacteristic must tolerate being called from one goroutine only;
	// the adapter serializes writes.
	WriteCharacteristic(peer, service, characteristic string, value []byte) error
	// Notifications stream from subscribed characteristics, closed on stack shutdown.
	Notifications() <-chan Notification
}

type Advertisement struct {
	Peer         string
	Name         string
	RSSI         int
	ServiceUUIDs []string
}

type Notification struct {
	Peer           string
	Service        string
	Characteristic string
	Value          []byte
}

type Options struct { //nolint:maligned
	Peer          string // target device id
	ServiceFilter []string
	WriteQueue    int
	ScanDuration  time.Duration
	Log           *log2.Log
}

type Transport struct {
	log       *log2.Log
	opt       Options
	dev       Peripheral
	alive     *alive.Alive
	recvCh    chan link.Inbound
	lostCh    chan error
	writeCh   chan outbound
	up        uint32 // atomic bool
	closeOnce sync.Once
}

type outbound struct {
	dst     link.Destination
	payload []byte
}

var _ link.Transport = &Transport{}

func NewTransport(dev Peripheral, opt Options) (*Transport, error) {
	if dev == nil {
		return nil, errors.NotValidf("code error ble.NewTransport dev=nil")
	}
	if opt.Peer == "" {
		return nil, errors.NotValidf("config error ble Peer empty")
	}
	if opt.WriteQueue == 0 {
		opt.WriteQueue = DefaultWriteQueue
	}
	if opt.ScanDuration == 0 {
		opt.ScanDuration = DefaultScanDuration
	}

	self := &Transport{
		log:     opt.Log,
		opt:     opt,
		dev:     dev,
		alive:   alive.NewAlive(),
		recvCh:  make(chan link.Inbound, 64),
		lostCh:  make(chan error, 1),
		writeCh: make(chan outbound, opt.WriteQueue),
	}
	self.alive.Add(2)
	go self.writer()
	go self.notifier()
	return self, nil
}

// Discover scans for advertisements carrying any of the configured
// service UUIDs. Independent of Connect.
func (self *Transport) Discover(ctx context.Context) ([]Advertisement, error) {
	advs, err := self.dev.Scan(ctx, self.opt.ScanDuration)
	if err != nil {
		return nil, errors.Annotate(err, "ble scan")
	}
	if len(self.opt.ServiceFilter) == 0 {
		return advs, nil
	}
	// fresh slice, the stack may retain what Scan returned
	found := make([]Advertisement, 0, len(advs))
	for _, adv := range advs {
		if matchService(adv.ServiceUUIDs, self.opt.ServiceFilter) {
			found = append(found, adv)
		}
	}
	self.log.Debugf("ble discover total=%d matched=%d", len(advs), len(found))
	return found, nil
}

func matchService(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

// Connect establishes the GATT connection to the configured peer.
// No-op when already connected.
func (self *Transport) Connect(ctx context.Context) error {
	if atomic.LoadUint32(&self.up) == 1 {
		return nil
	}
	if err := self.dev.Connect(ctx, self.opt.Peer); err != nil {
		return errors.Annotatef(err, "ble connect peer=%s", self.opt.Peer)
	}
	atomic.StoreUint32(&self.up, 1)
	self.log.Debugf("ble connected peer=%s", self.opt.Peer)
	return nil
}

func (self *Transport) Disconnect() error {
	if !atomic.CompareAndSwapUint32(&self.up, 1, 0) {
		return nil
	}
	return errors.Annotatef(self.dev.Disconnect(self.opt.Peer), "ble disconnect peer=%s", self.opt.Peer)
}

// Send queues one characteristic write. The queue is bounded: full queue
// is ErrBackpressure. A failed write drops the connection; delivery of
// queued writes is not guaranteed, the protocol timeout upstream is the
// only delivery control on this transport.
func (self *Transport) Send(dst link.Destination, payload []byte) error {
	if atomic.LoadUint32(&self.up) != 1 {
		return errors.Annotatef(link.ErrNotConnected, "ble peer=%s", dst.Peer)
	}
	select {
	case self.writeCh <- outbound{dst: dst, payload: payload}:
		return nil
	default:
		return errors.Annotatef(link.ErrBackpressure, "ble queue=%d", cap(self.writeCh))
	}
}

func (self *Transport) Receive() <-chan link.Inbound { return self.recvCh }
func (self *Transport) Lost() <-chan error           { return self.lostCh }

// Close shuts the adapter down permanently and ends the receive stream.
func (self *Transport) Close() {
	self.closeOnce.Do(func() {
		self.alive.Stop()
		_ = self.Disconnect()
		self.alive.Wait()
		close(self.recvCh)
	})
}

// writer serializes characteristic writes, frames must not interleave.
func (self *Transport) writer() {
	defer self.alive.Done()
	stopch := self.alive.StopChan()
	for {
		select {
		case w := <-self.writeCh:
			err := self.dev.WriteCharacteristic(w.dst.Peer, w.dst.Service, w.dst.Characteristic, w.payload)
			if err != nil {
				self.log.Errorf("ble write dst=%s err=%v", w.dst, err)
				self.drop(errors.Annotatef(err, "ble write dst=%s", w.dst))
			}

		case <-stopch:
			return
		}
	}
}

func (self *Transport) notifier() {
	defer self.alive.Done()
	stopch := self.alive.StopChan()
	for {
		select {
		case n, ok := <-self.dev.Notifications():
			if !ok {
				self.drop(errors.New("ble notification stream closed"))
				return
			}
			in := link.Inbound{
				Source: link.Destination{
					Peer:           n.Peer,
					Service:        n.Service,
					Characteristic: n.Characteristic,
				},
				Payload: n.Value,
			}
			select {
			case self.recvCh <- in:
			case <-stopch:
				return
			}

		case <-stopch:
			return
		}
	}
}

// drop marks the connection down and notifies the supervisor once.
func (self *Transport) drop(err error) {
	if !atomic.CompareAndSwapUint32(&self.up, 1, 0) {
		return
	}
	_ = self.dev.Disconnect(self.opt.Peer)
	select {
	case self.lostCh <- err:
	default:
	}
}
