// Package mqtt is the Cloud-PubSub transport adapter over paho.
//
// Reconnect policy deliberately lives in link.Supervisor, not here:
// paho auto-reconnect is off and a lost connection is only reported
// through Lost(). Delivery is at-least-once at QOS=1; the envelope
// sequence correlation upstream is the compensating control for
// duplicates and reorders across reconnects.
package mqtt

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/airseekers/mowlink/link"
	"github.com/airseekers/mowlink/log2"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
	DefaultSendWindow     = 8

	disconnectQuiesceMs = 250
)

type Options struct { //nolint:maligned
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	KeepaliveSec   int
	NetworkTimeout time.Duration
	QOS            byte // 0 or 1
	Subscriptions  []string
	SendWindow     int // max concurrent unacknowledged publishes
	WillTopic      string
	WillPayload    []byte
	Log            *log2.Log
}

type Transport struct {
	log       *log2.Log
	opt       Options
	m         paho.Client
	alive     *alive.Alive
	recvMu    sync.RWMutex // excludes paho callbacks during recvCh close
	recvDone  bool
	recvCh    chan link.Inbound
	lostCh    chan error
	window    chan struct{}
	closeOnce sync.Once
}

var _ link.Transport = &Transport{}

// NewTransport returns only configuration errors, network IO starts with Connect.
func NewTransport(opt Options) (*Transport, error) {
	if _, err := url.ParseRequestURI(opt.BrokerURL); err != nil {
		return nil, errors.Annotatef(err, "config error mqtt BrokerURL=%s", opt.BrokerURL)
	}
	if opt.QOS > 1 {
		return nil, errors.NotValidf("config error mqtt QOS=%d want 0..1", opt.QOS)
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.SendWindow == 0 {
		opt.SendWindow = DefaultSendWindow
	}

	self := &Transport{
		log:    opt.Log,
		opt:    opt,
		alive:  alive.NewAlive(),
		recvCh: make(chan link.Inbound, 64),
		lostCh: make(chan error, 1),
		window: make(chan struct{}, opt.SendWindow),
	}
	paho.ERROR = opt.Log
	paho.CRITICAL = opt.Log

	mopt := paho.NewClientOptions().
		AddBroker(opt.BrokerURL).
		SetClientID(opt.ClientID).
		SetUsername(opt.Username).
		SetPassword(opt.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetKeepAlive(time.Duration(opt.KeepaliveSec) * time.Second).
		SetPingTimeout(opt.NetworkTimeout).
		SetConnectTimeout(opt.NetworkTimeout).
		SetOrderMatters(false).
		SetDefaultPublishHandler(self.onMessage).
		SetConnectionLostHandler(self.onLost)
	if opt.WillTopic != "" {
		mopt = mopt.SetBinaryWill(opt.WillTopic, opt.WillPayload, opt.QOS, true)
	}
	self.m = paho.NewClient(mopt)
	return self, nil
}

// Connect dials the broker and subscribes the configured topic list.
// No-op when already connected.
func (self *Transport) Connect(ctx context.Context) error {
	if self.m.IsConnected() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tok := self.m.Connect()
	if !tok.WaitTimeout(self.opt.NetworkTimeout) {
		return errors.Timeoutf("mqtt connect broker=%s", self.opt.BrokerURL)
	}
	if err := tok.Error(); err != nil {
		return errors.Annotatef(err, "mqtt connect broker=%s", self.opt.BrokerURL)
	}

	for _, topic := range self.opt.Subscriptions {
		sub := self.m.Subscribe(topic, self.opt.QOS, nil)
		if !sub.WaitTimeout(self.opt.NetworkTimeout) {
			self.m.Disconnect(disconnectQuiesceMs)
			return errors.Timeoutf("mqtt subscribe topic=%s", topic)
		}
		if err := sub.Error(); err != nil {
			self.m.Disconnect(disconnectQuiesceMs)
			return errors.Annotatef(err, "mqtt subscribe topic=%s", topic)
		}
	}
	self.log.Debugf("mqtt connected broker=%s subs=%d", self.opt.BrokerURL, len(self.opt.Subscriptions))
	return nil
}

func (self *Transport) Disconnect() error {
	if self.m.IsConnected() {
		self.m.Disconnect(disconnectQuiesceMs)
	}
	return nil
}

// Send publishes one buffer and waits for the broker ack (QOS=1).
// The in-flight window bounds outbound memory; a full window is
// ErrBackpressure, not a hidden queue.
func (self *Transport) Send(dst link.Destination, payload []byte) error {
	if !self.m.IsConnected() {
		return errors.Annotatef(link.ErrNotConnected, "mqtt topic=%s", dst.Topic)
	}
	select {
	case self.window <- struct{}{}:
	default:
		return errors.Annotatef(link.ErrBackpressure, "mqtt window=%d", cap(self.window))
	}
	defer func() { <-self.window }()

	tok := self.m.Publish(dst.Topic, self.opt.QOS, false, payload)
	if !tok.WaitTimeout(self.opt.NetworkTimeout) {
		return errors.Annotatef(link.ErrTransportFailure, "mqtt publish ack timeout topic=%s", dst.Topic)
	}
	if err := tok.Error(); err != nil {
		return errors.Annotatef(errors.Wrap(err, link.ErrTransportFailure), "mqtt publish topic=%s", dst.Topic)
	}
	return nil
}

func (self *Transport) Receive() <-chan link.Inbound { return self.recvCh }
func (self *Transport) Lost() <-chan error           { return self.lostCh }

// Close shuts the adapter down permanently and ends the receive stream.
func (self *Transport) Close() {
	self.closeOnce.Do(func() {
		self.alive.Stop()
		if self.m.IsConnected() {
			self.m.Disconnect(disconnectQuiesceMs)
		}
		// paho runs onMessage from its own goroutines with no way to
		// wait for them, the lock keeps close off a handler mid-send
		self.recvMu.Lock()
		self.recvDone = true
		close(self.recvCh)
		self.recvMu.Unlock()
	})
}

func (self *Transport) onMessage(_ paho.Client, msg paho.Message) {
	in := link.Inbound{
		Source:  link.Destination{Topic: msg.Topic()},
		Payload: msg.Payload(),
	}
	self.recvMu.RLock()
	defer self.recvMu.RUnlock()
	if self.recvDone {
		return
	}
	select {
	case self.recvCh <- in:
	case <-self.alive.StopChan():
	}
}

func (self *Transport) onLost(_ paho.Client, err error) {
	if err == nil {
		err = fmt.Errorf("mqtt connection lost")
	}
	self.log.Errorf("mqtt connection lost err=%v", err)
	select {
	case self.lostCh <- err:
	default:
	}
}
