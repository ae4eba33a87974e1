package link

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"

	"github.com/airseekers/mowlink/log2"
)

const (
	DefaultBackoffMin    = 1 * time.Second
	DefaultBackoffMax    = 2 * time.Minute
	DefaultBackoffFactor = 2.0
)

// BackoffConfig bounds the Supervisor reconnect policy.
// MaxAttempts=0 means retry forever.
type BackoffConfig struct {
	Min         time.Duration
	Max         time.Duration
	Factor      float64
	MaxAttempts int
}

func (c *BackoffConfig) normalize() {
	if c.Min <= 0 {
		c.Min = DefaultBackoffMin
	}
	if c.Max <= 0 {
		c.Max = DefaultBackoffMax
	}
	if c.Factor <= 1 {
		c.Factor = DefaultBackoffFactor
	}
}

// Supervisor owns connection liveness for one transport:
// Disconnected -> Connecting -> Connected -> Reconnecting -> Connected
// or permanent Disconnected after MaxAttempts consecutive failures.
// While not Connected, Send fails immediately with ErrNotConnected so
// callers fail fast instead of hanging until their own timeout.
type Supervisor struct { //nolint:maligned
	name   string
	t      Transport
	log    *log2.Log
	alive  *alive.Alive
	bo     *backoff.Backoff
	maxTry int
	cancel context.CancelFunc
	lastUp *atomic_clock.Clock
	state  uint32 // State, atomic

	fatalCh chan error

	mu        sync.Mutex
	observers []func(State)
}

func NewSupervisor(name string, t Transport, cfg BackoffConfig, log *log2.Log) *Supervisor {
	cfg.normalize()
	return &Supervisor{
		name:  name,
		t:     t,
		log:   log,
		alive: alive.NewAlive(),
		bo: &backoff.Backoff{
			Min:    cfg.Min,
			Max:    cfg.Max,
			Factor: cfg.Factor,
			Jitter: true,
		},
		maxTry:  cfg.MaxAttempts,
		lastUp:  atomic_clock.New(),
		fatalCh: make(chan error, 1),
	}
}

func (self *Supervisor) Start(ctx context.Context) {
	ctx, self.cancel = context.WithCancel(ctx)
	self.alive.Add(1)
	go self.worker(ctx)
}

func (self *Supervisor) Stop() {
	self.alive.Stop()
	if self.cancel != nil {
		self.cancel()
	}
	self.alive.Wait()
}

func (self *Supervisor) State() State {
	return State(atomic.LoadUint32(&self.state))
}

// Fatal delivers at most one error, after reconnecting is abandoned.
func (self *Supervisor) Fatal() <-chan error { return self.fatalCh }

// Notify registers a state-transition observer. Append-only, call before Start.
// Observers run on the supervisor goroutine and must not block.
func (self *Supervisor) Notify(fun func(State)) {
	self.mu.Lock()
	self.observers = append(self.observers, fun)
	self.mu.Unlock()
}

func (self *Supervisor) Send(dst Destination, payload []byte) error {
	if s := self.State(); s != StateConnected {
		return errors.Annotatef(ErrNotConnected, "%s state=%s", self.name, s)
	}
	return self.t.Send(dst, payload)
}

func (self *Supervisor) setState(new State) {
	old := State(atomic.SwapUint32(&self.state, uint32(new)))
	if old == new {
		return
	}
	self.log.Debugf("%s state %s -> %s", self.name, old, new)
	self.mu.Lock()
	obs := self.observers
	self.mu.Unlock()
	for _, fun := range obs {
		fun(new)
	}
}

func (self *Supervisor) worker(ctx context.Context) {
	defer self.alive.Done()
	stopch := self.alive.StopChan()
	wasConnected := false
	attempts := 0
	for self.alive.IsRunning() {
		if wasConnected {
			self.setState(StateReconnecting)
		} else {
			self.setState(StateConnecting)
		}

		if err := self.t.Connect(ctx); err != nil {
			attempts++
			self.log.Errorf("%s connect attempt=%d err=%v", self.name, attempts, err)
			if self.maxTry > 0 && attempts >= self.maxTry {
				self.setState(StateDisconnected)
				self.fatalCh <- errors.Annotatef(err, "%s gave up after %d attempts", self.name, attempts)
				return
			}
			delay := self.bo.Duration()
			self.log.Debugf("%s reconnect delay=%v", self.name, delay)
			select {
			case <-time.After(delay):
				continue
			case <-stopch:
				self.setState(StateDisconnected)
				return
			}
		}

		attempts = 0
		wasConnected = true
		self.bo.Reset()
		self.lastUp.SetNow()
		self.setState(StateConnected)

		select {
		case err := <-self.t.Lost():
			self.log.Errorf("%s connection lost uptime=%v err=%v", self.name, atomic_clock.Since(self.lastUp), err)
			self.setState(StateReconnecting)
			delay := self.bo.Duration()
			select {
			case <-time.After(delay):
			case <-stopch:
				self.setState(StateDisconnected)
				return
			}

		case <-stopch:
			if err := self.t.Disconnect(); err != nil {
				self.log.Errorf("%s disconnect err=%v", self.name, err)
			}
			self.setState(StateDisconnected)
			return
		}
	}
}
