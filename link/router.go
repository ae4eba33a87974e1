package link

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/airseekers/mowlink/link/wire"
	"github.com/airseekers/mowlink/log2"
)

// Handler consumes the payload of one unsolicited envelope.
// Decoding the opaque payload belongs to the collaborator owning the type id.
type Handler func(ctx context.Context, payload []byte) error

type route struct {
	sup *Supervisor
	dst Destination
}

// Router dispatches decoded envelopes and selects the transport for
// outbound messages from a static per-type destination map.
// Inbound dispatch is serialized per transport: handler invocation order
// within one transport matches arrival order. No ordering across transports.
type Router struct {
	log            *log2.Log
	stat           *Stat
	corr           *correlator
	alive          *alive.Alive
	defaultTimeout time.Duration

	// static after construction
	routes map[uint32]route

	mu       sync.RWMutex
	handlers map[uint32]Handler
}

func newRouter(log *log2.Log, stat *Stat, corr *correlator, routes map[uint32]route, defaultTimeout time.Duration) *Router {
	return &Router{
		log:            log,
		stat:           stat,
		corr:           corr,
		alive:          alive.NewAlive(),
		defaultTimeout: defaultTimeout,
		routes:         routes,
		handlers:       make(map[uint32]Handler, 16),
	}
}

// RegisterHandler wires an unsolicited-message handler to a type id.
// Registration conflict indicates a misconfigured deployment, treat as
// fatal at startup. The first handler stays active.
func (self *Router) RegisterHandler(typ uint32, fun Handler) error {
	if fun == nil {
		return errors.NotValidf("code error RegisterHandler type=%d fun=nil", typ)
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	if _, exist := self.handlers[typ]; exist {
		return errors.Annotatef(ErrHandlerConflict, "type=%d", typ)
	}
	self.handlers[typ] = fun
	return nil
}

// Publish sends one fire-and-forget envelope, no correlation.
// Backpressure and connection state surface as the send outcome,
// nothing is buffered on behalf of the caller.
func (self *Router) Publish(typ uint32, payload []byte) error {
	rt, ok := self.routes[typ]
	if !ok {
		return errors.Annotatef(ErrNoDestination, "publish type=%d", typ)
	}
	frame := wire.Marshal(wire.Envelope{Type: typ, Seq: self.corr.nextSeq(), Payload: payload})
	err := rt.sup.Send(rt.dst, frame)
	if errors.Cause(err) == ErrBackpressure {
		self.stat.Modify(func(s *Stat) { s.SendBackpressure++ })
	}
	return err
}

// Request sends one envelope and waits for the response carrying the same
// sequence. timeout<=0 selects the configured default.
func (self *Router) Request(ctx context.Context, typ uint32, payload []byte, timeout time.Duration) ([]byte, error) {
	rt, ok := self.routes[typ]
	if !ok {
		return nil, errors.Annotatef(ErrNoDestination, "request type=%d", typ)
	}
	if timeout <= 0 {
		timeout = self.defaultTimeout
	}
	return self.corr.request(ctx, typ, payload, timeout, func(frame []byte) error {
		err := rt.sup.Send(rt.dst, frame)
		if errors.Cause(err) == ErrBackpressure {
			self.stat.Modify(func(s *Stat) { s.SendBackpressure++ })
		}
		return err
	})
}

func (self *Router) start(ctx context.Context, transports ...Transport) {
	for _, t := range transports {
		self.alive.Add(1)
		go self.pump(ctx, t)
	}
}

func (self *Router) stop() {
	self.alive.Stop()
	self.alive.Wait()
}

// pump is the single consumer of one transport's receive stream.
func (self *Router) pump(ctx context.Context, t Transport) {
	defer self.alive.Done()
	stopch := self.alive.StopChan()
	// partial frames buffered per source until more bytes arrive
	partial := make(map[Destination][]byte)
	for {
		select {
		case in, ok := <-t.Receive():
			if !ok {
				return
			}
			self.ingest(ctx, partial, in)

		case <-stopch:
			return
		}
	}
}

func (self *Router) ingest(ctx context.Context, partial map[Destination][]byte, in Inbound) {
	b := in.Payload
	if prev := partial[in.Source]; len(prev) > 0 {
		b = append(prev, b...)
	}
	for len(b) > 0 {
		env, n, err := wire.Parse(b)
		switch err {
		case nil:
			b = b[n:]
			self.dispatch(ctx, env)

		case wire.ErrTruncated:
			partial[in.Source] = b
			return

		default:
			self.stat.Modify(func(s *Stat) { s.MalformedFrame++ })
			self.log.Errorf("router drop malformed frame source=%s len=%d", in.Source, len(b))
			delete(partial, in.Source)
			return
		}
	}
	delete(partial, in.Source)
}

func (self *Router) dispatch(ctx context.Context, env wire.Envelope) {
	// responses first: a pending sequence consumes the envelope
	if self.corr.offer(env) {
		return
	}

	self.mu.RLock()
	fun := self.handlers[env.Type]
	self.mu.RUnlock()
	if fun == nil {
		// payload registry is intentionally partial, unknown types are
		// an external collaborator concern
		self.stat.Modify(func(s *Stat) { s.UnhandledMessage++ })
		self.log.Debugf("router unhandled %s", env)
		return
	}
	if err := fun(ctx, env.Payload); err != nil {
		self.log.Errorf("router handler type=%d seq=%d err=%v", env.Type, env.Seq, err)
	}
}
