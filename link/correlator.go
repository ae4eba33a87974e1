package link

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"

	"github.com/airseekers/mowlink/link/wire"
	"github.com/airseekers/mowlink/log2"
)

// retiredRing remembers the last retired requests so duplicate and late
// responses can be recognized and dropped instead of reaching a handler.
const retiredRing = 64

// correlator matches request envelopes to response envelopes by sequence
// number. Contract:
// - one outcome per sequence: payload, ErrTimeout, ErrCancelled or ErrSendFailed
// - pending entry is retired exactly once, atomically with producing the outcome
// - responses for retired sequences are counted and dropped, never fatal;
//   duplicates and late arrivals are expected under at-least-once delivery
// - sequence numbers wrap at 2^32 and skip values still pending
type correlator struct { //nolint:maligned
	sync.Mutex
	log        *log2.Log
	stat       *Stat
	lastSeq    uint32
	pending    map[uint32]*pendingRequest
	retired    [retiredRing]retiredKey
	retiredIdx int
	retiredN   int // slots written, caps the scan so empty slots never match
}

type retiredKey struct {
	seq uint32
	typ uint32
}

type result struct {
	payload []byte
	err     error
}

type pendingRequest struct {
	seq       uint32
	typ       uint32
	createdAt *atomic_clock.Clock
	// cap=1 so the resolver never blocks after winning the retire race
	resultCh chan result
}

func newCorrelator(log *log2.Log, stat *Stat) *correlator {
	return &correlator{
		log:     log,
		stat:    stat,
		pending: make(map[uint32]*pendingRequest, 16),
	}
}

// nextSeq allocates a sequence number for a fire-and-forget envelope.
// Shares the counter with begin() so the per-endpoint sequence stays unique.
func (self *correlator) nextSeq() uint32 {
	self.Lock()
	defer self.Unlock()
	return self.lockedNextSeq()
}

func (self *correlator) lockedNextSeq() uint32 {
	for {
		self.lastSeq++ // uint32 wraps naturally
		if _, busy := self.pending[self.lastSeq]; !busy {
			return self.lastSeq
		}
	}
}

func (self *correlator) begin(typ uint32) *pendingRequest {
	self.Lock()
	defer self.Unlock()
	p := &pendingRequest{
		seq:       self.lockedNextSeq(),
		typ:       typ,
		createdAt: atomic_clock.Now(),
		resultCh:  make(chan result, 1),
	}
	self.pending[p.seq] = p
	return p
}

// retire removes the entry and records it for late-response detection.
// Returns nil if somebody else already did, meaning the outcome was
// (or is being) produced elsewhere.
func (self *correlator) retire(seq uint32) *pendingRequest {
	self.Lock()
	defer self.Unlock()
	p := self.pending[seq]
	if p != nil {
		delete(self.pending, seq)
		self.lockedRemember(p)
	}
	return p
}

func (self *correlator) lockedRemember(p *pendingRequest) {
	self.retired[self.retiredIdx] = retiredKey{seq: p.seq, typ: p.typ}
	self.retiredIdx = (self.retiredIdx + 1) % retiredRing
	if self.retiredN < retiredRing {
		self.retiredN++
	}
}

// offer matches a received envelope against pending requests.
// Returns true when the envelope is consumed: either it resolved a pending
// request, or it is a duplicate/late response which is dropped here so it
// never reaches a handler. False means "not a response, try handlers".
func (self *correlator) offer(env wire.Envelope) bool {
	self.Lock()
	p := self.pending[env.Seq]
	if p != nil {
		delete(self.pending, env.Seq)
		self.lockedRemember(p)
		self.Unlock()
		p.resultCh <- result{payload: env.Payload}
		self.log.Debugf("correlator resolved seq=%d rtt=%v", p.seq, atomic_clock.Since(p.createdAt))
		return true
	}
	seen := false
	for _, k := range self.retired[:self.retiredN] {
		if k.seq == env.Seq && k.typ == env.Type {
			seen = true
			break
		}
	}
	self.Unlock()

	if seen {
		self.stat.Modify(func(s *Stat) { s.LateResponse++ })
		self.log.Debugf("correlator drop late/duplicate response %s", env)
		return true
	}
	return false
}

// request sends one encoded envelope via send and waits for the outcome.
// send must not block longer than the transport needs to accept or reject.
func (self *correlator) request(ctx context.Context, typ uint32, payload []byte, timeout time.Duration, send func([]byte) error) ([]byte, error) {
	p := self.begin(typ)
	frame := wire.Marshal(wire.Envelope{Type: typ, Seq: p.seq, Payload: payload})
	if err := send(frame); err != nil {
		self.retire(p.seq)
		self.log.Debugf("correlator send failed type=%d seq=%d err=%v", typ, p.seq, err)
		return nil, errors.Wrap(err, ErrSendFailed)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-p.resultCh:
		return r.payload, r.err

	case <-timer.C:
		if self.retire(p.seq) == nil {
			// response won the race just before the deadline, take it
			r := <-p.resultCh
			return r.payload, r.err
		}
		return nil, errors.Annotatef(ErrTimeout, "type=%d seq=%d timeout=%v", typ, p.seq, timeout)

	case <-ctx.Done():
		if self.retire(p.seq) == nil {
			r := <-p.resultCh
			return r.payload, r.err
		}
		return nil, errors.Annotatef(ErrCancelled, "type=%d seq=%d", typ, p.seq)
	}
}

func (self *correlator) pendingCount() int {
	self.Lock()
	defer self.Unlock()
	return len(self.pending)
}
