package link

import (
	"sync"
)

// Counters for non-fatal protocol conditions.
type Counters struct { //nolint:maligned
	UnhandledMessage uint32
	LateResponse     uint32
	MalformedFrame   uint32
	SendBackpressure uint32
}

// Stat can be updated and read at any time.
type Stat struct {
	sync.Mutex
	Counters
}

func (self *Stat) Modify(fun func(*Stat)) {
	self.Lock()
	fun(self)
	self.Unlock()
}

func (self *Stat) Snapshot() Counters {
	self.Lock()
	defer self.Unlock()
	return self.Counters
}
