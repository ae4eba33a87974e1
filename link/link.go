package link

import (
	"context"
	"time"

	"github.com/juju/errors"

	link_config "github.com/airseekers/mowlink/link/config"
	"github.com/airseekers/mowlink/log2"
)

// Link ties the comms core together: envelope codec, per-type routing over
// two supervised transports, request/response correlation.
//
// Contract:
// - New fails only with invalid config, network IO happens after Start
// - Publish/Request fail fast while the selected transport is down;
//   reconnecting is the Supervisor's job, resending is the caller's
// - Stop blocks until all workers exit
type Link struct {
	log    *log2.Log
	cfg    *link_config.Config
	stat   Stat
	corr   *correlator
	router *Router
	cloud  *Supervisor
	local  *Supervisor
	cloudT Transport
	localT Transport
}

func New(cfg *link_config.Config, log *log2.Log, cloud Transport, local Transport) (*Link, error) {
	if cfg == nil {
		return nil, errors.NotValidf("code error link.New cfg=nil")
	}
	if err := cfg.Normalize(); err != nil {
		return nil, errors.Annotate(err, "link config")
	}
	if cloud == nil || local == nil {
		return nil, errors.NotValidf("code error link.New transport=nil")
	}
	if cfg.LogDebug {
		log.SetLevel(log2.LDebug)
	}

	bo := BackoffConfig{
		Min:         time.Duration(cfg.Backoff.MinMs) * time.Millisecond,
		Max:         time.Duration(cfg.Backoff.MaxMs) * time.Millisecond,
		Factor:      cfg.Backoff.Factor,
		MaxAttempts: cfg.Backoff.MaxAttempts,
	}
	l := &Link{
		log:    log,
		cfg:    cfg,
		cloudT: cloud,
		localT: local,
	}
	l.corr = newCorrelator(log, &l.stat)
	l.cloud = NewSupervisor("cloud", cloud, bo, log)
	l.local = NewSupervisor("local", local, bo, log)

	routes := make(map[uint32]route, len(cfg.Routes))
	for _, r := range cfg.Routes {
		switch r.Transport {
		case link_config.TransportCloud:
			routes[r.Type] = route{sup: l.cloud, dst: Destination{Topic: r.Topic}}
		case link_config.TransportLocal:
			routes[r.Type] = route{sup: l.local, dst: Destination{
				Peer:           r.Peer,
				Service:        r.Service,
				Characteristic: r.Characteristic,
			}}
		}
	}
	l.router = newRouter(log, &l.stat, l.corr, routes, time.Duration(cfg.RequestTimeoutSec)*time.Second)
	return l, nil
}

func (l *Link) Start(ctx context.Context) {
	l.cloud.Start(ctx)
	l.local.Start(ctx)
	l.router.start(ctx, l.cloudT, l.localT)
}

func (l *Link) Stop() {
	l.router.stop()
	l.cloud.Stop()
	l.local.Stop()
}

func (l *Link) RegisterHandler(typ uint32, fun Handler) error {
	return l.router.RegisterHandler(typ, fun)
}

func (l *Link) Publish(typ uint32, payload []byte) error {
	return l.router.Publish(typ, payload)
}

func (l *Link) Request(ctx context.Context, typ uint32, payload []byte, timeout time.Duration) ([]byte, error) {
	return l.router.Request(ctx, typ, payload, timeout)
}

func (l *Link) Cloud() *Supervisor { return l.cloud }
func (l *Link) Local() *Supervisor { return l.local }

func (l *Link) StatSnapshot() Counters { return l.stat.Snapshot() }
