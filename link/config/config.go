// Separate package is workaround to import cycles.
package link_config

import (
	"io/ioutil"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
)

const (
	TransportCloud = "cloud"
	TransportLocal = "local"
)

type Config struct { //nolint:maligned
	RequestTimeoutSec int  `hcl:"request_timeout_sec"`
	QOS               int  `hcl:"qos"` // cloud publish QoS ceiling, default 1 (at-least-once)
	SendWindow        int  `hcl:"send_window"`
	LogDebug          bool `hcl:"log_debug"`

	Backoff struct {
		MinMs       int     `hcl:"min_ms"`
		MaxMs       int     `hcl:"max_ms"`
		Factor      float64 `hcl:"factor"`
		MaxAttempts int     `hcl:"max_attempts"` // 0 = retry forever
	} `hcl:"backoff"`

	Routes []Route `hcl:"route"`
}

// Route maps one message type id to its transport and destination.
// Cloud routes set topic, local routes set peer/service/characteristic.
type Route struct { //nolint:maligned
	Type      uint32 `hcl:"type"`
	Transport string `hcl:"transport"`

	Topic string `hcl:"topic"`

	Peer           string `hcl:"peer"`
	Service        string `hcl:"service"`
	Characteristic string `hcl:"characteristic"`
}

func ReadFile(path string) (*Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "config read path=%s", path)
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	c := &Config{}
	if err := hcl.Unmarshal(b, c); err != nil {
		return nil, errors.Annotate(err, "config parse")
	}
	if err := c.Normalize(); err != nil {
		return nil, err
	}
	return c, nil
}

// Normalize applies defaults and validates the destination map.
// Route errors indicate a misconfigured deployment, treat as fatal at startup.
func (c *Config) Normalize() error {
	if c.RequestTimeoutSec == 0 {
		c.RequestTimeoutSec = 30
	}
	if c.QOS == 0 {
		c.QOS = 1
	}
	if c.QOS < 0 || c.QOS > 1 {
		return errors.NotValidf("config qos=%d want 0..1", c.QOS)
	}
	if c.SendWindow == 0 {
		c.SendWindow = 8
	}
	if c.Backoff.Factor == 0 {
		c.Backoff.Factor = 2
	}
	if c.Backoff.MinMs == 0 {
		c.Backoff.MinMs = 1000
	}
	if c.Backoff.MaxMs == 0 {
		c.Backoff.MaxMs = 120000
	}

	seen := make(map[uint32]int, len(c.Routes))
	for i, r := range c.Routes {
		if prev, dup := seen[r.Type]; dup {
			return errors.NotValidf("config route type=%d duplicated (routes %d and %d)", r.Type, prev, i)
		}
		seen[r.Type] = i
		switch r.Transport {
		case TransportCloud:
			if r.Topic == "" {
				return errors.NotValidf("config route type=%d cloud without topic", r.Type)
			}
		case TransportLocal:
			if r.Peer == "" || r.Service == "" || r.Characteristic == "" {
				return errors.NotValidf("config route type=%d local needs peer/service/characteristic", r.Type)
			}
		default:
			return errors.NotValidf("config route type=%d transport=%s", r.Type, r.Transport)
		}
	}
	return nil
}
