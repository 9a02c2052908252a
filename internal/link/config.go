package link

import (
	"context"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/guardian/helpers"
	"github.com/temoto/guardian/internal/clock"
	"github.com/temoto/guardian/log2"
)

type Config struct {
	Driver         string `hcl:"driver"` // wpa|iface|probe|none
	Interface      string `hcl:"interface"`
	CtrlPath       string `hcl:"ctrl_path"`
	CtrlLocalDir   string `hcl:"ctrl_local_dir"`
	Ssid           string `hcl:"ssid"`
	Password       string `hcl:"password"` // secret
	ProbeAddr      string `hcl:"probe_addr"`
	PollIntervalMs int    `hcl:"poll_interval_ms"`
	PollAttempts   int    `hcl:"poll_attempts"`
	ResetSettleMs  int    `hcl:"reset_settle_ms"`

	// 0 means driver default
	ObserveIntervalMs int `hcl:"observe_interval_ms"`
}

const (
	DefaultInterface = "wlan0"
	DefaultCtrlDir   = "/var/run/wpa_supplicant"

	// probe observe dials collector, wpa and iface polls are local
	DefaultProbeObserveInterval = 30 * time.Second
)

func (self *Config) Options() Options {
	return Options{
		PollInterval: helpers.IntMillisecondDefault(self.PollIntervalMs, DefaultPollInterval),
		PollAttempts: self.PollAttempts,
		ResetSettle:  helpers.IntMillisecondDefault(self.ResetSettleMs, DefaultResetSettle),

		ObserveInterval: helpers.IntMillisecondDefault(self.ObserveIntervalMs, 0),
	}
}

// NewDriver picks driver by config. serverUrl is default probe target.
func NewDriver(log *log2.Log, c Config, serverUrl string) (Driver, error) {
	iface := c.Interface
	if iface == "" {
		iface = DefaultInterface
	}
	switch c.Driver {
	case "", "wpa":
		ctrl := c.CtrlPath
		if ctrl == "" {
			ctrl = DefaultCtrlDir + "/" + iface
		}
		localDir := c.CtrlLocalDir
		if localDir == "" {
			localDir = os.TempDir()
		}
		return NewWPA(log, ctrl, localDir, c.Ssid, c.Password), nil
	case "iface":
		return NewIface(iface), nil
	case "probe":
		addr := c.ProbeAddr
		if addr == "" {
			a, err := probeAddrFromUrl(serverUrl)
			if err != nil {
				return nil, errors.Annotate(err, "network.probe_addr")
			}
			addr = a
		}
		return NewProbe(addr, helpers.IntMillisecondDefault(c.PollIntervalMs, DefaultPollInterval)), nil
	case "none":
		return Always{}, nil
	}
	return nil, errors.NotValidf("network.driver=%s", c.Driver)
}

// New builds driver from config. onState may be nil.
func New(log *log2.Log, c Config, serverUrl string, clk clock.Clock, onState func(State)) (*Manager, error) {
	d, err := NewDriver(log, c, serverUrl)
	if err != nil {
		return nil, err
	}
	opt := c.Options()
	opt.OnState = onState
	if _, ok := d.(*Probe); ok && opt.ObserveInterval == 0 {
		opt.ObserveInterval = DefaultProbeObserveInterval
	}
	return NewManager(log, d, clk, opt), nil
}

func probeAddrFromUrl(s string) (string, error) {
	u, err := url.Parse(s)
	if err != nil {
		return "", errors.Trace(err)
	}
	if u.Host == "" {
		return "", errors.NotValidf("url=%s without host", s)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	switch u.Scheme {
	case "https", "ssl", "tls":
		return net.JoinHostPort(u.Hostname(), "443"), nil
	case "tcp", "mqtt":
		return net.JoinHostPort(u.Hostname(), "1883"), nil
	}
	return net.JoinHostPort(u.Hostname(), "80"), nil
}

// Always is link not managed by this process.
type Always struct{}

func (Always) Begin(context.Context) error             { return nil }
func (Always) Connected(context.Context) (bool, error) { return true, nil }
func (Always) Disconnect() error                       { return nil }
