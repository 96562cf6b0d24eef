package controller

import (
	"time"

	pump "github.com/vicktor/ypsomed-pump"
	"github.com/vicktor/ypsomed-pump/relay"
	"github.com/vicktor/ypsomed-pump/session"
)

// Config collects everything NewController needs. Build it with Option
// values rather than setting fields directly so future knobs don't break
// callers, the way the teacher's device options compose (option.go).
type Config struct {
	Log pump.Logger

	Dialer Dialer
	Store  session.Store
	Relay  relay.Client

	MAC      pump.Addr
	Serial   uint32
	DeviceID string
	RelayURL string

	PollInterval          time.Duration
	CriticalRetryAttempts int
	RenewalBackoff        time.Duration
	EventReplay           int
	StateReplay           int
}

// Option configures a Config. Unlike the teacher's DeviceOption, which
// mutates an opaque interface, here Option just mutates the concrete
// struct — the controller has no OS-level transport knobs to hide behind
// an interface.
type Option func(*Config) error

func defaultConfig() Config {
	return Config{
		Log:                   pump.GetLogger(),
		PollInterval:          60 * time.Second,
		CriticalRetryAttempts: 3,
		RenewalBackoff:        1 * time.Second,
		EventReplay:           10,
		StateReplay:           10,
	}
}

// OptLogger sets the logger every component in the controller logs through.
func OptLogger(log pump.Logger) Option {
	return func(c *Config) error {
		c.Log = log
		return nil
	}
}

// OptDialer sets the BLE connector used for every episode.
func OptDialer(d Dialer) Option {
	return func(c *Config) error {
		c.Dialer = d
		return nil
	}
}

// OptStore sets the persistence store backing the session cryptor and the
// key-exchange device identity.
func OptStore(s session.Store) Option {
	return func(c *Config) error {
		c.Store = s
		return nil
	}
}

// OptRelay sets the key-exchange relay client used during renewal.
func OptRelay(r relay.Client) Option {
	return func(c *Config) error {
		c.Relay = r
		return nil
	}
}

// OptMAC sets the pump's stored BLE MAC address (connect-on-demand never
// scans; it dials this address directly).
func OptMAC(mac pump.Addr) Option {
	return func(c *Config) error {
		c.MAC = mac
		return nil
	}
}

// OptSerial sets the pump's decimal serial number, used to derive the BT
// address sent to the relay during renewal.
func OptSerial(serial uint32) Option {
	return func(c *Config) error {
		c.Serial = serial
		return nil
	}
}

// OptDeviceID overrides the device-id sent to the relay; if unset, the
// controller loads or generates one from the store.
func OptDeviceID(id string) Option {
	return func(c *Config) error {
		c.DeviceID = id
		return nil
	}
}

// OptRelayURL sets the HTTP relay base URL (unused by the gRPC form).
func OptRelayURL(url string) Option {
	return func(c *Config) error {
		c.RelayURL = url
		return nil
	}
}

// OptPollInterval overrides the default 60s status-polling interval.
func OptPollInterval(d time.Duration) Option {
	return func(c *Config) error {
		c.PollInterval = d
		return nil
	}
}

// OptCriticalRetryAttempts overrides the default 3-attempt critical-retry
// budget for bolus/TBR/time/cancel commands.
func OptCriticalRetryAttempts(n int) Option {
	return func(c *Config) error {
		c.CriticalRetryAttempts = n
		return nil
	}
}

// OptEventReplay overrides the default 10-event replay buffer depth.
func OptEventReplay(n int) Option {
	return func(c *Config) error {
		c.EventReplay = n
		return nil
	}
}
