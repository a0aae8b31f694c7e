package main

import (
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

const (
	defaultListenAddr = "127.0.0.1:3030"
	defaultUpstream   = "1.1.1.1:53"
	defaultDNSPort    = "53"
)

type config struct {
	Listener listener
	Upstream upstream
	Pending  pending
	Log      logConfig
	Admin    admin
}

type listener struct {
	Address string
}

type upstream struct {
	Addresses []string
	Strategy  string
}

type pending struct {
	Max           int
	Timeout       duration
	SweepInterval duration `toml:"sweep-interval"`
}

type logConfig struct {
	Level  string
	Syslog *syslogConfig
}

type syslogConfig struct {
	Network  string
	Address  string
	Priority int
	Tag      string
}

type admin struct {
	Address   string
	CA        string
	ServerCrt string `toml:"server-crt"`
	ServerKey string `toml:"server-key"`
	MutualTLS bool   `toml:"mutual-tls"`
}

// duration is a time.Duration that can be decoded from strings like "5s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// LoadConfig reads a config file and returns the decoded structure.
func loadConfig(name string) (config, error) {
	var c config
	f, err := os.Open(name)
	if err != nil {
		return c, err
	}
	defer f.Close()
	md, err := toml.NewDecoder(f).Decode(&c)
	if err != nil {
		return c, errors.Wrapf(err, "failed to parse '%s'", name)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return c, errors.Errorf("unknown key '%s' in '%s'", undecoded[0], name)
	}
	if md.IsDefined("upstream", "addresses") && len(c.Upstream.Addresses) == 0 {
		return c, errors.Errorf("no upstream addresses in '%s'", name)
	}
	return c, nil
}

// Resolves an upstream address, defaulting to port 53 if none is given.
func parseUpstream(s string) (*net.UDPAddr, error) {
	if _, _, err := net.SplitHostPort(s); err != nil {
		s = net.JoinHostPort(s, defaultDNSPort)
	}
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid upstream '%s'", s)
	}
	return addr, nil
}
