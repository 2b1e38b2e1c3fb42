package config

import (
	"fmt"
	"time"

	flag "github.com/spf13/pflag"
)

type Config struct {
	Crossview Crossview
}

type Crossview struct {
	Debug      bool
	Server     Server
	Registry   Registry
	Containers Containers
	Vnc        Vnc
	Media      Media
	Webrtc     Webrtc
	Sessions   Sessions
	Monitoring Monitoring
}

type Server struct {
	Address string
}

type Registry struct {
	// Dsn is a database/sql connection string for the session store,
	// e.g. file:crossview.db or file::memory:?cache=shared.
	Dsn string
}

type Containers struct {
	MemoryMB  int64
	CpuPeriod int64
	CpuQuota  int64
	Ready     Probe
}

// Probe holds a bounded retry budget shared with the connect loops.
type Probe struct {
	Attempts int
	Interval time.Duration
}

type Vnc struct {
	Secret  string
	Connect Probe
}

type Media struct {
	Width  int
	Height int
	Fps    int
}

type Webrtc struct {
	DisableDefaultInterceptors bool
	IceServers                 []IceServer
	IcePorts                   struct {
		Min uint16
		Max uint16
	}
	LogLevel int
}

type IceServer struct {
	Urls       string `json:"urls,omitempty"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

type Sessions struct {
	IdleAfter  time.Duration
	SweepEvery time.Duration
}

type Monitoring struct {
	Port             int
	URLPrefix        string
	MetricEnabled    bool `json:"metric_enabled"`
	ProfilingEnabled bool `json:"profiling_enabled"`
}

func (c *Monitoring) IsEnabled() bool { return c.MetricEnabled || c.ProfilingEnabled }

func (w *Webrtc) HasPortRange() bool { return w.IcePorts.Min > 0 && w.IcePorts.Max > 0 }

func (m *Media) FrameInterval() time.Duration {
	fps := m.Fps
	if fps <= 0 {
		fps = 30
	}
	return time.Second / time.Duration(fps)
}

// allows custom config path
var configPath string

func NewConfig() (conf Config) {
	if err := LoadConfig(&conf, configPath); err != nil {
		panic(fmt.Errorf("config: %w", err))
	}
	return
}

func (c *Config) ParseFlags() {
	c.Crossview.WithFlags()
	flag.StringVarP(&configPath, "conf", "c", configPath, "config file path")
	flag.Parse()
}

func (c *Crossview) WithFlags() {
	fs := flag.CommandLine
	fs.BoolVar(&c.Debug, "debug", c.Debug, "debug mode")
	fs.StringVar(&c.Server.Address, "address", c.Server.Address, "HTTP server address (host:port)")
	fs.StringVar(&c.Registry.Dsn, "dsn", c.Registry.Dsn, "session registry connection string")
	fs.DurationVar(&c.Sessions.IdleAfter, "idle", c.Sessions.IdleAfter, "idle session expiry threshold")
}
