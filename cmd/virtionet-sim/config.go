package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/go-virtionet"
	"github.com/ehrlich-b/go-virtionet/internal/wire"
	"github.com/ehrlich-b/go-virtionet/sim"
)

const (
	modeLoopback = "loopback"
	modeBridge   = "bridge"
)

// Config is the YAML configuration of one simulation run
type Config struct {
	Mode        string        `yaml:"mode"`
	Count       int           `yaml:"count"`
	PayloadSize int           `yaml:"payload-size"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	Capture     int           `yaml:"capture"`
	Metrics     string        `yaml:"metrics"`
	LogLevel    string        `yaml:"log-level"`

	Device struct {
		Features       uint32        `yaml:"features"`
		MAC            string        `yaml:"mac"`
		RXQueue        uint16        `yaml:"rx-queue"`
		TXQueue        uint16        `yaml:"tx-queue"`
		CtrlQueue      uint16        `yaml:"ctrl-queue"`
		SuppressNotify bool          `yaml:"suppress-notify"`
		PollInterval   time.Duration `yaml:"poll-interval"`
	} `yaml:"device"`

	Driver struct {
		RXBuffers         int           `yaml:"rx-buffers"`
		MTU               int           `yaml:"mtu"`
		Pool              string        `yaml:"pool"`
		IndirectThreshold int           `yaml:"indirect-threshold"`
		CommandTimeout    time.Duration `yaml:"command-timeout"`
		Promiscuous       bool          `yaml:"promiscuous"`
	} `yaml:"driver"`
}

func defaultConfig() Config {
	var c Config
	c.Mode = modeLoopback
	c.Count = 1000
	c.PayloadSize = 64
	c.Timeout = 10 * time.Second
	c.Capture = 64
	c.LogLevel = "info"

	c.Device.Features = sim.DefaultFeatures
	c.Device.MAC = net.HardwareAddr(sim.DefaultMAC[:]).String()
	c.Device.RXQueue, c.Device.TXQueue, c.Device.CtrlQueue = 256, 256, 64

	p := virtionet.DefaultParams()
	c.Driver.RXBuffers = p.RXBuffers
	c.Driver.MTU = p.MTU
	c.Driver.Pool = humanize.IBytes(uint64(p.PoolBytes))
	c.Driver.IndirectThreshold = p.IndirectThreshold
	c.Driver.CommandTimeout = p.CommandTimeout
	return c
}

// loadConfig reads path over the defaults. An empty path yields the
// defaults.
func loadConfig(path string) (Config, error) {
	c := defaultConfig()
	if path == "" {
		return c, c.validate()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parsing YAML: %w", err)
	}
	return c, c.validate()
}

func (c Config) validate() error {
	switch c.Mode {
	case modeLoopback, modeBridge:
	default:
		return fmt.Errorf("unknown mode %q (want %s or %s)", c.Mode, modeLoopback, modeBridge)
	}
	if c.Count < 0 {
		return fmt.Errorf("count must not be negative")
	}
	if c.PayloadSize < 0 || c.PayloadSize > c.Driver.MTU-headerBytes {
		return fmt.Errorf("payload-size %d does not fit an MTU of %d", c.PayloadSize, c.Driver.MTU)
	}
	if _, err := net.ParseMAC(c.Device.MAC); err != nil {
		return fmt.Errorf("device mac: %w", err)
	}
	if _, err := c.poolBytes(); err != nil {
		return err
	}
	return nil
}

func (c Config) poolBytes() (int, error) {
	n, err := humanize.ParseBytes(c.Driver.Pool)
	if err != nil {
		return 0, fmt.Errorf("driver pool %q: %w", c.Driver.Pool, err)
	}
	return int(n), nil
}

// params returns the driver parameters
func (c Config) params() (virtionet.Params, error) {
	p := virtionet.DefaultParams()
	pool, err := c.poolBytes()
	if err != nil {
		return p, err
	}
	p.RXBuffers = c.Driver.RXBuffers
	p.MTU = c.Driver.MTU
	p.PoolBytes = pool
	p.IndirectThreshold = c.Driver.IndirectThreshold
	p.CommandTimeout = c.Driver.CommandTimeout
	return p, nil
}

// simConfig returns the emulated function named name. The last byte of the
// configured MAC is offset by index so bridged stations differ.
func (c Config) simConfig(name string, index int) (sim.Config, error) {
	mac, err := net.ParseMAC(c.Device.MAC)
	if err != nil {
		return sim.Config{}, err
	}
	if len(mac) != wire.MACLen {
		return sim.Config{}, fmt.Errorf("device mac %s is not an Ethernet address", c.Device.MAC)
	}

	sc := sim.DefaultConfig()
	sc.Name = name
	sc.Features = c.Device.Features
	sc.QueueSizes = [wire.NumQueues]uint16{c.Device.RXQueue, c.Device.TXQueue, c.Device.CtrlQueue}
	copy(sc.MAC[:], mac)
	sc.MAC[wire.MACLen-1] += byte(index)
	sc.SuppressNotify = c.Device.SuppressNotify
	sc.PollInterval = c.Device.PollInterval
	if sc.SuppressNotify && sc.PollInterval == 0 {
		sc.PollInterval = time.Millisecond
	}
	return sc, nil
}
