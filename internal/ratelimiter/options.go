// Package ratelimiter wires components B, C and D together behind the
// public API described in spec.md §6.1: a synchronous Check on the hot
// path, and a periodic Global Update Loop that folds local traffic into
// the DHT and rebuilds the block table.
package ratelimiter

import (
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/wikimedia/limitation/internal/bootstrap"
)

// Seed is a peer to connect to at setup, mirroring bootstrap.Seed so
// callers configuring a RateLimiter don't need to import internal/bootstrap.
//
// spec.md §6.1 allows a seed list entry to be either a bare "host" or
// "host:port" string (defaulting to bootstrap.DefaultPort) or a mapping of
// address/port, so Seed implements yaml.Unmarshaler to accept both forms.
type Seed struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

func (s *Seed) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		host, port, err := splitHostPort(value.Value)
		if err != nil {
			return err
		}
		s.Address = host
		s.Port = port
		return nil
	}

	type plain Seed
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*s = Seed(p)
	return nil
}

// splitHostPort parses "host" or "host:port" into separate fields, defaulting
// to bootstrap.DefaultPort when no port is given.
func splitHostPort(s string) (string, int, error) {
	if host, portStr, err := net.SplitHostPort(s); err == nil {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, err
		}
		return host, port, nil
	}
	return s, bootstrap.DefaultPort, nil
}

// ListenConfig is where this node binds.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Options configures a RateLimiter. Exactly the fields in spec.md §6.1;
// unrecognized YAML keys are ignored by yaml.v3's default decode, which is
// the unrecognized-options-ignored behavior the spec calls for.
type Options struct {
	Listen   ListenConfig  `yaml:"listen"`
	Seeds    []Seed        `yaml:"seeds"`
	Interval time.Duration `yaml:"interval"`
	MinValue float64       `yaml:"min_value"`

	// Logger is not part of the wire config; callers inject it directly.
	// A nil Logger means "discard" (zap.NewNop).
	Logger *zap.Logger `yaml:"-"`
}

// DefaultOptions returns spec.md §6.1's defaults.
func DefaultOptions() Options {
	return Options{
		Listen:   ListenConfig{Address: "localhost", Port: 3050},
		Interval: 10 * time.Second,
		MinValue: 0.1,
	}
}

// LoadOptions reads Options from YAML, starting from DefaultOptions so a
// partial config file only needs to set what it's overriding.
func LoadOptions(data []byte) (Options, error) {
	opts := DefaultOptions()
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func (o Options) withDefaults() Options {
	if o.Listen.Address == "" {
		o.Listen.Address = "localhost"
	}
	if o.Listen.Port == 0 {
		o.Listen.Port = 3050
	}
	if o.Interval <= 0 {
		o.Interval = 10 * time.Second
	}
	if o.MinValue <= 0 {
		o.MinValue = 0.1
	}
	return o
}
