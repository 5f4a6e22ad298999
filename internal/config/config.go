// Package config loads the options spec.md §6 recognizes, using
// github.com/jessevdk/go-flags for flag parsing in the same
// struct-tag style as the rest of the retrieval pack.
package config

import (
	"time"

	flags "github.com/jessevdk/go-flags"

	"replicore/internal/cluster"
	"replicore/internal/peerlink"
)

// Config holds every option spec.md §6 names as "recognized options".
type Config struct {
	Replica string `long:"replica" description:"semicolon-separated list of peer URIs, in host_id order" required:"true"`
	Local   string `long:"local" description:"the URI identifying this node within replica" required:"true"`

	ReadTimeout      float64 `long:"read-timeout" default:"5" description:"seconds"`
	WriteTimeout     float64 `long:"write-timeout" default:"5" description:"seconds"`
	ConnectTimeout   float64 `long:"connect-timeout" default:"3" description:"seconds"`
	ReconnectTimeout float64 `long:"reconnect-timeout" default:"1" description:"seconds"`
	PingTimeout      float64 `long:"ping-timeout" default:"2" description:"seconds"`
	ElectionTimeout  float64 `long:"election-timeout" default:"3" description:"seconds"`
	OperationTimeout float64 `long:"operation-timeout" default:"5" description:"seconds"`
	SlowHostTimeout  float64 `long:"slow-host-timeout" default:"10" description:"seconds"`

	Enable bool `long:"enable" description:"when off, submit_local degrades to a direct wal_write"`

	StatsdAddr string `long:"statsd-addr" description:"statsd collector address; empty disables metrics"`
}

// Parse parses argv (typically os.Args[1:]) into a Config.
func Parse(argv []string) (*Config, error) {
	cfg := &Config{}
	if _, err := flags.ParseArgs(cfg, argv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// Timeouts projects the flat duration options onto peerlink.Timeouts.
func (c *Config) Timeouts() peerlink.Timeouts {
	return peerlink.Timeouts{
		Read:      seconds(c.ReadTimeout),
		Write:     seconds(c.WriteTimeout),
		Connect:   seconds(c.ConnectTimeout),
		Reconnect: seconds(c.ReconnectTimeout),
		Ping:      seconds(c.PingTimeout),
		SlowHost:  seconds(c.SlowHostTimeout),
	}
}

func (c *Config) ElectionTimeoutDuration() time.Duration  { return seconds(c.ElectionTimeout) }
func (c *Config) OperationTimeoutDuration() time.Duration { return seconds(c.OperationTimeout) }

// ClusterConfig builds the static cluster.Config from Replica/Local.
func (c *Config) ClusterConfig() (*cluster.Config, error) {
	return cluster.ParseReplicaList(c.Replica, c.Local)
}
