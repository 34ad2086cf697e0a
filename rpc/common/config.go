package common

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrConflictingTCPOptions is returned when both tcp_port and tcp_endpoints are configured
var ErrConflictingTCPOptions = errors.New("only one of tcp_port/tcp_endpoints option is allowed")

const (
	DefaultPrometheusPort         = 8089
	DefaultPrometheusPushInterval = 10 * time.Second
)

// --------------------------------------------------------------------------
// Metrics exporter configuration struct
// --------------------------------------------------------------------------

// PromConfig configures the metrics exporter
type PromConfig struct {
	// Port of the HTTP endpoint serving /metrics (0 picks a free port)
	Port uint16
	// HelpMessage is served on the index page of the exporter
	HelpMessage string
	// Prefix is attached as app label to pushed metrics
	Prefix string
	// PushAddress of a push proxy, e.g. localhost:9091. Empty disables pushing.
	PushAddress string
	// PushInterval between two pushes
	PushInterval time.Duration
}

// --------------------------------------------------------------------------
// Application configuration struct
// --------------------------------------------------------------------------

// RDMAConf configures the soft RDMA stack (unix socket emulation)
type RDMAConf struct {
	// SoftDir enables the soft stack with its sockets in this directory
	SoftDir string
	// SoftBasePort is the port of shard 0's RDMA endpoint, shard i uses SoftBasePort+i
	SoftBasePort uint16
}

// AppConfig holds all options of an application built on the runtime
type AppConfig struct {
	// Name of the process, used in logs and as metrics prefix
	Name string
	// Args are the raw command line arguments (logged at startup)
	Args []string

	// Shards to run, 0 means one per CPU
	Shards int

	// TCPPort is bound on all shards (SO_REUSEPORT). 0 means unset.
	TCPPort uint16
	// TCPEndpoints holds one listening endpoint (or bare port) per shard
	TCPEndpoints []string
	// EnableTxChecksum adds a payload checksum to every frame
	EnableTxChecksum bool
	// Serializer of the runtime's own verbs (binary, json or gob)
	Serializer string

	// Outstanding byte budget of the buffer allocators (0 = unlimited)
	TCPMemoryLimit  int64
	RDMAMemoryLimit int64

	RDMA RDMAConf

	// LogLevel is the raw --log_level token list
	LogLevel []string

	Prometheus PromConfig
}

// Validate checks option combinations that can not work together
func (c *AppConfig) Validate() error {
	if c.TCPPort != 0 && len(c.TCPEndpoints) > 0 {
		return ErrConflictingTCPOptions
	}
	if c.Shards < 0 {
		return fmt.Errorf("invalid shard count %d", c.Shards)
	}
	if c.TCPMemoryLimit < 0 || c.RDMAMemoryLimit < 0 {
		return fmt.Errorf("memory limits must not be negative")
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *AppConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	orNone := func(s string) string {
		if s == "" {
			return "-"
		}
		return s
	}

	addSection("Application")
	addField("Name", c.Name)
	if c.Shards == 0 {
		addField("Shards", "one per CPU")
	} else {
		addField("Shards", strconv.Itoa(c.Shards))
	}

	addSection("TCP")
	switch {
	case c.TCPPort != 0:
		addField("Shared Port", strconv.Itoa(int(c.TCPPort)))
	case len(c.TCPEndpoints) > 0:
		for i, ep := range c.TCPEndpoints {
			addField(fmt.Sprintf("Shard %d", i), ep)
		}
	default:
		addField("Listen", "outbound only")
	}
	addField("Tx Checksum", strconv.FormatBool(c.EnableTxChecksum))
	addField("Serializer", orNone(c.Serializer))
	addField("Memory Limit", formatLimit(c.TCPMemoryLimit))

	addSection("RDMA")
	addField("Soft Stack Dir", orNone(c.RDMA.SoftDir))
	if c.RDMA.SoftDir != "" {
		addField("Soft Base Port", strconv.Itoa(int(c.RDMA.SoftBasePort)))
	}
	addField("Memory Limit", formatLimit(c.RDMAMemoryLimit))

	addSection("Logging")
	addField("Log Level", orNone(strings.Join(c.LogLevel, " ")))

	addSection("Metrics")
	addField("Port", strconv.Itoa(int(c.Prometheus.Port)))
	addField("Push Address", orNone(c.Prometheus.PushAddress))
	if c.Prometheus.PushAddress != "" {
		addField("Push Interval", c.Prometheus.PushInterval.String())
	}

	return sb.String()
}

// PromConfigFor fills the derived exporter fields from the app name
func (c *AppConfig) PromConfigFor() PromConfig {
	conf := c.Prometheus
	if conf.HelpMessage == "" {
		conf.HelpMessage = c.Name + " metrics"
	}
	if conf.Prefix == "" {
		conf.Prefix = c.Name
	}
	if conf.PushInterval <= 0 {
		conf.PushInterval = DefaultPrometheusPushInterval
	}
	return conf
}

// Clone returns a deep copy, used to give every shard its own configuration
func (c *AppConfig) Clone() *AppConfig {
	cp := *c
	cp.Args = append([]string(nil), c.Args...)
	cp.TCPEndpoints = append([]string(nil), c.TCPEndpoints...)
	cp.LogLevel = append([]string(nil), c.LogLevel...)
	return &cp
}

func formatLimit(limit int64) string {
	if limit <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d bytes", limit)
}
