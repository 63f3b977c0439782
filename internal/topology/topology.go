package topology

import (
	"fmt"
	"time"
)

// Ordering selects how a group's backlog is split into delivery lanes.
type Ordering string

const (
	// OrderingGlobal keeps one lane: every target sees one total order.
	OrderingGlobal Ordering = "global"
	// OrderingMultiBucket hashes entries onto Buckets independent lanes.
	OrderingMultiBucket Ordering = "multi-bucket"
)

// Reliability selects the durability and back-pressure behaviour of a group.
type Reliability string

const (
	ReliabilitySync          Reliability = "sync"
	ReliabilityReliableAsync Reliability = "reliable-async"
	ReliabilityAsync         Reliability = "async"
)

// Journaled reports whether groups of this class persist their backlog.
func (r Reliability) Journaled() bool {
	return r == ReliabilitySync || r == ReliabilityReliableAsync
}

// Defaults applied by WithDefaults.
const (
	DefaultMaxBatchSize  = 128
	DefaultMaxBatchDelay = 50 * time.Millisecond
	DefaultBuckets       = 8
)

// Target is one downstream replica of a group.
type Target struct {
	Name     string `yaml:"name" json:"name"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

// GroupConfig is the replication topology of a single group.
type GroupConfig struct {
	Name        string      `yaml:"name" json:"name"`
	Ordering    Ordering    `yaml:"ordering" json:"ordering"`
	Buckets     int         `yaml:"buckets,omitempty" json:"buckets,omitempty"`
	Reliability Reliability `yaml:"reliability" json:"reliability"`
	Targets     []Target    `yaml:"targets" json:"targets"`

	MaxBatchSize  int           `yaml:"max_batch_size,omitempty" json:"max_batch_size,omitempty"`
	MaxBatchDelay time.Duration `yaml:"max_batch_delay,omitempty" json:"max_batch_delay,omitempty"`

	// RetentionLimit bounds the number of packets the backlog holds.
	// Zero means unbounded.
	RetentionLimit int `yaml:"retention_limit,omitempty" json:"retention_limit,omitempty"`

	// MaxBatchesPerSecond paces each target's sends. Zero means unpaced.
	MaxBatchesPerSecond float64 `yaml:"max_batches_per_second,omitempty" json:"max_batches_per_second,omitempty"`

	// Conflicts maps a conflict cause name to the action the apply path
	// takes for it. Missing causes fall back to the resolver defaults.
	Conflicts map[string]string `yaml:"conflicts,omitempty" json:"conflicts,omitempty"`
}

// Lanes returns the number of delivery lanes the group's backlog is split into.
func (g GroupConfig) Lanes() int {
	if g.Ordering == OrderingMultiBucket {
		if g.Buckets <= 0 {
			return DefaultBuckets
		}
		return g.Buckets
	}
	return 1
}

// TargetNames returns the target names in declaration order.
func (g GroupConfig) TargetNames() []string {
	names := make([]string, len(g.Targets))
	for i, t := range g.Targets {
		names[i] = t.Name
	}
	return names
}

// WithDefaults returns a copy with unset fields filled in.
// Ordering is left alone when set, even to an unknown value, so that the
// backlog builder can reject it.
func (g GroupConfig) WithDefaults() GroupConfig {
	if g.Ordering == "" {
		g.Ordering = OrderingGlobal
	}
	if g.Ordering == OrderingMultiBucket && g.Buckets == 0 {
		g.Buckets = DefaultBuckets
	}
	if g.Reliability == "" {
		g.Reliability = ReliabilityReliableAsync
	}
	if g.MaxBatchSize == 0 {
		g.MaxBatchSize = DefaultMaxBatchSize
	}
	if g.MaxBatchDelay == 0 {
		g.MaxBatchDelay = DefaultMaxBatchDelay
	}
	return g
}

// Validate checks the rules the schema cannot express.
func (g GroupConfig) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("group name is required")
	}
	switch g.Ordering {
	case OrderingGlobal, OrderingMultiBucket, "":
	default:
		return fmt.Errorf("group %s: unknown ordering %q", g.Name, g.Ordering)
	}
	switch g.Reliability {
	case ReliabilitySync, ReliabilityReliableAsync, ReliabilityAsync, "":
	default:
		return fmt.Errorf("group %s: unknown reliability %q", g.Name, g.Reliability)
	}
	if g.Ordering == OrderingGlobal && g.Buckets > 1 {
		return fmt.Errorf("group %s: buckets only apply to multi-bucket ordering", g.Name)
	}
	if g.Reliability == ReliabilitySync && g.RetentionLimit > 0 && g.RetentionLimit < g.MaxBatchSize {
		return fmt.Errorf("group %s: retention_limit %d is below max_batch_size %d", g.Name, g.RetentionLimit, g.MaxBatchSize)
	}
	seen := make(map[string]bool, len(g.Targets))
	for _, t := range g.Targets {
		if t.Name == "" {
			return fmt.Errorf("group %s: target name is required", g.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("group %s: duplicate target %q", g.Name, t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// Config is the topology of one partition owner.
type Config struct {
	// Node identifies this process as the source of the packets it appends.
	Node string `yaml:"node" json:"node"`
	// Listen is the admin/receiver HTTP address.
	Listen string `yaml:"listen,omitempty" json:"listen,omitempty"`
	// Journal is the SQLite path for journaled groups.
	Journal string        `yaml:"journal,omitempty" json:"journal,omitempty"`
	Groups  []GroupConfig `yaml:"groups" json:"groups"`
}

// Group returns the named group.
func (c *Config) Group(name string) (GroupConfig, bool) {
	for _, g := range c.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return GroupConfig{}, false
}

// Validate checks every group and rejects duplicate group names.
func (c *Config) Validate() error {
	if c.Node == "" {
		return fmt.Errorf("node is required")
	}
	seen := make(map[string]bool, len(c.Groups))
	for _, g := range c.Groups {
		if err := g.Validate(); err != nil {
			return err
		}
		if seen[g.Name] {
			return fmt.Errorf("duplicate group %q", g.Name)
		}
		seen[g.Name] = true
	}
	return nil
}

// Default returns a single-group development topology with one loopback target.
func Default() *Config {
	return &Config{
		Node:   "node-1",
		Listen: "127.0.0.1:7420",
		Groups: []GroupConfig{
			GroupConfig{
				Name:        "default",
				Reliability: ReliabilityAsync,
				Targets:     []Target{{Name: "replica-1"}},
			}.WithDefaults(),
		},
	}
}
