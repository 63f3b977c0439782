package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/gridrepl/internal/backlog"
	"github.com/roach88/gridrepl/internal/target"
)

var (
	backlogLength = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "backlog", "length"),
		"Packets retained in the backlog", []string{"group"}, nil)
	backlogHigh = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "backlog", "high_key"),
		"Last appended key", []string{"group"}, nil)
	backlogFloor = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "backlog", "floor_key"),
		"Oldest retained key", []string{"group"}, nil)
	backlogLowWater = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "backlog", "low_water_key"),
		"Oldest key still needed by a target", []string{"group"}, nil)
	backlogHalted = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "backlog", "halted"),
		"1 when the group is halted by an ordering violation", []string{"group"}, nil)
	targetLag = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "backlog", "target_lag_keys"),
		"Keys between the group's high key and the oldest key a target still needs",
		[]string{"group", "target"}, nil)
	targetResync = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "backlog", "target_resync"),
		"1 when the target waits for a full state transfer", []string{"group", "target"}, nil)
)

// BacklogCollector reports backlog state at scrape time.
type BacklogCollector struct {
	groups func() []*backlog.Group
}

// NewBacklogCollector collects the groups returned by groups.
func NewBacklogCollector(groups func() []*backlog.Group) *BacklogCollector {
	return &BacklogCollector{groups: groups}
}

func (c *BacklogCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{backlogLength, backlogHigh, backlogFloor, backlogLowWater, backlogHalted, targetLag, targetResync} {
		ch <- d
	}
}

func (c *BacklogCollector) Collect(ch chan<- prometheus.Metric) {
	for _, g := range c.groups() {
		st := g.Backlog().Stats()
		gauge := func(d *prometheus.Desc, v float64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, append([]string{st.Group}, labels...)...)
		}
		gauge(backlogLength, float64(st.Len))
		gauge(backlogHigh, float64(st.High))
		gauge(backlogFloor, float64(st.Floor))
		gauge(backlogLowWater, float64(st.LowWater))
		gauge(backlogHalted, boolValue(st.Halted))

		for name, ts := range st.Targets {
			gauge(targetLag, float64(st.High.Next()-ts.Needed), name)
			gauge(targetResync, boolValue(ts.Resync), name)
		}
	}
}

var replicaCounts = func() map[string]*prometheus.Desc {
	m := make(map[string]*prometheus.Desc)
	for _, name := range []string{"applied", "duplicates", "skipped", "overwritten", "escalated", "commits", "rollbacks", "snapshots"} {
		m[name] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "replica", name+"_total"),
			"Replica apply outcomes: "+name, []string{"replica"}, nil)
	}
	return m
}()

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ReplicaCollector reports a replica's apply counters and generation.
type ReplicaCollector struct {
	replica    *target.Replica
	generation *prometheus.Desc
}

// NewReplicaCollector collects r.
func NewReplicaCollector(r *target.Replica) *ReplicaCollector {
	return &ReplicaCollector{
		replica: r,
		generation: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "replica", "generation"),
			"Current and oldest consistent generation", []string{"replica", "bound"}, nil),
	}
}

func (c *ReplicaCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range replicaCounts {
		ch <- d
	}
	ch <- c.generation
}

func (c *ReplicaCollector) Collect(ch chan<- prometheus.Metric) {
	name := c.replica.Name()
	st := c.replica.Stats()
	values := map[string]int{
		"applied":     st.Applied,
		"duplicates":  st.Duplicates,
		"skipped":     st.Skipped,
		"overwritten": st.Overwritten,
		"escalated":   st.Escalated,
		"commits":     st.Commits,
		"rollbacks":   st.Rollbacks,
		"snapshots":   st.Snapshots,
	}
	for key, d := range replicaCounts {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(values[key]), name)
	}
	w := c.replica.Window()
	ch <- prometheus.MustNewConstMetric(c.generation, prometheus.GaugeValue, float64(w.CurrentGeneration()), name, "current")
	ch <- prometheus.MustNewConstMetric(c.generation, prometheus.GaugeValue, float64(w.OldestConsistentGeneration()), name, "oldest")
}
