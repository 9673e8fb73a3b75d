// Package metrics exports tree and page store counters to Prometheus.
//
//	reg := prometheus.NewRegistry()
//	reg.MustRegister(metrics.NewCollector("users", tree, store))
//	http.Handle("/metrics", metrics.Handler(reg))
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maskdotdev/sombra-sub003"
)

const namespace = "sombra"

// TreeSource is satisfied by every *sombra.Tree.
type TreeSource interface {
	Stats() sombra.Stats
}

// StoreSource is satisfied by *sombra.Store.
type StoreSource interface {
	Stats() sombra.StoreStats
}

// Collector reads the counters of one tree and, optionally, its store on
// every scrape. All series carry a tree label.
type Collector struct {
	tree  TreeSource
	store StoreSource

	searches    *prometheus.Desc
	splits      *prometheus.Desc
	borrows     *prometheus.Desc
	merges      *prometheus.Desc
	collapses   *prometheus.Desc
	leafWrites  *prometheus.Desc
	compactions *prometheus.Desc
	bytesMoved  *prometheus.Desc
	unresolved  *prometheus.Desc
	pages       *prometheus.Desc
	commits     *prometheus.Desc
	rollbacks   *prometheus.Desc
	readers     *prometheus.Desc
	versions    *prometheus.Desc
	cacheOps    *prometheus.Desc
	ioOps       *prometheus.Desc
	ioBytes     *prometheus.Desc
	droppedFree *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector for tree. store may be nil when the
// page store is not a *sombra.Store or is exported elsewhere.
func NewCollector(name string, tree TreeSource, store StoreSource) *Collector {
	labels := prometheus.Labels{"tree": name}
	desc := func(subsystem, metric, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, metric), help, variable, labels)
	}
	return &Collector{
		tree:  tree,
		store: store,

		searches:    desc("tree", "searches_total", "Page visits during key descents.", "level"),
		splits:      desc("tree", "splits_total", "Page splits.", "kind"),
		borrows:     desc("tree", "borrows_total", "Entries moved from a sibling to fix an underflow.", "kind"),
		merges:      desc("tree", "merges_total", "Sibling pages merged to fix an underflow.", "kind"),
		collapses:   desc("tree", "root_collapses_total", "Internal roots replaced by their only child."),
		leafWrites:  desc("tree", "leaf_writes_total", "Leaf page writes by mode.", "mode"),
		compactions: desc("tree", "leaf_compactions_total", "Slot allocator compactions during in-place edits."),
		bytesMoved:  desc("tree", "leaf_bytes_moved_total", "Record bytes relocated by the slot allocator."),
		unresolved:  desc("tree", "unresolved_underflows_total", "Underflows left in place because no borrow or merge fits."),

		pages:       desc("store", "pages", "Pages by state.", "state"),
		commits:     desc("store", "commits_total", "Committed write transactions."),
		rollbacks:   desc("store", "rollbacks_total", "Rolled back write transactions."),
		readers:     desc("store", "readers", "Open read snapshots."),
		versions:    desc("store", "page_versions", "Superseded page images kept for open snapshots."),
		cacheOps:    desc("store", "cache_ops_total", "Clean page cache lookups and evictions.", "result"),
		ioOps:       desc("store", "io_ops_total", "Backend page reads and writes.", "op"),
		ioBytes:     desc("store", "io_bytes_total", "Backend bytes read and written.", "op"),
		droppedFree: desc("store", "dropped_free_pages_total", "Free page ids that did not fit into a meta page."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.searches, c.splits, c.borrows, c.merges, c.collapses, c.leafWrites, c.compactions, c.bytesMoved, c.unresolved} {
		ch <- d
	}
	if c.store == nil {
		return
	}
	for _, d := range []*prometheus.Desc{c.pages, c.commits, c.rollbacks, c.readers, c.versions, c.cacheOps, c.ioOps, c.ioBytes, c.droppedFree} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	t := c.tree.Stats()
	counter(c.searches, t.LeafSearches, "leaf")
	counter(c.searches, t.InternalSearches, "internal")
	counter(c.splits, t.LeafSplits, "leaf")
	counter(c.splits, t.InternalSplits, "internal")
	counter(c.splits, t.RootSplits, "root")
	counter(c.borrows, t.LeafBorrows, "leaf")
	counter(c.borrows, t.InternalBorrows, "internal")
	counter(c.merges, t.LeafMerges, "leaf")
	counter(c.merges, t.InternalMerges, "internal")
	counter(c.collapses, t.RootCollapses)
	counter(c.leafWrites, t.LeafInPlaceEdits, "in_place")
	counter(c.leafWrites, t.LeafRebuilds, "rebuild")
	counter(c.leafWrites, t.LeafRebalanceInPlace, "rebalance_in_place")
	counter(c.leafWrites, t.LeafRebalanceRebuilds, "rebalance_rebuild")
	counter(c.compactions, t.LeafCompactions)
	counter(c.bytesMoved, t.LeafBytesMoved)
	counter(c.unresolved, t.UnresolvedUnderflows)

	if c.store == nil {
		return
	}
	s := c.store.Stats()
	gauge(c.pages, float64(s.NumPages), "total")
	gauge(c.pages, float64(s.FreePages), "free")
	gauge(c.pages, float64(s.PendingPages), "pending")
	counter(c.commits, s.Commits)
	counter(c.rollbacks, s.Rollbacks)
	gauge(c.readers, float64(s.Readers))
	gauge(c.versions, float64(s.Versions))
	counter(c.cacheOps, s.Cache.Hits, "hit")
	counter(c.cacheOps, s.Cache.Misses, "miss")
	counter(c.cacheOps, s.Cache.Evictions, "eviction")
	counter(c.ioOps, s.Store.Reads, "read")
	counter(c.ioOps, s.Store.Writes, "write")
	counter(c.ioBytes, s.Store.Read, "read")
	counter(c.ioBytes, s.Store.Written, "write")
	counter(c.droppedFree, s.DroppedFreePages)
}

// Handler serves the metrics of reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
