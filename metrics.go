package qdb

import "github.com/VictoriaMetrics/metrics"

type dbMetrics struct {
	set          *metrics.Set
	itemsAdded   *metrics.Counter
	indexInserts *metrics.Counter
	indexPops    *metrics.Counter
	addErrors    *metrics.Counter
	reindexed    *metrics.Counter
}

func newDBMetrics() *dbMetrics {
	set := metrics.NewSet()
	return &dbMetrics{
		set:          set,
		itemsAdded:   set.NewCounter("qdb_items_added_total"),
		indexInserts: set.NewCounter("qdb_index_inserts_total"),
		indexPops:    set.NewCounter("qdb_index_pops_total"),
		addErrors:    set.NewCounter("qdb_add_errors_total"),
		reindexed:    set.NewCounter("qdb_reindexed_items_total"),
	}
}
