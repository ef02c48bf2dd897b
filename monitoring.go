package qdb

type QueueStats struct {
	ID    uint64
	Name  string
	Items int

	DataSize  int64
	DataAlloc int64

	Indexes []IndexStats
}

type IndexStats struct {
	Desc    IndexDesc
	Name    string
	Entries int

	Size  int64
	Alloc int64
}

func (qs *QueueStats) IndexEntries() int {
	var n int
	for _, is := range qs.Indexes {
		n += is.Entries
	}
	return n
}

func (qs *QueueStats) TotalAlloc() int64 {
	n := qs.DataAlloc
	for _, is := range qs.Indexes {
		n += is.Alloc
	}
	return n
}

// Stats reports every queue that has storage, in namespace order.
func (db *DB) Stats() ([]QueueStats, error) {
	var result []QueueStats
	err := db.view(func(t *tx) error {
		var err error
		result, err = t.stats()
		return err
	})
	return result, err
}

func (t *tx) stats() ([]QueueStats, error) {
	var qids []uint64
	err := t.stx.ForEachBucket(func(name []byte) error {
		if id, ok := parseQueueNamespace(name); ok {
			qids = append(qids, id)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("list namespaces", nil, err)
	}

	result := make([]QueueStats, 0, len(qids))
	for _, qid := range qids {
		qs, err := t.queueStats(qid)
		if err != nil {
			return nil, err
		}
		result = append(result, qs)
	}
	return result, nil
}

func (t *tx) queueStats(qid uint64) (QueueStats, error) {
	name, _, err := t.nameFor(NamedQueue, qid)
	if err != nil {
		return QueueStats{}, err
	}
	qs := QueueStats{ID: qid, Name: name}
	if b := t.bucket(queueNamespace(qid)); b != nil {
		bs := b.Stats()
		qs.Items = bs.KeyN
		qs.DataSize = bs.LeafInuse
		qs.DataAlloc = bs.TotalAlloc()
	}

	idxs, err := t.indexesOf(qid)
	if err != nil {
		return qs, err
	}
	for _, idx := range idxs {
		is := IndexStats{Desc: idx.desc, Name: idx.name}
		if b := t.bucket(idx.ns); b != nil {
			bs := b.Stats()
			is.Entries = bs.KeyN
			is.Size = bs.LeafInuse
			is.Alloc = bs.TotalAlloc()
		}
		qs.Indexes = append(qs.Indexes, is)
	}
	return qs, nil
}
