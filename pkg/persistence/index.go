package persistence

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cgast/autonomy/pkg/cycle"
)

var (
	bucketReports = []byte("reports")
	bucketEvents  = []byte("events")
)

// Index is a secondary, rebuildable bbolt-backed cache over cycle
// reports and bus events, used by the Status Surface to answer history
// queries (by kind, by time range) without scanning every report file in
// the logs directory on each request. It is never the system of record:
// on open, if the file is missing or corrupt, callers should re-populate
// it from the JSON report files with Reindex.
type Index struct {
	db *bolt.DB
}

// OpenIndex opens (creating if absent) the bbolt file at path and
// pre-creates its buckets.
func OpenIndex(path string) (*Index, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("persistence: open index %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketReports, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: init index buckets: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (idx *Index) Close() error { return idx.db.Close() }

// PutReport upserts a cycle report into the index, keyed by its id.
func (idx *Index) PutReport(report cycle.Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("persistence: marshal report for index: %w", err)
	}
	return idx.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReports).Put([]byte(report.ID), data)
	})
}

// ReportsByKind returns every indexed report of the given kind, newest
// first. An empty kind returns every indexed report.
func (idx *Index) ReportsByKind(kind cycle.Kind) ([]cycle.Report, error) {
	var reports []cycle.Report
	err := idx.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReports).ForEach(func(_, v []byte) error {
			var r cycle.Report
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("persistence: unmarshal indexed report: %w", err)
			}
			if kind == "" || r.Kind == kind {
				reports = append(reports, r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].StartTime.After(reports[j].StartTime) })
	return reports, nil
}

// IndexedEvent is the minimal event projection stored in the index for
// range queries the Status Surface serves; it deliberately drops the
// full opaque payload to keep the cache small.
type IndexedEvent struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

// PutEvent appends an event projection, keyed by a monotonically
// increasing timestamp-derived key so ForEach iterates in emission order.
func (idx *Index) PutEvent(name string, ts time.Time) error {
	key := []byte(fmt.Sprintf("%020d", ts.UnixNano()))
	data, err := json.Marshal(IndexedEvent{Name: name, Timestamp: ts})
	if err != nil {
		return fmt.Errorf("persistence: marshal event for index: %w", err)
	}
	return idx.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).Put(key, data)
	})
}

// RecentEvents returns up to limit of the most recently indexed events,
// newest first.
func (idx *Index) RecentEvents(limit int) ([]IndexedEvent, error) {
	var events []IndexedEvent
	err := idx.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		count := 0
		for k, v := c.Last(); k != nil && (limit <= 0 || count < limit); k, v = c.Prev() {
			var ev IndexedEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("persistence: unmarshal indexed event: %w", err)
			}
			events = append(events, ev)
			count++
		}
		return nil
	})
	return events, err
}

// Reindex rebuilds the reports bucket from a slice of reports read off
// disk (the JSON files remain authoritative; this cache can always be
// thrown away and rebuilt from them).
func (idx *Index) Reindex(reports []cycle.Report) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketReports); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(bucketReports)
		if err != nil {
			return err
		}
		for _, r := range reports {
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(r.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}
