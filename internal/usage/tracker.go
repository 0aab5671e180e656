// Package usage keeps the small, persisted set of recently used
// versions. It is written after a load completes and read only by
// callers that order versions for display.
package usage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ziadkadry99/bundlevault/internal/codec"
)

// DefaultCapacity is the number of records kept when none is configured.
const DefaultCapacity = 5

// Key is the key-value slot the records are stored under.
const Key = "usage.records"

// Record is the usage of one version.
type Record struct {
	Version        string    `cbor:"version" json:"version"`
	Count          int       `cbor:"count" json:"count"`
	LastAccess     time.Time `cbor:"last_access" json:"last_access"`
	EntryDocuments []string  `cbor:"entry_documents" json:"entry_documents"`
}

// KV is the persistence slot. *db.DB satisfies it.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// Tracker maintains the records, most used first.
type Tracker struct {
	kv       KV
	capacity int
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex
}

// NewTracker returns a Tracker keeping at most capacity records.
func NewTracker(kv KV, capacity int, logger *slog.Logger) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Tracker{kv: kv, capacity: capacity, logger: logger, now: time.Now}
}

// List returns the stored records, most used first.
func (t *Tracker) List(ctx context.Context) ([]Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.load(ctx)
}

// Record counts one access to version. When the set is full the least
// used other record is evicted; the accessed version is always kept.
func (t *Tracker) Record(ctx context.Context, version string, entries []string) ([]Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	records, err := t.load(ctx)
	if err != nil {
		return nil, err
	}

	now := t.now().UTC()
	found := false
	for i := range records {
		if records[i].Version == version {
			records[i].Count++
			records[i].LastAccess = now
			if len(entries) > 0 {
				records[i].EntryDocuments = entries
			}
			found = true
			break
		}
	}
	if !found {
		records = append(records, Record{Version: version, Count: 1, LastAccess: now, EntryDocuments: entries})
	}

	sortRecords(records)
	for len(records) > t.capacity {
		evict := len(records) - 1
		if records[evict].Version == version {
			evict--
		}
		t.logger.Debug("evicting usage record", "version", records[evict].Version, "count", records[evict].Count)
		records = append(records[:evict], records[evict+1:]...)
	}

	data, err := codec.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encoding usage records: %w", err)
	}
	if err := t.kv.Put(ctx, Key, data); err != nil {
		return nil, err
	}
	return records, nil
}

func (t *Tracker) load(ctx context.Context) ([]Record, error) {
	data, ok, err := t.kv.Get(ctx, Key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var records []Record
	if err := codec.Unmarshal(data, &records); err != nil {
		t.logger.Warn("discarding unreadable usage records", "error", err)
		return nil, nil
	}
	sortRecords(records)
	return records, nil
}

// sortRecords orders by count, then by most recent access.
func sortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Count != records[j].Count {
			return records[i].Count > records[j].Count
		}
		return records[i].LastAccess.After(records[j].LastAccess)
	})
}
