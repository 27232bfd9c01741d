// Package walog implements the append-only, zxid-indexed transaction log.
// Segments are stored with github.com/tidwall/wal; this package adds the
// zxid ordering invariant and record framing on top.
package walog

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tidwall/wal"

	"zab/internal/metrics"
	"zab/internal/zabtypes"
)

// Log is a strictly zxid-ordered, append-only, crash-safe transaction log.
type Log struct {
	mu  sync.RWMutex
	dir string
	w   *wal.Log

	// zxids[i]/records[i] describe the i-th entry of the log, in wal index
	// order.
	// Truncation and append never mutate these slices in place; they
	// always produce a new backing array, so an in-flight Iterator keeps
	// observing a consistent snapshot even if the log changes underneath it.
	zxids   []zabtypes.Zxid
	records [][]byte
}

// Open opens (or creates) the log rooted at dir, replaying any existing
// segments to rebuild the in-memory zxid index.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("walog: mkdir %s: %w", dir, err)
	}

	w, err := wal.Open(dir, wal.DefaultOptions)
	if err != nil {
		return nil, fmt.Errorf("walog: open: %w", err)
	}

	l := &Log{dir: dir, w: w}
	if err := l.replay(); err != nil {
		w.Close()
		return nil, err
	}

	slog.Info("transaction log opened", "dir", dir, "entries", len(l.zxids), "latest", l.latestLocked())
	return l, nil
}

func (l *Log) replay() error {
	empty, err := l.w.IsEmpty()
	if err != nil {
		return fmt.Errorf("walog: IsEmpty: %w", err)
	}
	if empty {
		return nil
	}

	first, err := l.w.FirstIndex()
	if err != nil {
		return fmt.Errorf("walog: FirstIndex: %w", err)
	}
	last, err := l.w.LastIndex()
	if err != nil {
		return fmt.Errorf("walog: LastIndex: %w", err)
	}

	zxids := make([]zabtypes.Zxid, 0, last-first+1)
	records := make([][]byte, 0, last-first+1)
	for idx := first; idx <= last; idx++ {
		data, err := l.w.Read(idx)
		if err != nil {
			return fmt.Errorf("walog: read(%d): %w", idx, err)
		}
		txn, err := unmarshalRecord(data)
		if err != nil {
			return fmt.Errorf("walog: corrupt record at %d: %w", idx, err)
		}
		if len(zxids) > 0 && !zxids[len(zxids)-1].Less(txn.Zxid) {
			return fmt.Errorf("walog: %w: out-of-order record at %d", zabtypes.ErrPersistenceCorrupted, idx)
		}
		zxids = append(zxids, txn.Zxid)
		records = append(records, data)
	}

	l.zxids = zxids
	l.records = records
	return nil
}

// LatestZxid returns the zxid of the last entry, or ZxidNull if the log is empty.
func (l *Log) LatestZxid() zabtypes.Zxid {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.latestLocked()
}

func (l *Log) latestLocked() zabtypes.Zxid {
	if len(l.zxids) == 0 {
		return zabtypes.ZxidNull
	}
	return l.zxids[len(l.zxids)-1]
}

// Append adds txn to the log. txn.Zxid must be strictly greater than the
// current latest zxid. Append may buffer; call Sync to force durability.
func (l *Log) Append(txn zabtypes.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	latest := l.latestLocked()
	if !latest.Less(txn.Zxid) {
		return fmt.Errorf("walog: append %s not greater than latest %s", txn.Zxid, latest)
	}

	last, err := l.lastIndexLocked()
	if err != nil {
		return err
	}

	data := marshalRecord(txn)
	if err := l.w.Write(last+1, data); err != nil {
		return fmt.Errorf("walog: write: %w", err)
	}

	l.zxids = append(append([]zabtypes.Zxid{}, l.zxids...), txn.Zxid)
	l.records = append(append([][]byte{}, l.records...), data)
	metrics.LogAppendsTotal.Inc()
	return nil
}

// Sync guarantees all prior Appends are durable before returning.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := time.Now()
	if err := l.w.Sync(); err != nil {
		return fmt.Errorf("walog: sync: %w", err)
	}
	metrics.LogSyncDuration.Observe(time.Since(start).Seconds())
	return nil
}

// Truncate removes all entries with zxid > z. z must be ZxidNull (wipe the
// whole log) or a zxid already present in the log. Truncate is idempotent.
func (l *Log) Truncate(z zabtypes.Zxid) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cut := len(l.zxids)
	if !z.IsNull() {
		found := false
		for i, zx := range l.zxids {
			if zx == z {
				cut = i + 1
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("walog: truncate point %s not present in log", z)
		}
	} else {
		cut = 0
	}

	if cut == len(l.zxids) {
		return nil // already truncated to this point
	}

	if err := l.rebuildLocked(l.zxids[:cut], l.records[:cut]); err != nil {
		return err
	}

	metrics.LogTruncatesTotal.Inc()
	slog.Info("log truncated", "dir", l.dir, "to", z, "retained", cut)
	return nil
}

// rebuildLocked replaces the on-disk segment with exactly the given
// records. Used by Truncate because tidwall/wal's truncate-by-index API
// does not expose zxid-keyed truncation directly.
func (l *Log) rebuildLocked(zxids []zabtypes.Zxid, records [][]byte) error {
	if err := l.w.Close(); err != nil {
		return fmt.Errorf("walog: close for rebuild: %w", err)
	}
	if err := os.RemoveAll(l.dir); err != nil {
		return fmt.Errorf("walog: remove dir for rebuild: %w", err)
	}
	if err := os.MkdirAll(l.dir, 0o750); err != nil {
		return fmt.Errorf("walog: recreate dir: %w", err)
	}

	w, err := wal.Open(l.dir, wal.DefaultOptions)
	if err != nil {
		return fmt.Errorf("walog: reopen after rebuild: %w", err)
	}

	for i, data := range records {
		if err := w.Write(uint64(i+1), data); err != nil {
			w.Close()
			return fmt.Errorf("walog: rewrite record %d: %w", i, err)
		}
	}
	if err := w.Sync(); err != nil {
		w.Close()
		return fmt.Errorf("walog: sync rebuild: %w", err)
	}

	l.w = w
	l.zxids = append([]zabtypes.Zxid{}, zxids...)
	l.records = append([][]byte{}, records...)
	return nil
}

func (l *Log) lastIndexLocked() (uint64, error) {
	empty, err := l.w.IsEmpty()
	if err != nil {
		return 0, fmt.Errorf("walog: IsEmpty: %w", err)
	}
	if empty {
		return 0, nil
	}
	return l.w.LastIndex()
}

// Iterator yields transactions in zxid order, starting at the first zxid >= from.
type Iterator struct {
	zxids   []zabtypes.Zxid
	records [][]byte
	pos     int
}

// Iterate returns a restartable iterator positioned at the first zxid >= from.
func (l *Log) Iterate(from zabtypes.Zxid) *Iterator {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := len(l.zxids)
	for i, zx := range l.zxids {
		if zx.Greater(from) || zx == from {
			start = i
			break
		}
	}

	// Snapshot the records slice header; the backing array is never
	// mutated in place (see comment on Log.records), so this is safe to
	// read without holding the lock.
	return &Iterator{zxids: l.zxids, pos: start, records: l.records}
}

func (it *Iterator) Next() (zabtypes.Transaction, bool) {
	if it.pos >= len(it.zxids) {
		return zabtypes.Transaction{}, false
	}
	txn, err := unmarshalRecord(it.records[it.pos])
	it.pos++
	if err != nil {
		return zabtypes.Transaction{}, false
	}
	return txn, true
}

// Close releases the underlying segment files.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}
