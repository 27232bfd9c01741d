package statemachine

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"zab/internal/zabtypes"
)

// Recorder is a reference StateMachine that keeps every delivered
// transaction body in memory and snapshots them with a length-prefixed
// framing. It backs the bundled binary and the in-process test harness; a
// real application substitutes its own implementation.
type Recorder struct {
	mu        sync.Mutex
	delivered []zabtypes.Transaction
	watermark zabtypes.Zxid
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Deliver(txn zabtypes.Transaction) {
	r.mu.Lock()
	r.delivered = append(r.delivered, txn)
	r.watermark = txn.Zxid
	r.mu.Unlock()
	slog.Debug("delivered", "zxid", txn.Zxid, "bytes", len(txn.Body))
}

func (r *Recorder) Leading(peers []zabtypes.ServerID) {
	slog.Info("leading", "peers", peers)
}

func (r *Recorder) Following(leader zabtypes.ServerID) {
	slog.Info("following", "leader", leader)
}

func (r *Recorder) ClusterChange(peers []zabtypes.ServerID) {
	slog.Info("cluster changed", "peers", peers)
}

func (r *Recorder) StateChanged(phase zabtypes.Phase) {
	slog.Info("phase changed", "phase", phase)
}

// Save frames the delivered history as
// { watermark epoch:u32 counter:u64, count:u32, entries... } with each
// entry { type:u32, len:u32, body }.
func (r *Recorder) Save() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := 4 + 8 + 4
	for _, txn := range r.delivered {
		size += 4 + 4 + len(txn.Body)
	}
	buf := make([]byte, size)

	off := 0
	binary.BigEndian.PutUint32(buf[off:], r.watermark.Epoch)
	binary.BigEndian.PutUint64(buf[off+4:], r.watermark.Counter)
	off += 12
	binary.BigEndian.PutUint32(buf[off:], uint32(len(r.delivered)))
	off += 4
	for _, txn := range r.delivered {
		binary.BigEndian.PutUint32(buf[off:], txn.Type)
		binary.BigEndian.PutUint32(buf[off+4:], uint32(len(txn.Body)))
		off += 8
		copy(buf[off:], txn.Body)
		off += len(txn.Body)
	}
	return buf, nil
}

func (r *Recorder) Restore(snapshot []byte) error {
	if len(snapshot) < 16 {
		return fmt.Errorf("recorder: snapshot too short: %w", io.ErrUnexpectedEOF)
	}

	watermark := zabtypes.Zxid{
		Epoch:   binary.BigEndian.Uint32(snapshot[0:4]),
		Counter: binary.BigEndian.Uint64(snapshot[4:12]),
	}
	count := binary.BigEndian.Uint32(snapshot[12:16])

	off := 16
	entries := make([]zabtypes.Transaction, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+8 > len(snapshot) {
			return fmt.Errorf("recorder: truncated snapshot entry %d: %w", i, io.ErrUnexpectedEOF)
		}
		typ := binary.BigEndian.Uint32(snapshot[off:])
		n := int(binary.BigEndian.Uint32(snapshot[off+4:]))
		off += 8
		if off+n > len(snapshot) {
			return fmt.Errorf("recorder: truncated snapshot body %d: %w", i, io.ErrUnexpectedEOF)
		}
		body := make([]byte, n)
		copy(body, snapshot[off:off+n])
		off += n
		entries = append(entries, zabtypes.Transaction{Type: typ, Body: body})
	}

	r.mu.Lock()
	r.delivered = entries
	r.watermark = watermark
	r.mu.Unlock()
	slog.Info("snapshot restored", "watermark", watermark, "entries", count)
	return nil
}

// Delivered returns a copy of the delivered transactions.
func (r *Recorder) Delivered() []zabtypes.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]zabtypes.Transaction{}, r.delivered...)
}

// Watermark returns the zxid of the last delivered or restored transaction.
func (r *Recorder) Watermark() zabtypes.Zxid {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watermark
}
