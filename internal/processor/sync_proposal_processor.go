package processor

import (
	"log/slog"

	"zab/internal/metrics"
	"zab/internal/walog"
	"zab/internal/zabtypes"
)

// DefaultSyncMaxBatchSize is used when the configuration leaves
// syncMaxBatchSize unset.
const DefaultSyncMaxBatchSize = 1000

type syncItem struct {
	txn   zabtypes.Transaction
	flush chan struct{}
}

// SyncProposalProcessor batches proposal appends to the log, fsyncs once per
// batch, and then emits a single ACK for the last zxid in the batch to the
// peer of record (the leader, for a follower; self, for the leader's own
// loopback ack). It never reorders: proposals are appended in the order
// they're enqueued.
type SyncProposalProcessor struct {
	log      *walog.Log
	sendAck  func(zxid zabtypes.Zxid)
	maxBatch int

	in   chan syncItem
	done chan struct{}
}

func NewSyncProposalProcessor(log *walog.Log, sendAck func(zabtypes.Zxid), maxBatch int, queueSize int) *SyncProposalProcessor {
	if maxBatch <= 0 {
		maxBatch = DefaultSyncMaxBatchSize
	}
	return &SyncProposalProcessor{
		log:      log,
		sendAck:  sendAck,
		maxBatch: maxBatch,
		in:       make(chan syncItem, queueSize),
		done:     make(chan struct{}),
	}
}

func (sp *SyncProposalProcessor) Start() {
	go sp.run()
}

// Propose enqueues txn for appending. Blocks if the queue is full.
func (sp *SyncProposalProcessor) Propose(txn zabtypes.Transaction) {
	sp.in <- syncItem{txn: txn}
}

// Flush blocks until every proposal enqueued before the call is appended
// and durable. The leader uses it as a barrier before reading the log to
// build a synchronization payload. Must not be called after Shutdown.
func (sp *SyncProposalProcessor) Flush() {
	ch := make(chan struct{})
	sp.in <- syncItem{flush: ch}
	<-ch
}

func (sp *SyncProposalProcessor) run() {
	defer close(sp.done)

	for item := range sp.in {
		if item.flush != nil {
			// Everything enqueued before this barrier was already
			// written by a previous batch.
			close(item.flush)
			continue
		}

		batch := []zabtypes.Transaction{item.txn}
		var barriers []chan struct{}
		draining := true
		for draining && len(batch) < sp.maxBatch {
			select {
			case next, ok := <-sp.in:
				if !ok {
					draining = false
					break
				}
				if next.flush != nil {
					barriers = append(barriers, next.flush)
					draining = false
					break
				}
				batch = append(batch, next.txn)
			default:
				draining = false
			}
		}

		sp.flush(batch)
		for _, ch := range barriers {
			close(ch)
		}
	}
}

func (sp *SyncProposalProcessor) flush(batch []zabtypes.Transaction) {
	for _, txn := range batch {
		if err := sp.log.Append(txn); err != nil {
			slog.Error("sync proposal processor failed to append", "zxid", txn.Zxid, "error", err)
			return
		}
	}
	if err := sp.log.Sync(); err != nil {
		slog.Error("sync proposal processor failed to sync", "error", err)
		return
	}
	metrics.SyncBatchSize.Observe(float64(len(batch)))
	sp.sendAck(batch[len(batch)-1].Zxid)
}

// Shutdown stops accepting new work and flushes everything already queued.
func (sp *SyncProposalProcessor) Shutdown() {
	close(sp.in)
	<-sp.done
}
