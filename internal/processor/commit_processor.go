// Package processor implements the concurrent pipeline stages that turn a
// quorum-ordered stream of proposals into deliver callbacks: the
// CommitProcessor and SyncProposalProcessor run on every participant, the
// AckProcessor and PreProcessor run only while leading. Each owns its own
// worker goroutine and bounded input queue; none holds a back-pointer to
// the participant that created it.
package processor

import (
	"log/slog"
	"sync"

	"zab/internal/metrics"
	"zab/internal/statemachine"
	"zab/internal/zabtypes"
)

type commitEvent struct {
	isCommit bool
	txn      zabtypes.Transaction
	zxid     zabtypes.Zxid
}

// CommitProcessor buffers PROPOSALs by zxid and delivers them to the state
// machine only once a matching COMMIT has arrived, strictly in increasing
// zxid order. It assumes its caller preserves per-source FIFO order
// (transport) and global commit order (AckProcessor), so it never needs to
// reorder — only to pair a proposal with its commit.
type CommitProcessor struct {
	sm statemachine.StateMachine

	in   chan commitEvent
	done chan struct{}

	mu            sync.Mutex
	proposed      map[zabtypes.Zxid]zabtypes.Transaction
	pendingCommit map[zabtypes.Zxid]struct{}
	lastDelivered zabtypes.Zxid
}

// NewCommitProcessor creates a CommitProcessor that resumes watermark
// tracking from lastDelivered (the zxid a prior BROADCASTING phase already
// delivered through).
func NewCommitProcessor(sm statemachine.StateMachine, lastDelivered zabtypes.Zxid, queueSize int) *CommitProcessor {
	return &CommitProcessor{
		sm:            sm,
		in:            make(chan commitEvent, queueSize),
		done:          make(chan struct{}),
		proposed:      make(map[zabtypes.Zxid]zabtypes.Transaction),
		pendingCommit: make(map[zabtypes.Zxid]struct{}),
		lastDelivered: lastDelivered,
	}
}

// Start launches the worker goroutine.
func (cp *CommitProcessor) Start() {
	go cp.run()
}

// Propose enqueues a proposal awaiting its commit. Blocks if the queue is full.
func (cp *CommitProcessor) Propose(txn zabtypes.Transaction) {
	cp.in <- commitEvent{txn: txn}
}

// Commit enqueues the commit point for zxid. Blocks if the queue is full.
func (cp *CommitProcessor) Commit(zxid zabtypes.Zxid) {
	cp.in <- commitEvent{isCommit: true, zxid: zxid}
}

func (cp *CommitProcessor) run() {
	defer close(cp.done)
	for ev := range cp.in {
		if ev.isCommit {
			cp.handleCommit(ev.zxid)
		} else {
			cp.handlePropose(ev.txn)
		}
	}
}

func (cp *CommitProcessor) handlePropose(txn zabtypes.Transaction) {
	cp.mu.Lock()
	if _, ok := cp.pendingCommit[txn.Zxid]; ok {
		delete(cp.pendingCommit, txn.Zxid)
		cp.mu.Unlock()
		cp.deliver(txn)
		return
	}
	cp.proposed[txn.Zxid] = txn
	cp.mu.Unlock()
}

func (cp *CommitProcessor) handleCommit(zxid zabtypes.Zxid) {
	cp.mu.Lock()
	txn, ok := cp.proposed[zxid]
	if !ok {
		cp.pendingCommit[zxid] = struct{}{}
		cp.mu.Unlock()
		return
	}
	delete(cp.proposed, zxid)
	cp.mu.Unlock()
	cp.deliver(txn)
}

func (cp *CommitProcessor) deliver(txn zabtypes.Transaction) {
	cp.mu.Lock()
	if !cp.lastDelivered.Less(txn.Zxid) {
		cp.mu.Unlock()
		slog.Warn("commit processor dropped re-delivery", "zxid", txn.Zxid, "lastDelivered", cp.lastDelivered)
		return
	}
	cp.lastDelivered = txn.Zxid
	cp.mu.Unlock()

	metrics.DeliveredTotal.Inc()
	cp.sm.Deliver(txn)
}

// LastDeliveredZxid returns the highest zxid delivered so far.
func (cp *CommitProcessor) LastDeliveredZxid() zabtypes.Zxid {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.lastDelivered
}

// Shutdown stops accepting new work, waits for the queue to drain, and
// returns the final lastDelivered zxid for the participant to publish.
func (cp *CommitProcessor) Shutdown() zabtypes.Zxid {
	close(cp.in)
	<-cp.done
	return cp.LastDeliveredZxid()
}
