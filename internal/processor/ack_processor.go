package processor

import (
	"log/slog"
	"sync"

	"zab/internal/quorum"
	"zab/internal/zabtypes"
)

// AckProcessor is the leader-side counterpart to SyncProposalProcessor: it
// tracks, per zxid, which followers (and the leader itself) have ACKed, and
// emits COMMIT once a majority of the current configuration has. ACKs are
// applied as they arrive; commits always fire in proposal order, even if
// acks for a later zxid complete first.
type AckProcessor struct {
	mu       sync.Mutex
	cfg      func() zabtypes.ClusterConfig
	onCommit func(zxid zabtypes.Zxid)

	order   []zabtypes.Zxid
	acked   map[zabtypes.Zxid]map[zabtypes.ServerID]struct{}
	nextIdx int
}

func NewAckProcessor(cfg func() zabtypes.ClusterConfig, onCommit func(zabtypes.Zxid)) *AckProcessor {
	return &AckProcessor{
		cfg:      cfg,
		onCommit: onCommit,
		acked:    make(map[zabtypes.Zxid]map[zabtypes.ServerID]struct{}),
	}
}

// Propose registers a newly assigned zxid as awaiting acks. Must be called
// before any Ack for that zxid arrives.
func (a *AckProcessor) Propose(zxid zabtypes.Zxid) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.acked[zxid]; ok {
		return
	}
	a.order = append(a.order, zxid)
	a.acked[zxid] = make(map[zabtypes.ServerID]struct{})
}

// Ack records that from has acked every pending zxid up to and including
// zxid, then commits as many leading zxids as now have quorum. Acks are
// cumulative because a SyncProposalProcessor acks only the last zxid of
// each durable batch, and per-peer FIFO guarantees everything before it
// was appended too.
func (a *AckProcessor) Ack(zxid zabtypes.Zxid, from zabtypes.ServerID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	covered := false
	for _, z := range a.order[a.nextIdx:] {
		if z.Greater(zxid) {
			break
		}
		a.acked[z][from] = struct{}{}
		covered = true
	}
	if !covered {
		slog.Debug("ack covers no pending zxid", "zxid", zxid, "from", from)
		return
	}
	a.tryCommitLocked()
}

func (a *AckProcessor) tryCommitLocked() {
	cfg := a.cfg()
	for a.nextIdx < len(a.order) {
		z := a.order[a.nextIdx]
		if !quorum.HasQuorum(cfg, a.acked[z]) {
			break
		}
		delete(a.acked, z)
		a.nextIdx++
		a.onCommit(z)
	}

	// compact the order slice once it grows stale, so a long-lived
	// leader's ack bookkeeping doesn't grow without bound
	if a.nextIdx > 0 && a.nextIdx == len(a.order) {
		a.order = a.order[:0]
		a.nextIdx = 0
	} else if a.nextIdx > 1024 {
		a.order = append([]zabtypes.Zxid{}, a.order[a.nextIdx:]...)
		a.nextIdx = 0
	}
}
