package processor

import (
	"sync"

	"zab/internal/zabtypes"
)

// PreProcessor is the leader-side entry point for client requests: it
// assigns the next zxid in the current epoch and hands the resulting
// PROPOSAL to whatever fan-out the caller wires (broadcast to followers,
// the leader's own SyncProposalProcessor, and AckProcessor registration).
type PreProcessor struct {
	mu      sync.Mutex
	epoch   uint32
	counter uint64

	onProposal func(txn zabtypes.Transaction)
}

func NewPreProcessor(epoch uint32, lastCounter uint64, onProposal func(zabtypes.Transaction)) *PreProcessor {
	return &PreProcessor{epoch: epoch, counter: lastCounter, onProposal: onProposal}
}

// Submit assigns the next zxid to a client request and fans out the
// resulting transaction. Returns the assigned transaction.
func (p *PreProcessor) Submit(reqType uint32, body []byte) zabtypes.Transaction {
	p.mu.Lock()
	p.counter++
	zxid := zabtypes.Zxid{Epoch: p.epoch, Counter: p.counter}
	p.mu.Unlock()

	txn := zabtypes.Transaction{Zxid: zxid, Type: reqType, Body: body}
	p.onProposal(txn)
	return txn
}
