package processor_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zab/internal/processor"
	"zab/internal/zabtypes"
)

type recordingSM struct {
	delivered chan zabtypes.Transaction
}

func newRecordingSM() *recordingSM { return &recordingSM{delivered: make(chan zabtypes.Transaction, 100)} }

func (r *recordingSM) Deliver(txn zabtypes.Transaction)               { r.delivered <- txn }
func (r *recordingSM) Leading(_ []zabtypes.ServerID)                  {}
func (r *recordingSM) Following(_ zabtypes.ServerID)                  {}
func (r *recordingSM) ClusterChange(_ []zabtypes.ServerID)            {}
func (r *recordingSM) Save() ([]byte, error)                          { return nil, nil }
func (r *recordingSM) Restore(_ []byte) error                         { return nil }
func (r *recordingSM) StateChanged(_ zabtypes.Phase)                  {}

func zx(c uint64) zabtypes.Zxid { return zabtypes.Zxid{Epoch: 1, Counter: c} }

func TestCommitProcessorDeliversOnlyAfterCommit(t *testing.T) {
	sm := newRecordingSM()
	cp := processor.NewCommitProcessor(sm, zabtypes.ZxidNull, 16)
	cp.Start()

	cp.Propose(zabtypes.Transaction{Zxid: zx(1), Body: []byte("a")})

	select {
	case <-sm.delivered:
		t.Fatal("delivered before commit")
	case <-time.After(20 * time.Millisecond):
	}

	cp.Commit(zx(1))
	select {
	case txn := <-sm.delivered:
		require.Equal(t, "a", string(txn.Body))
	case <-time.After(time.Second):
		t.Fatal("never delivered")
	}

	require.Equal(t, zx(1), cp.Shutdown())
}

func TestCommitProcessorHandlesCommitBeforeProposal(t *testing.T) {
	sm := newRecordingSM()
	cp := processor.NewCommitProcessor(sm, zabtypes.ZxidNull, 16)
	cp.Start()

	cp.Commit(zx(1))
	cp.Propose(zabtypes.Transaction{Zxid: zx(1), Body: []byte("a")})

	select {
	case txn := <-sm.delivered:
		require.Equal(t, "a", string(txn.Body))
	case <-time.After(time.Second):
		t.Fatal("never delivered")
	}
	cp.Shutdown()
}

func TestCommitProcessorDeliversInOrder(t *testing.T) {
	sm := newRecordingSM()
	cp := processor.NewCommitProcessor(sm, zabtypes.ZxidNull, 16)
	cp.Start()

	for i := uint64(1); i <= 5; i++ {
		cp.Propose(zabtypes.Transaction{Zxid: zx(i)})
		cp.Commit(zx(i))
	}

	for i := uint64(1); i <= 5; i++ {
		select {
		case txn := <-sm.delivered:
			require.Equal(t, zx(i), txn.Zxid)
		case <-time.After(time.Second):
			t.Fatal("never delivered")
		}
	}
	require.Equal(t, zx(5), cp.Shutdown())
}

func TestCommitProcessorResumesWatermark(t *testing.T) {
	sm := newRecordingSM()
	cp := processor.NewCommitProcessor(sm, zx(3), 16)
	require.Equal(t, zx(3), cp.LastDeliveredZxid())
}
