package processor_test

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zab/internal/processor"
	"zab/internal/walog"
	"zab/internal/zabtypes"
)

func TestSyncProposalProcessorAppendsAndAcks(t *testing.T) {
	log, err := walog.Open(filepath.Join(t.TempDir(), "log"))
	require.NoError(t, err)
	defer log.Close()

	var mu sync.Mutex
	var acked []zabtypes.Zxid
	sp := processor.NewSyncProposalProcessor(log, func(z zabtypes.Zxid) {
		mu.Lock()
		acked = append(acked, z)
		mu.Unlock()
	}, 10, 16)
	sp.Start()

	sp.Propose(zabtypes.Transaction{Zxid: zx(1), Body: []byte("a")})
	sp.Propose(zabtypes.Transaction{Zxid: zx(2), Body: []byte("b")})
	sp.Shutdown()

	require.Equal(t, zabtypes.Zxid{Epoch: 1, Counter: 2}, log.LatestZxid())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, acked)
	require.Equal(t, zabtypes.Zxid{Epoch: 1, Counter: 2}, acked[len(acked)-1])
}

func TestSyncProposalProcessorBatchesWithinLimit(t *testing.T) {
	log, err := walog.Open(filepath.Join(t.TempDir(), "log"))
	require.NoError(t, err)
	defer log.Close()

	var mu sync.Mutex
	var ackCount int
	sp := processor.NewSyncProposalProcessor(log, func(z zabtypes.Zxid) {
		mu.Lock()
		ackCount++
		mu.Unlock()
	}, 2, 16)
	sp.Start()

	for i := uint64(1); i <= 2; i++ {
		sp.Propose(zabtypes.Transaction{Zxid: zx(i)})
	}
	time.Sleep(50 * time.Millisecond)
	sp.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, ackCount, 1)
}

func TestSyncProposalProcessorFlushIsABarrier(t *testing.T) {
	log, err := walog.Open(filepath.Join(t.TempDir(), "log"))
	require.NoError(t, err)
	defer log.Close()

	sp := processor.NewSyncProposalProcessor(log, func(zabtypes.Zxid) {}, 10, 16)
	sp.Start()
	defer sp.Shutdown()

	for i := uint64(1); i <= 5; i++ {
		sp.Propose(zabtypes.Transaction{Zxid: zx(i)})
	}
	sp.Flush()

	require.Equal(t, zabtypes.Zxid{Epoch: 1, Counter: 5}, log.LatestZxid())
}
