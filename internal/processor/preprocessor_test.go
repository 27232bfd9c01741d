package processor_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"zab/internal/processor"
	"zab/internal/zabtypes"
)

func TestPreProcessorAssignsIncreasingZxids(t *testing.T) {
	var got []zabtypes.Transaction
	pp := processor.NewPreProcessor(3, 0, func(txn zabtypes.Transaction) {
		got = append(got, txn)
	})

	t1 := pp.Submit(zabtypes.TypeUserBase, []byte("x"))
	t2 := pp.Submit(zabtypes.TypeUserBase, []byte("y"))

	require.Equal(t, zabtypes.Zxid{Epoch: 3, Counter: 1}, t1.Zxid)
	require.Equal(t, zabtypes.Zxid{Epoch: 3, Counter: 2}, t2.Zxid)
	require.Len(t, got, 2)
}

func TestPreProcessorResumesFromLastCounter(t *testing.T) {
	pp := processor.NewPreProcessor(3, 41, func(zabtypes.Transaction) {})
	txn := pp.Submit(zabtypes.TypeUserBase, nil)
	require.Equal(t, zabtypes.Zxid{Epoch: 3, Counter: 42}, txn.Zxid)
}
