package processor_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"zab/internal/processor"
	"zab/internal/zabtypes"
)

func threeNodeCfg() zabtypes.ClusterConfig {
	return zabtypes.NewClusterConfig(zabtypes.ZxidNull, []zabtypes.ServerID{"s1", "s2", "s3"})
}

func TestAckProcessorCommitsOnMajority(t *testing.T) {
	cfg := threeNodeCfg()
	var committed []zabtypes.Zxid
	ap := processor.NewAckProcessor(func() zabtypes.ClusterConfig { return cfg }, func(z zabtypes.Zxid) {
		committed = append(committed, z)
	})

	ap.Propose(zx(1))
	ap.Ack(zx(1), "s1")
	require.Empty(t, committed)

	ap.Ack(zx(1), "s2")
	require.Equal(t, []zabtypes.Zxid{zx(1)}, committed)

	ap.Ack(zx(1), "s3")
	require.Equal(t, []zabtypes.Zxid{zx(1)}, committed, "no duplicate commit")
}

func TestAckProcessorBatchAckIsCumulative(t *testing.T) {
	cfg := threeNodeCfg()
	var committed []zabtypes.Zxid
	ap := processor.NewAckProcessor(func() zabtypes.ClusterConfig { return cfg }, func(z zabtypes.Zxid) {
		committed = append(committed, z)
	})

	ap.Propose(zx(1))
	ap.Propose(zx(2))

	// A batch ack for zxid 2 covers zxid 1 as well; commits still fire in
	// zxid order.
	ap.Ack(zx(2), "s1")
	require.Empty(t, committed)

	ap.Ack(zx(2), "s2")
	require.Equal(t, []zabtypes.Zxid{zx(1), zx(2)}, committed)
}

func TestAckProcessorPartialAckCommitsOnlyPrefix(t *testing.T) {
	cfg := threeNodeCfg()
	var committed []zabtypes.Zxid
	ap := processor.NewAckProcessor(func() zabtypes.ClusterConfig { return cfg }, func(z zabtypes.Zxid) {
		committed = append(committed, z)
	})

	ap.Propose(zx(1))
	ap.Propose(zx(2))

	ap.Ack(zx(2), "s1")
	ap.Ack(zx(1), "s2")
	require.Equal(t, []zabtypes.Zxid{zx(1)}, committed)

	ap.Ack(zx(2), "s2")
	require.Equal(t, []zabtypes.Zxid{zx(1), zx(2)}, committed)
}
