package quorum_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"zab/internal/quorum"
	"zab/internal/zabtypes"
)

func set(ids ...zabtypes.ServerID) map[zabtypes.ServerID]struct{} {
	out := make(map[zabtypes.ServerID]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func TestSizeIsStrictMajority(t *testing.T) {
	require.Equal(t, 1, quorum.Size(1))
	require.Equal(t, 2, quorum.Size(2))
	require.Equal(t, 2, quorum.Size(3))
	require.Equal(t, 3, quorum.Size(4))
	require.Equal(t, 3, quorum.Size(5))
}

func TestHasQuorumIgnoresNonMembers(t *testing.T) {
	cfg := zabtypes.NewClusterConfig(zabtypes.ZxidNull, []zabtypes.ServerID{"s1", "s2", "s3"})

	require.False(t, quorum.HasQuorum(cfg, set("s1")))
	require.True(t, quorum.HasQuorum(cfg, set("s1", "s2")))

	// Responders outside the configuration never count toward quorum.
	require.False(t, quorum.HasQuorum(cfg, set("s1", "s9", "s10")))
}

func TestSelectInitialHistoryOwner(t *testing.T) {
	z := func(e uint32, c uint64) zabtypes.Zxid { return zabtypes.Zxid{Epoch: e, Counter: c} }

	owner := quorum.SelectInitialHistoryOwner([]quorum.Candidate{
		{ID: "s1", AckEpoch: 2, LastZxid: z(2, 9)},
		{ID: "s2", AckEpoch: 3, LastZxid: z(3, 1)},
		{ID: "s3", AckEpoch: 2, LastZxid: z(2, 5)},
	})
	require.Equal(t, zabtypes.ServerID("s2"), owner.ID, "highest ack epoch wins")

	owner = quorum.SelectInitialHistoryOwner([]quorum.Candidate{
		{ID: "s1", AckEpoch: 2, LastZxid: z(2, 5)},
		{ID: "s2", AckEpoch: 2, LastZxid: z(2, 9)},
	})
	require.Equal(t, zabtypes.ServerID("s2"), owner.ID, "longer history breaks epoch tie")

	owner = quorum.SelectInitialHistoryOwner([]quorum.Candidate{
		{ID: "s3", AckEpoch: 2, LastZxid: z(2, 5)},
		{ID: "s1", AckEpoch: 2, LastZxid: z(2, 5)},
	})
	require.Equal(t, zabtypes.ServerID("s1"), owner.ID, "lowest id breaks full tie")
}
