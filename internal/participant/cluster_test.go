package participant_test

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zab/internal/election"
	"zab/internal/participant"
	"zab/internal/persistence"
	"zab/internal/statemachine"
	"zab/internal/transport"
	"zab/internal/zabtypes"
)

const (
	testTimeout = 400 * time.Millisecond
	waitFor     = 20 * time.Second
	tick        = 20 * time.Millisecond
)

type node struct {
	id      zabtypes.ServerID
	dir     string
	sm      *statemachine.Recorder
	persist *persistence.Persistence
	part    *participant.Participant
	cancel  context.CancelFunc
	done    chan error
}

// harness wires a full in-process ensemble: one memory transport registry,
// one shared static oracle, and a participant per server id, each with its
// own logdir.
type harness struct {
	t      *testing.T
	reg    *transport.Registry
	oracle *election.Static
	base   string
	peers  []zabtypes.ServerID
	nodes  map[zabtypes.ServerID]*node
}

func newHarness(t *testing.T, initialLeader zabtypes.ServerID, peers ...zabtypes.ServerID) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		reg:    transport.NewRegistry(),
		oracle: election.NewStatic(initialLeader),
		base:   t.TempDir(),
		peers:  peers,
		nodes:  make(map[zabtypes.ServerID]*node),
	}
	t.Cleanup(h.stopAll)
	return h
}

func (h *harness) start(id zabtypes.ServerID) *node {
	h.t.Helper()

	persist, err := persistence.Open(filepath.Join(h.base, string(id)))
	require.NoError(h.t, err)

	trans := h.reg.NewPeer(id, 1024)
	h.reg.Restore(id)
	sm := statemachine.NewRecorder()

	part := participant.New(participant.Config{
		Timeout:          testTimeout,
		SyncMaxBatchSize: 100,
		QueueSize:        1024,
		Peers:            h.peers,
	}, persist, trans, h.oracle, sm)

	ctx, cancel := context.WithCancel(context.Background())
	n := &node{
		id:      id,
		dir:     filepath.Join(h.base, string(id)),
		sm:      sm,
		persist: persist,
		part:    part,
		cancel:  cancel,
		done:    make(chan error, 1),
	}
	go func() { n.done <- part.Run(ctx) }()
	h.nodes[id] = n
	return n
}

// crash takes the node down the way a dying process would: peers get a
// disconnect notification, the participant is cancelled, persistence is
// released for a later restart.
func (h *harness) crash(id zabtypes.ServerID) {
	h.t.Helper()
	n, ok := h.nodes[id]
	if !ok {
		return
	}
	delete(h.nodes, id)

	h.reg.Crash(id)
	n.cancel()
	select {
	case <-n.done:
	case <-time.After(waitFor):
		h.t.Fatalf("node %s did not stop", id)
	}
	require.NoError(h.t, n.persist.Close())
}

func (h *harness) stopAll() {
	for id := range h.nodes {
		h.crash(id)
	}
}

func (h *harness) awaitBroadcasting(ids ...zabtypes.ServerID) {
	h.t.Helper()
	for _, id := range ids {
		n := h.nodes[id]
		require.Eventually(h.t, n.part.Ready, waitFor, tick,
			"node %s never reached broadcasting", id)
	}
}

func (h *harness) awaitDelivered(id zabtypes.ServerID, want ...string) {
	h.t.Helper()
	n := h.nodes[id]
	require.Eventually(h.t, func() bool {
		return reflect.DeepEqual(bodies(n.sm), want)
	}, waitFor, tick, "node %s delivered %v, want %v", id, bodies(n.sm), want)
}

func bodies(sm *statemachine.Recorder) []string {
	txns := sm.Delivered()
	out := make([]string, 0, len(txns))
	for _, txn := range txns {
		out = append(out, string(txn.Body))
	}
	return out
}

func logZxids(t *testing.T, n *node) []zabtypes.Zxid {
	t.Helper()
	var out []zabtypes.Zxid
	it := n.persist.Log().Iterate(zabtypes.ZxidNull)
	for {
		txn, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, txn.Zxid)
	}
}

func zx(e uint32, c uint64) zabtypes.Zxid { return zabtypes.Zxid{Epoch: e, Counter: c} }

func TestThreeNodeHappyPath(t *testing.T) {
	h := newHarness(t, "s1", "s1", "s2", "s3")
	h.start("s1")
	h.start("s2")
	h.start("s3")
	h.awaitBroadcasting("s1", "s2", "s3")

	require.Equal(t, zabtypes.RoleLeading, h.nodes["s1"].part.Role())
	require.Equal(t, zabtypes.RoleFollowing, h.nodes["s2"].part.Role())

	require.NoError(t, h.nodes["s1"].part.Send([]byte("x")))

	for _, id := range []zabtypes.ServerID{"s1", "s2", "s3"} {
		h.awaitDelivered(id, "x")
		require.Equal(t, zx(1, 1), h.nodes[id].sm.Watermark())
		require.Equal(t, []zabtypes.Zxid{zx(1, 1)}, logZxids(t, h.nodes[id]))
	}
}

func TestFollowerCrashCatchesUpWithDiff(t *testing.T) {
	h := newHarness(t, "s1", "s1", "s2", "s3")
	h.start("s1")
	h.start("s2")
	h.start("s3")
	h.awaitBroadcasting("s1", "s2", "s3")

	require.NoError(t, h.nodes["s1"].part.Send([]byte("x")))
	h.awaitDelivered("s3", "x")

	h.crash("s3")

	require.NoError(t, h.nodes["s1"].part.Send([]byte("y")))
	h.awaitDelivered("s1", "x", "y")
	h.awaitDelivered("s2", "x", "y")

	h.start("s3")
	h.awaitDelivered("s3", "x", "y")
	require.Equal(t, []zabtypes.Zxid{zx(1, 1), zx(1, 2)}, logZxids(t, h.nodes["s3"]))
}

func TestLeaderCrashEstablishesNewEpoch(t *testing.T) {
	h := newHarness(t, "s1", "s1", "s2", "s3")
	h.start("s1")
	h.start("s2")
	h.start("s3")
	h.awaitBroadcasting("s1", "s2", "s3")

	require.NoError(t, h.nodes["s1"].part.Send([]byte("x")))
	h.awaitDelivered("s2", "x")
	h.awaitDelivered("s3", "x")

	h.crash("s1")
	h.oracle.Elect("s2")

	require.Eventually(t, func() bool {
		return h.nodes["s2"].part.Ready() && h.nodes["s2"].part.Role() == zabtypes.RoleLeading
	}, waitFor, tick, "s2 never took over")
	h.awaitBroadcasting("s3")

	require.NoError(t, h.nodes["s2"].part.Send([]byte("z")))
	h.awaitDelivered("s2", "x", "z")
	h.awaitDelivered("s3", "x", "z")
	require.Equal(t, zx(2, 1), h.nodes["s2"].sm.Watermark())
}

func TestDivergentSuffixIsTruncated(t *testing.T) {
	h := newHarness(t, "s1", "s1", "s2", "s3")
	h.start("s1")
	h.start("s2")
	h.start("s3")
	h.awaitBroadcasting("s1", "s2", "s3")

	require.NoError(t, h.nodes["s1"].part.Send([]byte("x")))
	h.awaitDelivered("s2", "x")
	h.awaitDelivered("s3", "x")

	s1dir := h.nodes["s1"].dir
	h.crash("s1")

	// Plant a suffix only the dead leader has, as if it proposed (1,2)
	// without reaching a quorum before dying.
	p, err := persistence.Open(s1dir)
	require.NoError(t, err)
	require.NoError(t, p.Log().Append(zabtypes.Transaction{Zxid: zx(1, 2), Body: []byte("ghost")}))
	require.NoError(t, p.Log().Sync())
	require.NoError(t, p.Close())

	h.oracle.Elect("s2")
	require.Eventually(t, func() bool {
		return h.nodes["s2"].part.Ready() && h.nodes["s2"].part.Role() == zabtypes.RoleLeading
	}, waitFor, tick, "s2 never took over")

	require.NoError(t, h.nodes["s2"].part.Send([]byte("z")))
	h.awaitDelivered("s2", "x", "z")
	h.awaitDelivered("s3", "x", "z")

	h.start("s1")
	h.awaitDelivered("s1", "x", "z")

	// The divergent (1,2) was truncated away and never delivered anywhere.
	require.Equal(t, []zabtypes.Zxid{zx(1, 1), zx(2, 1)}, logZxids(t, h.nodes["s1"]))
	for _, id := range []zabtypes.ServerID{"s1", "s2", "s3"} {
		require.NotContains(t, bodies(h.nodes[id].sm), "ghost")
	}
}

func TestSilentLeaderTriggersTimeoutAndReelection(t *testing.T) {
	h := newHarness(t, "s1", "s1", "s2", "s3")
	h.start("s1")
	h.start("s2")
	h.start("s3")
	h.awaitBroadcasting("s1", "s2", "s3")

	// Freeze the leader's links without disconnect notifications; only
	// heartbeat timeouts can notice.
	h.reg.PartitionSilent("s1", "s2")
	h.reg.PartitionSilent("s1", "s3")
	h.oracle.Elect("s2")

	require.Eventually(t, func() bool {
		return h.nodes["s2"].part.Ready() && h.nodes["s2"].part.Role() == zabtypes.RoleLeading
	}, waitFor, tick, "s2 never took over")
	h.awaitBroadcasting("s3")

	require.Eventually(t, func() bool {
		return !h.nodes["s1"].part.Ready()
	}, waitFor, tick, "isolated s1 kept broadcasting past the timeout window")
}

func TestRequestForwardedThroughFollower(t *testing.T) {
	h := newHarness(t, "s1", "s1", "s2", "s3")
	h.start("s1")
	h.start("s2")
	h.start("s3")
	h.awaitBroadcasting("s1", "s2", "s3")

	require.NoError(t, h.nodes["s2"].part.Send([]byte("via-follower")))

	for _, id := range []zabtypes.ServerID{"s1", "s2", "s3"} {
		h.awaitDelivered(id, "via-follower")
	}
}

func TestJoinSynchronizesUninitializedReplica(t *testing.T) {
	h := newHarness(t, "s1", "s1", "s2", "s3")
	h.start("s1")
	h.start("s2")
	h.start("s3")
	h.awaitBroadcasting("s1", "s2", "s3")

	require.NoError(t, h.nodes["s1"].part.Send([]byte("x")))
	h.awaitDelivered("s2", "x")

	persist, err := persistence.Open(filepath.Join(h.base, "s4"))
	require.NoError(t, err)
	trans := h.reg.NewPeer("s4", 1024)
	sm := statemachine.NewRecorder()
	part := participant.New(participant.Config{
		Timeout:          testTimeout,
		SyncMaxBatchSize: 100,
		QueueSize:        1024,
	}, persist, trans, h.oracle, sm)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	// Joining through a follower locates the leader via QUERY_LEADER.
	go func() { done <- part.Join(ctx, "s2") }()
	t.Cleanup(func() {
		cancel()
		<-done
		persist.Close()
	})

	require.Eventually(t, func() bool {
		return reflect.DeepEqual(bodies(sm), []string{"x"})
	}, waitFor, tick, "joiner never caught up: %v", bodies(sm))
	require.Eventually(t, part.Ready, waitFor, tick)

	_, ok := persist.GetLastSeenConfig()
	require.True(t, ok, "join must record the cluster configuration")
}

func TestJoinFailsWithoutPriorConfiguration(t *testing.T) {
	h := newHarness(t, "s1", "s1", "s2", "s3")

	persist, err := persistence.Open(filepath.Join(h.base, "s9"))
	require.NoError(t, err)
	defer persist.Close()
	trans := h.reg.NewPeer("s9", 16)

	part := participant.New(participant.Config{Timeout: testTimeout},
		persist, trans, h.oracle, statemachine.NewRecorder())

	err = part.Join(context.Background(), "nonexistent")
	require.True(t, errors.Is(err, zabtypes.ErrJoinFailure), "got %v", err)
}
