package participant

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zab/internal/metrics"
	"zab/internal/processor"
	"zab/internal/transport"
	"zab/internal/zabtypes"
)

type follower struct {
	p      *Participant
	leader zabtypes.ServerID
	gb     <-chan struct{}
	log    *slog.Logger
	pol    msgPolicy
}

// follow runs one full follower round against the elected leader:
// DISCOVERING (epoch negotiation), SYNCHRONIZING (log alignment and
// NEW_LEADER/COMMIT handshake), then the BROADCASTING accepting loop.
func (p *Participant) follow(ctx context.Context, leader zabtypes.ServerID, log *slog.Logger) error {
	f := &follower{
		p:      p,
		leader: leader,
		gb:     p.oracle.GoBack(),
		log:    log,
		pol:    msgPolicy{role: zabtypes.RoleFollowing, leader: leader},
	}
	defer p.trans.Clear(leader)

	p.setState(zabtypes.RoleFollowing, zabtypes.PhaseDiscovering, leader)
	if err := f.sendProposedEpoch(); err != nil {
		return err
	}
	if err := f.waitForNewEpoch(ctx); err != nil {
		return err
	}

	p.setState(zabtypes.RoleFollowing, zabtypes.PhaseSynchronizing, leader)
	if err := f.waitForSync(ctx); err != nil {
		return err
	}
	buffered, err := f.waitForCommit(ctx)
	if err != nil {
		return err
	}
	// Quiescent: f.p catches up to f.a.
	if err := p.persist.SetProposedEpoch(p.persist.GetAckEpoch()); err != nil {
		return err
	}
	p.deliverUndelivered()

	p.setState(zabtypes.RoleFollowing, zabtypes.PhaseBroadcasting, leader)
	return f.accepting(ctx, buffered)
}

// join synchronizes with a running cluster through one known member,
// skipping the discovery round: QUERY_LEADER locates the leader, JOIN asks
// it for a full synchronization.
func (p *Participant) join(ctx context.Context, peer zabtypes.ServerID, log *slog.Logger) error {
	pol := msgPolicy{role: zabtypes.RoleFollowing, leader: peer}
	if err := p.send(peer, transport.Message{Type: transport.QueryLeader}); err != nil {
		return fmt.Errorf("query leader via %s: %v: %w", peer, err, zabtypes.ErrBackToElection)
	}
	tup, err := p.getExpectedMessage(ctx, nil, pol, transport.QueryLeaderReply, peer)
	if err != nil {
		return err
	}
	leader := tup.Msg.LeaderID
	if leader == "" || leader == p.self {
		return fmt.Errorf("peer %s reported leader %q: %w", peer, leader, zabtypes.ErrBackToElection)
	}
	log.Debug("learned current leader", "leader", leader)

	f := &follower{
		p:      p,
		leader: leader,
		gb:     nil,
		log:    log,
		pol:    msgPolicy{role: zabtypes.RoleFollowing, leader: leader},
	}
	defer p.trans.Clear(leader)

	if err := p.send(leader, transport.Message{Type: transport.Join}); err != nil {
		return fmt.Errorf("join %s: %v: %w", leader, err, zabtypes.ErrBackToElection)
	}

	p.setState(zabtypes.RoleFollowing, zabtypes.PhaseSynchronizing, leader)
	if err := f.waitForSync(ctx); err != nil {
		return err
	}
	buffered, err := f.waitForCommit(ctx)
	if err != nil {
		return err
	}
	if err := p.persist.SetProposedEpoch(p.persist.GetAckEpoch()); err != nil {
		return err
	}
	p.deliverUndelivered()

	p.setState(zabtypes.RoleFollowing, zabtypes.PhaseBroadcasting, leader)
	return f.accepting(ctx, buffered)
}

// sendProposedEpoch opens DISCOVERING: (f.p, f.a, lastSeenConfig) to the
// elected leader.
func (f *follower) sendProposedEpoch() error {
	cfg, _ := f.p.persist.GetLastSeenConfig()
	msg := transport.Message{
		Type:             transport.ProposedEpoch,
		ProposedEpochVal: f.p.persist.GetProposedEpoch(),
		AckEpochVal:      f.p.persist.GetAckEpoch(),
		Config:           cfg,
	}
	if err := f.p.send(f.leader, msg); err != nil {
		return fmt.Errorf("send proposed epoch: %v: %w", err, zabtypes.ErrBackToElection)
	}
	return nil
}

// waitForNewEpoch completes DISCOVERING: NEW_EPOCH(e) must not regress
// below f.p; on success f.p = e and ACK_EPOCH(f.a, latestZxid) goes back.
func (f *follower) waitForNewEpoch(ctx context.Context) error {
	tup, err := f.p.getExpectedMessage(ctx, f.gb, f.pol, transport.NewEpoch, f.leader)
	if err != nil {
		return err
	}
	e := tup.Msg.NewEpochVal
	if e < f.p.persist.GetProposedEpoch() {
		return fmt.Errorf("new epoch %d below proposed epoch %d: %w",
			e, f.p.persist.GetProposedEpoch(), zabtypes.ErrProtocolViolation)
	}
	if err := f.p.persist.SetProposedEpoch(e); err != nil {
		return err
	}
	metrics.ProposedEpoch.Set(float64(e))
	f.log.Debug("received new epoch", "epoch", e)

	ack := transport.Message{
		Type:        transport.AckEpoch,
		AckEpochVal: f.p.persist.GetAckEpoch(),
		LastZxid:    f.p.persist.Log().LatestZxid(),
	}
	if err := f.p.send(f.leader, ack); err != nil {
		return fmt.Errorf("send ack epoch: %v: %w", err, zabtypes.ErrBackToElection)
	}
	return nil
}

// waitForSync applies the leader's synchronization payload: an optional
// PULL_TXN_REQ exchange if this follower owns the initial history, then a
// TRUNCATE / DIFF / SNAPSHOT directive, a stream of proposals appended in
// order, and finally NEW_LEADER(e), answered with ACK(latestZxid) after an
// fsync.
func (f *follower) waitForSync(ctx context.Context) error {
	for {
		tup, err := f.p.getMessage(ctx, f.gb, f.pol)
		if err != nil {
			return err
		}
		if tup.Source != f.leader {
			f.log.Debug("ignoring non-leader message during sync", "source", tup.Source, "type", tup.Msg.Type)
			continue
		}

		switch tup.Msg.Type {
		case transport.PullTxnReq:
			if err := f.servePull(tup.Msg.LastZxid); err != nil {
				return err
			}
		case transport.Truncate:
			metrics.SyncStrategiesTotal.WithLabelValues("truncate").Inc()
			f.log.Info("truncating divergent suffix", "to", tup.Msg.TruncateZxid)
			if err := f.p.persist.Log().Truncate(tup.Msg.TruncateZxid); err != nil {
				return fmt.Errorf("truncate to %s: %v: %w", tup.Msg.TruncateZxid, err, zabtypes.ErrProtocolViolation)
			}
			return f.applyProposalStream(ctx)
		case transport.Diff:
			metrics.SyncStrategiesTotal.WithLabelValues("diff").Inc()
			return f.applyProposalStream(ctx)
		case transport.Snapshot:
			metrics.SyncStrategiesTotal.WithLabelValues("snapshot").Inc()
			f.log.Info("installing snapshot", "watermark", tup.Msg.LastZxid)
			if err := f.p.sm.Restore(tup.Msg.SnapshotData); err != nil {
				return fmt.Errorf("restore snapshot: %w", err)
			}
			if err := f.p.persist.Log().Truncate(zabtypes.ZxidNull); err != nil {
				return err
			}
			f.p.setLastDelivered(tup.Msg.LastZxid)
			return f.applyProposalStream(ctx)
		case transport.NewLeader:
			// Leader and follower already agree; no payload needed.
			return f.finishSync(tup.Msg)
		case transport.Heartbeat:
			f.replyHeartbeat(tup.Source)
		default:
			f.log.Debug("ignoring message while waiting for sync directive", "type", tup.Msg.Type)
		}
	}
}

// servePull streams this follower's log tail to the leader, which selected
// it as the initial-history owner.
func (f *follower) servePull(from zabtypes.Zxid) error {
	f.log.Info("serving history pull", "from", from)
	it := f.p.persist.Log().Iterate(zabtypes.ZxidNull)
	for {
		txn, ok := it.Next()
		if !ok {
			break
		}
		if !txn.Zxid.Greater(from) {
			continue
		}
		if err := f.p.send(f.leader, transport.Message{Type: transport.Proposal, Txn: txn}); err != nil {
			return fmt.Errorf("stream pulled txn: %v: %w", err, zabtypes.ErrBackToElection)
		}
	}
	msg := transport.Message{Type: transport.PullTxnEnd, LastZxid: f.p.persist.Log().LatestZxid()}
	if err := f.p.send(f.leader, msg); err != nil {
		return fmt.Errorf("finish history pull: %v: %w", err, zabtypes.ErrBackToElection)
	}
	return nil
}

func (f *follower) applyProposalStream(ctx context.Context) error {
	for {
		tup, err := f.p.getMessage(ctx, f.gb, f.pol)
		if err != nil {
			return err
		}
		if tup.Source != f.leader {
			continue
		}
		switch tup.Msg.Type {
		case transport.Proposal:
			if err := f.p.persist.Log().Append(tup.Msg.Txn); err != nil {
				return fmt.Errorf("append sync proposal %s: %v: %w", tup.Msg.Txn.Zxid, err, zabtypes.ErrProtocolViolation)
			}
		case transport.NewLeader:
			return f.finishSync(tup.Msg)
		case transport.Heartbeat:
			f.replyHeartbeat(tup.Source)
		default:
			f.log.Debug("ignoring message during sync stream", "type", tup.Msg.Type)
		}
	}
}

// finishSync handles NEW_LEADER(e): fsync the aligned log, persist f.a = e
// and the leader's configuration, then ACK with the latest zxid.
func (f *follower) finishSync(msg transport.Message) error {
	p := f.p
	if err := p.persist.Log().Sync(); err != nil {
		return err
	}
	if err := p.persist.SetAckEpoch(msg.NewEpochVal); err != nil {
		return err
	}
	metrics.AckEpoch.Set(float64(msg.NewEpochVal))
	if !msg.Config.IsZero() {
		if err := p.persist.SetLastSeenConfig(msg.Config); err != nil {
			return err
		}
	}
	ack := transport.Message{Type: transport.Ack, Zxid: p.persist.Log().LatestZxid()}
	if err := p.send(f.leader, ack); err != nil {
		return fmt.Errorf("ack new leader: %v: %w", err, zabtypes.ErrBackToElection)
	}
	f.log.Debug("acked new leader", "epoch", msg.NewEpochVal, "lastZxid", ack.Zxid)
	return nil
}

// waitForCommit waits for the synchronization COMMIT whose zxid must match
// the local latest zxid. Proposals and commits for later transactions that
// race in behind NEW_LEADER (the leader may already be broadcasting) are
// buffered and replayed once the accepting loop's processors are up.
func (f *follower) waitForCommit(ctx context.Context) ([]transport.MessageTuple, error) {
	latest := f.p.persist.Log().LatestZxid()
	var buffered []transport.MessageTuple
	for {
		tup, err := f.p.getMessage(ctx, f.gb, f.pol)
		if err != nil {
			return nil, err
		}
		if tup.Source != f.leader {
			continue
		}
		switch tup.Msg.Type {
		case transport.Commit:
			z := tup.Msg.Zxid
			switch {
			case z == latest:
				return buffered, nil
			case z.Greater(latest):
				buffered = append(buffered, tup)
			case logContains(f.p.persist.Log(), z):
				// A live commit for an entry the sync payload already
				// carried; delivery happens from the log once the
				// sync commit lands.
				f.log.Debug("ignoring live commit during sync", "zxid", z)
			default:
				return nil, fmt.Errorf("sync commit %s does not match latest %s: %w", z, latest, zabtypes.ErrProtocolViolation)
			}
		case transport.Proposal:
			buffered = append(buffered, tup)
		case transport.Heartbeat:
			f.replyHeartbeat(tup.Source)
		default:
			f.log.Debug("ignoring message while waiting for sync commit", "type", tup.Msg.Type)
		}
	}
}

// accepting is the follower's BROADCASTING loop: proposals fan into the
// sync and commit processors, commits into the commit processor, and
// heartbeats keep the leader observably alive. Any exit tears the
// processors down, drains in-flight work and republishes lastDelivered.
func (f *follower) accepting(ctx context.Context, buffered []transport.MessageTuple) error {
	p := f.p
	ackEpoch := p.persist.GetAckEpoch()
	cfg, _ := p.persist.GetLastSeenConfig()
	p.sm.ClusterChange(cfg.PeerList())
	p.sm.Following(f.leader)

	sp := processor.NewSyncProposalProcessor(p.persist.Log(), func(z zabtypes.Zxid) {
		if err := p.send(f.leader, transport.Message{Type: transport.Ack, Zxid: z}); err != nil {
			slog.Warn("ack send failed", "leader", f.leader, "error", err)
		}
	}, p.cfg.SyncMaxBatchSize, p.cfg.QueueSize)
	cp := processor.NewCommitProcessor(p.sm, p.LastDelivered(), p.cfg.QueueSize)
	sp.Start()
	cp.Start()
	stopSender := p.startRequestSender(f.leader)
	defer func() {
		stopSender()
		sp.Shutdown()
		p.setLastDelivered(cp.Shutdown())
	}()

	handle := func(tup transport.MessageTuple) error {
		switch tup.Msg.Type {
		case transport.Proposal:
			txn := tup.Msg.Txn
			if txn.Zxid.Epoch != ackEpoch {
				return fmt.Errorf("proposal epoch %d, ack epoch %d: %w", txn.Zxid.Epoch, ackEpoch, zabtypes.ErrProtocolViolation)
			}
			sp.Propose(txn)
			cp.Propose(txn)
		case transport.Commit:
			cp.Commit(tup.Msg.Zxid)
		case transport.Heartbeat:
			f.replyHeartbeat(tup.Source)
		case transport.ShutDown:
			return fmt.Errorf("told to shut down by %s: %w", tup.Source, zabtypes.ErrLeftCluster)
		default:
			f.log.Warn("unexpected message in accepting loop", "type", tup.Msg.Type, "source", tup.Source)
		}
		return nil
	}

	for _, tup := range buffered {
		if err := handle(tup); err != nil {
			return err
		}
	}

	lastHeartbeat := time.Now()
	for {
		tup, err := p.getMessage(ctx, f.gb, f.pol)
		if err != nil {
			return err
		}
		if tup.Msg.Type == transport.QueryLeader {
			reply := transport.Message{Type: transport.QueryLeaderReply, LeaderID: f.leader}
			if err := p.send(tup.Source, reply); err != nil {
				f.log.Debug("query leader reply failed", "to", tup.Source, "error", err)
			}
			continue
		}
		if tup.Source == f.leader {
			lastHeartbeat = time.Now()
		} else {
			if time.Since(lastHeartbeat) >= p.cfg.Timeout {
				return fmt.Errorf("no leader heartbeat within %v: %w", p.cfg.Timeout, zabtypes.ErrTimeout)
			}
			if tup.Source != p.self {
				f.log.Debug("ignoring message from non-leader", "source", tup.Source, "type", tup.Msg.Type)
				continue
			}
		}
		if err := handle(tup); err != nil {
			return err
		}
	}
}

func (f *follower) replyHeartbeat(to zabtypes.ServerID) {
	metrics.HeartbeatsTotal.WithLabelValues("received").Inc()
	if err := f.p.send(to, transport.Message{Type: transport.Heartbeat}); err != nil {
		f.log.Debug("heartbeat reply failed", "to", to, "error", err)
	}
	metrics.HeartbeatsTotal.WithLabelValues("sent").Inc()
}
