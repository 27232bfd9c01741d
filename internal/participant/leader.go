package participant

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zab/internal/metrics"
	"zab/internal/processor"
	"zab/internal/quorum"
	"zab/internal/transport"
	"zab/internal/zabtypes"
)

type followerInfo struct {
	ackEpoch uint32
	lastZxid zabtypes.Zxid
}

type leader struct {
	p     *Participant
	gb    <-chan struct{}
	log   *slog.Logger
	pol   msgPolicy
	epoch uint32

	// syncPoint is the latest zxid of the initial history; every follower
	// synchronized during this round acks exactly this zxid.
	syncPoint zabtypes.Zxid

	// active holds the followers currently in the broadcast fan-out with
	// their last-heard times. Guarded by mu because the AckProcessor's
	// commit callback broadcasts from processor goroutines.
	mu     sync.Mutex
	active map[zabtypes.ServerID]time.Time
}

// lead runs one full leader round: epoch discovery against a quorum, log
// synchronization of every responder, then the BROADCASTING accepting loop
// with the proposal pipeline.
func (p *Participant) lead(ctx context.Context, log *slog.Logger) error {
	l := &leader{
		p:   p,
		gb:  p.oracle.GoBack(),
		log: log,
		pol: msgPolicy{role: zabtypes.RoleLeading, leader: p.self},
	}

	cfg, ok := p.persist.GetLastSeenConfig()
	if !ok {
		return fmt.Errorf("no cluster configuration to lead with: %w", zabtypes.ErrBackToElection)
	}

	p.setState(zabtypes.RoleLeading, zabtypes.PhaseDiscovering, p.self)
	acks, cfg, err := l.discover(ctx, cfg)
	if err != nil {
		return err
	}

	p.setState(zabtypes.RoleLeading, zabtypes.PhaseSynchronizing, p.self)
	synced, syncing, err := l.synchronize(ctx, cfg, acks)
	if err != nil {
		return err
	}

	p.setState(zabtypes.RoleLeading, zabtypes.PhaseBroadcasting, p.self)
	return l.accepting(ctx, cfg, synced, syncing)
}

// discover collects PROPOSED_EPOCH from a quorum (self included), proposes
// e' = max(f.p) + 1, and gathers ACK_EPOCH from a quorum of responders.
func (l *leader) discover(ctx context.Context, cfg zabtypes.ClusterConfig) (map[zabtypes.ServerID]followerInfo, zabtypes.ClusterConfig, error) {
	p := l.p

	proposed := map[zabtypes.ServerID]uint32{p.self: p.persist.GetProposedEpoch()}
	pol := l.pol
	pol.onDisconnect = func(peer zabtypes.ServerID) error {
		delete(proposed, peer)
		p.trans.Clear(peer)
		return nil
	}

	for !quorum.HasQuorum(cfg, memberSet(proposed)) {
		tup, err := p.getMessage(ctx, l.gb, pol)
		if err != nil {
			return nil, cfg, err
		}
		switch tup.Msg.Type {
		case transport.ProposedEpoch:
			proposed[tup.Source] = tup.Msg.ProposedEpochVal
			// A responder may carry a more recent membership than we
			// recovered with.
			if !tup.Msg.Config.IsZero() && cfg.Version.Less(tup.Msg.Config.Version) {
				if err := p.persist.SetLastSeenConfig(tup.Msg.Config); err != nil {
					return nil, cfg, err
				}
				cfg = tup.Msg.Config
			}
		default:
			l.log.Debug("ignoring message while collecting proposed epochs", "type", tup.Msg.Type, "source", tup.Source)
		}
	}

	var maxEpoch uint32
	for _, e := range proposed {
		if e > maxEpoch {
			maxEpoch = e
		}
	}
	l.epoch = maxEpoch + 1
	if err := p.persist.SetProposedEpoch(l.epoch); err != nil {
		return nil, cfg, err
	}
	metrics.ProposedEpoch.Set(float64(l.epoch))
	l.log.Info("established new epoch", "epoch", l.epoch, "responders", len(proposed))

	for id := range proposed {
		if id == p.self {
			continue
		}
		if err := p.send(id, transport.Message{Type: transport.NewEpoch, NewEpochVal: l.epoch}); err != nil {
			l.log.Warn("failed to send new epoch", "to", id, "error", err)
		}
	}

	acked := make(map[zabtypes.ServerID]followerInfo)
	pol.onDisconnect = func(peer zabtypes.ServerID) error {
		delete(acked, peer)
		p.trans.Clear(peer)
		return nil
	}
	for !quorum.HasQuorum(cfg, withSelf(memberSet(acked), p.self)) {
		tup, err := p.getMessage(ctx, l.gb, pol)
		if err != nil {
			return nil, cfg, err
		}
		switch tup.Msg.Type {
		case transport.AckEpoch:
			acked[tup.Source] = followerInfo{ackEpoch: tup.Msg.AckEpochVal, lastZxid: tup.Msg.LastZxid}
		case transport.ProposedEpoch:
			// Straggler joining the round late; admit it with the
			// epoch already established.
			if err := p.send(tup.Source, transport.Message{Type: transport.NewEpoch, NewEpochVal: l.epoch}); err != nil {
				l.log.Debug("failed to admit straggler", "to", tup.Source, "error", err)
			}
		default:
			l.log.Debug("ignoring message while collecting epoch acks", "type", tup.Msg.Type, "source", tup.Source)
		}
	}
	return acked, cfg, nil
}

// synchronize establishes the initial history (pulling it from the owner if
// that is not self), aligns every responder with a per-follower strategy,
// and commits once a quorum has ACKed NEW_LEADER. Returns the responders
// that already got their COMMIT and those still owing their sync ACK.
func (l *leader) synchronize(ctx context.Context, cfg zabtypes.ClusterConfig, acks map[zabtypes.ServerID]followerInfo) (map[zabtypes.ServerID]struct{}, map[zabtypes.ServerID]zabtypes.Zxid, error) {
	p := l.p
	wlog := p.persist.Log()

	cands := []quorum.Candidate{{ID: p.self, AckEpoch: p.persist.GetAckEpoch(), LastZxid: wlog.LatestZxid()}}
	for id, info := range acks {
		cands = append(cands, quorum.Candidate{ID: id, AckEpoch: info.ackEpoch, LastZxid: info.lastZxid})
	}
	owner := quorum.SelectInitialHistoryOwner(cands)
	l.log.Info("initial history owner", "owner", owner.ID, "ackEpoch", owner.AckEpoch, "lastZxid", owner.LastZxid)

	if owner.ID != p.self {
		if err := l.pullHistory(ctx, owner.ID); err != nil {
			return nil, nil, err
		}
	}

	if err := p.persist.SetAckEpoch(l.epoch); err != nil {
		return nil, nil, err
	}
	metrics.AckEpoch.Set(float64(l.epoch))
	if err := wlog.Sync(); err != nil {
		return nil, nil, err
	}
	l.syncPoint = wlog.LatestZxid()

	for id, info := range acks {
		if err := l.syncFollower(id, info.lastZxid, cfg); err != nil {
			l.log.Warn("failed to sync follower", "follower", id, "error", err)
		}
	}

	synced := make(map[zabtypes.ServerID]struct{})
	pol := l.pol
	pol.onDisconnect = func(peer zabtypes.ServerID) error {
		delete(synced, peer)
		delete(acks, peer)
		p.trans.Clear(peer)
		return nil
	}
	for !quorum.HasQuorum(cfg, withSelf(memberSet(synced), p.self)) {
		tup, err := p.getMessage(ctx, l.gb, pol)
		if err != nil {
			return nil, nil, err
		}
		switch tup.Msg.Type {
		case transport.Ack:
			if _, ok := acks[tup.Source]; !ok {
				continue
			}
			if tup.Msg.Zxid != l.syncPoint {
				l.log.Warn("sync ack does not match sync point", "source", tup.Source, "zxid", tup.Msg.Zxid, "syncPoint", l.syncPoint)
				continue
			}
			synced[tup.Source] = struct{}{}
		case transport.AckEpoch:
			// A responder admitted late in discovery; sync it now so it
			// doesn't burn a timeout round.
			if _, ok := acks[tup.Source]; ok {
				continue
			}
			acks[tup.Source] = followerInfo{ackEpoch: tup.Msg.AckEpochVal, lastZxid: tup.Msg.LastZxid}
			if err := l.syncFollower(tup.Source, tup.Msg.LastZxid, cfg); err != nil {
				l.log.Warn("failed to sync straggler", "follower", tup.Source, "error", err)
			}
		default:
			l.log.Debug("ignoring message while collecting sync acks", "type", tup.Msg.Type, "source", tup.Source)
		}
	}

	for id := range synced {
		if err := p.send(id, transport.Message{Type: transport.Commit, Zxid: l.syncPoint}); err != nil {
			l.log.Warn("failed to send sync commit", "to", id, "error", err)
		}
	}

	// Local commit: f.p is already e', deliver the initial history.
	p.deliverUndelivered()

	syncing := make(map[zabtypes.ServerID]zabtypes.Zxid)
	for id := range acks {
		if _, ok := synced[id]; !ok {
			syncing[id] = l.syncPoint
		}
	}
	return synced, syncing, nil
}

// pullHistory adopts the initial-history owner's log tail before
// synchronizing anyone else.
func (l *leader) pullHistory(ctx context.Context, owner zabtypes.ServerID) error {
	p := l.p
	wlog := p.persist.Log()
	l.log.Info("pulling initial history", "owner", owner, "from", wlog.LatestZxid())

	req := transport.Message{Type: transport.PullTxnReq, LastZxid: wlog.LatestZxid()}
	if err := p.send(owner, req); err != nil {
		return fmt.Errorf("request history pull: %v: %w", err, zabtypes.ErrBackToElection)
	}

	for {
		tup, err := p.getMessage(ctx, l.gb, l.pol)
		if err != nil {
			return err
		}
		if tup.Source != owner {
			l.log.Debug("ignoring message during history pull", "source", tup.Source, "type", tup.Msg.Type)
			continue
		}
		switch tup.Msg.Type {
		case transport.Proposal:
			if err := wlog.Append(tup.Msg.Txn); err != nil {
				return fmt.Errorf("append pulled txn %s: %v: %w", tup.Msg.Txn.Zxid, err, zabtypes.ErrProtocolViolation)
			}
		case transport.PullTxnEnd:
			return wlog.Sync()
		default:
			l.log.Debug("ignoring message during history pull", "source", tup.Source, "type", tup.Msg.Type)
		}
	}
}

// syncFollower picks the DIFF / TRUNCATE / SNAPSHOT strategy for one
// follower from its last zxid, streams the payload, and closes with
// NEW_LEADER carrying the current configuration.
func (l *leader) syncFollower(id zabtypes.ServerID, fLast zabtypes.Zxid, cfg zabtypes.ClusterConfig) error {
	p := l.p
	wlog := p.persist.Log()

	var from zabtypes.Zxid
	switch {
	case fLast.IsNull() || logContains(wlog, fLast):
		// The follower's history is a prefix of ours.
		metrics.SyncStrategiesTotal.WithLabelValues("diff").Inc()
		l.log.Debug("syncing follower with diff", "follower", id, "from", fLast)
		if err := p.send(id, transport.Message{Type: transport.Diff, LastZxid: fLast}); err != nil {
			return err
		}
		from = fLast
	case precedesLog(wlog, fLast):
		// The range the follower needs is no longer retained.
		metrics.SyncStrategiesTotal.WithLabelValues("snapshot").Inc()
		data, err := p.sm.Save()
		if err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
		watermark := p.LastDelivered()
		l.log.Info("syncing follower with snapshot", "follower", id, "watermark", watermark)
		msg := transport.Message{Type: transport.Snapshot, SnapshotData: data, LastZxid: watermark}
		if err := p.send(id, msg); err != nil {
			return err
		}
		from = watermark
	default:
		// Divergent suffix: cut back to the closest common ancestor.
		t := greatestAtMost(wlog, fLast)
		metrics.SyncStrategiesTotal.WithLabelValues("truncate").Inc()
		l.log.Info("syncing follower with truncate", "follower", id, "follower_last", fLast, "truncate_to", t)
		if err := p.send(id, transport.Message{Type: transport.Truncate, TruncateZxid: t}); err != nil {
			return err
		}
		from = t
	}

	it := wlog.Iterate(zabtypes.ZxidNull)
	for {
		txn, ok := it.Next()
		if !ok {
			break
		}
		if !txn.Zxid.Greater(from) {
			continue
		}
		if err := p.send(id, transport.Message{Type: transport.Proposal, Txn: txn}); err != nil {
			return err
		}
	}

	nl := transport.Message{Type: transport.NewLeader, NewEpochVal: l.epoch, Config: cfg}
	return p.send(id, nl)
}

// accepting is the leader's BROADCASTING loop: client requests flow through
// the PreProcessor into the proposal fan-out, follower ACKs into the
// AckProcessor, and heartbeats at timeout/3 police follower liveness. The
// loop also admits late joiners without leaving BROADCASTING.
func (l *leader) accepting(ctx context.Context, cfg zabtypes.ClusterConfig, initial map[zabtypes.ServerID]struct{}, syncing map[zabtypes.ServerID]zabtypes.Zxid) error {
	p := l.p
	wlog := p.persist.Log()
	p.sm.ClusterChange(cfg.PeerList())
	p.sm.Leading(cfg.PeerList())

	now := time.Now()
	l.mu.Lock()
	l.active = make(map[zabtypes.ServerID]time.Time, len(initial)+len(syncing))
	for id := range initial {
		l.active[id] = now
	}
	for id := range syncing {
		l.active[id] = now
	}
	l.mu.Unlock()

	cp := processor.NewCommitProcessor(p.sm, p.LastDelivered(), p.cfg.QueueSize)
	ap := processor.NewAckProcessor(func() zabtypes.ClusterConfig {
		c, _ := p.persist.GetLastSeenConfig()
		return c
	}, func(z zabtypes.Zxid) {
		metrics.CommitsTotal.Inc()
		cp.Commit(z)
		l.broadcast(transport.Message{Type: transport.Commit, Zxid: z})
	})
	sp := processor.NewSyncProposalProcessor(wlog, func(z zabtypes.Zxid) {
		ap.Ack(z, p.self)
	}, p.cfg.SyncMaxBatchSize, p.cfg.QueueSize)

	var counter uint64
	if latest := wlog.LatestZxid(); latest.Epoch == l.epoch {
		counter = latest.Counter
	}
	pre := processor.NewPreProcessor(l.epoch, counter, func(txn zabtypes.Transaction) {
		metrics.ProposalsTotal.Inc()
		ap.Propose(txn.Zxid)
		l.broadcast(transport.Message{Type: transport.Proposal, Txn: txn})
		sp.Propose(txn)
		cp.Propose(txn)
	})

	cp.Start()
	sp.Start()
	stopSender := p.startRequestSender(p.self)
	defer func() {
		stopSender()
		sp.Shutdown()
		p.setLastDelivered(cp.Shutdown())
		l.mu.Lock()
		for id := range l.active {
			p.trans.Clear(id)
		}
		l.mu.Unlock()
	}()

	interval := p.cfg.Timeout / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return zabtypes.ErrCancelled
		case <-l.gb:
			return fmt.Errorf("oracle restarted the round: %w", zabtypes.ErrBackToElection)
		case <-ticker.C:
			if err := l.heartbeat(cfg); err != nil {
				return err
			}
		case tup := <-p.trans.Inbox():
			if tup.GoBack {
				return fmt.Errorf("go-back sentinel: %w", zabtypes.ErrBackToElection)
			}
			if tup.Disconnected {
				if err := l.dropFollower(tup.DisconnectedPeer, cfg, syncing, "disconnected"); err != nil {
					return err
				}
				continue
			}
			metrics.MessagesTotal.WithLabelValues(tup.Msg.Type.String()).Inc()
			if leaderOnlyMessage(tup.Msg.Type) {
				slog.Debug("got leader-role message while leading, clearing source", "source", tup.Source, "type", tup.Msg.Type)
				p.trans.Clear(tup.Source)
				continue
			}
			l.touch(tup.Source)
			if err := l.handle(tup, cfg, syncing, pre, ap, sp); err != nil {
				return err
			}
		}
	}
}

func (l *leader) handle(tup transport.MessageTuple, cfg zabtypes.ClusterConfig, syncing map[zabtypes.ServerID]zabtypes.Zxid, pre *processor.PreProcessor, ap *processor.AckProcessor, sp *processor.SyncProposalProcessor) error {
	p := l.p
	msg := tup.Msg
	src := tup.Source

	switch msg.Type {
	case transport.Request:
		pre.Submit(msg.ReqType, msg.ReqBody)
	case transport.Ack:
		if want, ok := syncing[src]; ok {
			if msg.Zxid != want {
				l.log.Warn("sync ack does not match sync point", "source", src, "zxid", msg.Zxid, "want", want)
				return nil
			}
			delete(syncing, src)
			if err := p.send(src, transport.Message{Type: transport.Commit, Zxid: want}); err != nil {
				l.log.Warn("failed to send sync commit", "to", src, "error", err)
			}
			l.log.Info("follower synchronized", "follower", src, "zxid", want)
			return nil
		}
		ap.Ack(msg.Zxid, src)
	case transport.Heartbeat:
		metrics.HeartbeatsTotal.WithLabelValues("received").Inc()
	case transport.QueryLeader:
		reply := transport.Message{Type: transport.QueryLeaderReply, LeaderID: p.self}
		if err := p.send(src, reply); err != nil {
			l.log.Debug("query leader reply failed", "to", src, "error", err)
		}
	case transport.ProposedEpoch:
		// A restarted replica re-running discovery against a running
		// leader: hand it the established epoch, its ACK_EPOCH will
		// trigger synchronization.
		l.log.Info("late joiner proposed epoch", "source", src)
		if err := p.send(src, transport.Message{Type: transport.NewEpoch, NewEpochVal: l.epoch}); err != nil {
			l.log.Debug("failed to answer late proposed epoch", "to", src, "error", err)
		}
	case transport.AckEpoch:
		l.admitFollower(src, msg.LastZxid, cfg, syncing, sp)
	case transport.Join:
		l.admitFollower(src, zabtypes.ZxidNull, cfg, syncing, sp)
	case transport.ShutDown:
		return fmt.Errorf("told to shut down by %s: %w", src, zabtypes.ErrLeftCluster)
	default:
		l.log.Warn("unexpected message in leader accepting loop", "type", msg.Type, "source", src)
	}
	return nil
}

// admitFollower synchronizes a late joiner mid-broadcast. The Flush barrier
// pins every proposal broadcast so far into the log, so the payload built
// from the log plus the live stream that follows NEW_LEADER covers the
// joiner with no gap.
func (l *leader) admitFollower(src zabtypes.ServerID, fLast zabtypes.Zxid, cfg zabtypes.ClusterConfig, syncing map[zabtypes.ServerID]zabtypes.Zxid, sp *processor.SyncProposalProcessor) {
	sp.Flush()
	if err := l.syncFollower(src, fLast, cfg); err != nil {
		l.log.Warn("failed to sync joiner", "follower", src, "error", err)
		return
	}
	syncing[src] = l.p.persist.Log().LatestZxid()
	l.mu.Lock()
	l.active[src] = time.Now()
	l.mu.Unlock()
}

// heartbeat emits HEARTBEAT to every active follower, expires the silent
// ones, and unwinds the round once the actives (self included) are no
// longer a quorum.
func (l *leader) heartbeat(cfg zabtypes.ClusterConfig) error {
	p := l.p
	now := time.Now()

	l.mu.Lock()
	for id, last := range l.active {
		if now.Sub(last) > p.cfg.Timeout {
			l.log.Warn("follower timed out", "follower", id, "silence", now.Sub(last))
			delete(l.active, id)
			p.trans.Clear(id)
			continue
		}
		if err := p.send(id, transport.Message{Type: transport.Heartbeat}); err != nil {
			l.log.Debug("heartbeat send failed", "to", id, "error", err)
		}
		metrics.HeartbeatsTotal.WithLabelValues("sent").Inc()
	}
	members := withSelf(memberSet(l.active), p.self)
	l.mu.Unlock()

	if !quorum.HasQuorum(cfg, members) {
		return fmt.Errorf("lost follower quorum: %w", zabtypes.ErrTimeout)
	}
	return nil
}

func (l *leader) dropFollower(peer zabtypes.ServerID, cfg zabtypes.ClusterConfig, syncing map[zabtypes.ServerID]zabtypes.Zxid, reason string) error {
	delete(syncing, peer)

	l.mu.Lock()
	_, was := l.active[peer]
	delete(l.active, peer)
	members := withSelf(memberSet(l.active), l.p.self)
	l.mu.Unlock()

	l.p.trans.Clear(peer)
	if was {
		l.log.Warn("lost follower", "follower", peer, "reason", reason)
	}
	if !quorum.HasQuorum(cfg, members) {
		return fmt.Errorf("lost follower quorum: %w", zabtypes.ErrBackToElection)
	}
	return nil
}

func (l *leader) touch(src zabtypes.ServerID) {
	l.mu.Lock()
	if _, ok := l.active[src]; ok {
		l.active[src] = time.Now()
	}
	l.mu.Unlock()
}

// broadcast sends msg to every active follower. Safe from any goroutine.
func (l *leader) broadcast(msg transport.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := range l.active {
		if err := l.p.send(id, msg); err != nil {
			slog.Debug("broadcast send failed", "to", id, "type", msg.Type, "error", err)
		}
	}
}

func memberSet[T any](m map[zabtypes.ServerID]T) map[zabtypes.ServerID]struct{} {
	out := make(map[zabtypes.ServerID]struct{}, len(m))
	for id := range m {
		out[id] = struct{}{}
	}
	return out
}

func withSelf(set map[zabtypes.ServerID]struct{}, self zabtypes.ServerID) map[zabtypes.ServerID]struct{} {
	set[self] = struct{}{}
	return set
}
