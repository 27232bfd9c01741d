// Package participant implements the phase machine that drives a replica
// through ELECTING, DISCOVERING, SYNCHRONIZING and BROADCASTING, in leader
// or follower role. The participant owns its persistence and processors;
// everything else (transport, leader oracle, application state machine) is
// injected behind an interface.
package participant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v3"

	"zab/internal/election"
	"zab/internal/metrics"
	"zab/internal/persistence"
	"zab/internal/statemachine"
	"zab/internal/transport"
	"zab/internal/zabtypes"
)

// Config carries the participant's runtime knobs. Peers is the static
// ensemble used to bootstrap LastSeenConfig on a fresh logdir; once a
// configuration has been persisted it wins over Peers.
type Config struct {
	Timeout          time.Duration
	SyncMaxBatchSize int
	QueueSize        int
	Peers            []zabtypes.ServerID

	// LastDelivered is the zxid the application has already observed,
	// e.g. restored from its own snapshot. Nothing at or below it is
	// re-delivered.
	LastDelivered zabtypes.Zxid
}

type request struct {
	reqType uint32
	body    []byte
}

// Participant is one replica's driver. All phase transitions happen on the
// driver goroutine (Run or Join); processors run on their own goroutines
// and communicate through bounded queues only.
type Participant struct {
	cfg     Config
	self    zabtypes.ServerID
	persist *persistence.Persistence
	trans   transport.Transport
	oracle  election.Oracle
	sm      statemachine.StateMachine

	requests chan request

	mu            sync.Mutex
	role          zabtypes.Role
	phase         zabtypes.Phase
	electedLeader zabtypes.ServerID
	lastDelivered zabtypes.Zxid
}

func New(cfg Config, persist *persistence.Persistence, trans transport.Transport, oracle election.Oracle, sm statemachine.StateMachine) *Participant {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	return &Participant{
		cfg:           cfg,
		self:          trans.Self(),
		persist:       persist,
		trans:         trans,
		oracle:        oracle,
		sm:            sm,
		requests:      make(chan request, cfg.QueueSize),
		lastDelivered: cfg.LastDelivered,
	}
}

// Run drives the participant until it is cancelled, told to leave the
// cluster, or hits corrupted persistence. Timeout, protocol violations and
// lost leaders unwind to ELECTING and start a new round.
func (p *Participant) Run(ctx context.Context) error {
	if err := p.bootstrapConfig(); err != nil {
		return err
	}

	for {
		p.setState(zabtypes.RoleElecting, zabtypes.PhaseElecting, "")
		if ctx.Err() != nil {
			return zabtypes.ErrCancelled
		}

		leader, err := p.oracle.LeaderID()
		if err != nil {
			return fmt.Errorf("leader oracle: %w", err)
		}

		log := slog.With("round", shortuuid.New(), "self", p.self, "leader", leader)
		metrics.ElectionRoundsTotal.WithLabelValues(roleFor(leader == p.self).String()).Inc()

		start := time.Now()
		if leader == p.self {
			err = p.lead(ctx, log)
		} else {
			err = p.follow(ctx, leader, log)
		}

		if final, done := p.roundExit(err, log); done {
			return final
		}

		// A round that dies instantly (unreachable leader, missing
		// config) would otherwise spin hot against the same oracle
		// answer.
		if elapsed := time.Since(start); elapsed < p.cfg.Timeout/10 {
			select {
			case <-ctx.Done():
			case <-time.After(p.cfg.Timeout/10 - elapsed):
			}
		}
	}
}

// Join bootstraps an uninitialized replica into an existing cluster via
// peer, then keeps running like Run. A join that fails before any cluster
// configuration was ever recorded surfaces ErrJoinFailure to the caller;
// afterwards failures fall back to ELECTING like any other round.
func (p *Participant) Join(ctx context.Context, peer zabtypes.ServerID) error {
	log := slog.With("round", shortuuid.New(), "self", p.self, "join", peer)
	err := p.join(ctx, peer, log)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, zabtypes.ErrCancelled):
		return zabtypes.ErrCancelled
	case errors.Is(err, zabtypes.ErrLeftCluster),
		errors.Is(err, zabtypes.ErrPersistenceCorrupted):
		return err
	default:
		if _, ok := p.persist.GetLastSeenConfig(); !ok {
			log.Warn("join failed with no prior configuration", "error", err)
			return fmt.Errorf("%w: %v", zabtypes.ErrJoinFailure, err)
		}
		log.Debug("join round failed, falling back to election", "error", err)
		return p.Run(ctx)
	}
}

// roundExit classifies a round's error: (result, true) ends the
// participant, (_, false) restarts from ELECTING.
func (p *Participant) roundExit(err error, log *slog.Logger) (error, bool) {
	switch {
	case err == nil:
		return nil, true
	case errors.Is(err, zabtypes.ErrCancelled):
		log.Debug("participant cancelled")
		return zabtypes.ErrCancelled, true
	case errors.Is(err, zabtypes.ErrLeftCluster),
		errors.Is(err, zabtypes.ErrPersistenceCorrupted):
		p.logFatal(err)
		return err, true
	default:
		metrics.RoundFailuresTotal.WithLabelValues(errorKind(err)).Inc()
		log.Debug("phase restart", "error", err)
		return nil, false
	}
}

func (p *Participant) logFatal(err error) {
	p.mu.Lock()
	role, phase, last := p.role, p.phase, p.lastDelivered
	p.mu.Unlock()
	slog.Error("participant terminating",
		"error", err,
		"role", role,
		"phase", phase,
		"proposedEpoch", p.persist.GetProposedEpoch(),
		"ackEpoch", p.persist.GetAckEpoch(),
		"lastZxid", p.persist.Log().LatestZxid(),
		"lastDelivered", last,
	)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, zabtypes.ErrTimeout):
		return "timeout"
	case errors.Is(err, zabtypes.ErrBackToElection):
		return "back_to_election"
	case errors.Is(err, zabtypes.ErrProtocolViolation):
		return "protocol_violation"
	default:
		return "other"
	}
}

func roleFor(leading bool) zabtypes.Role {
	if leading {
		return zabtypes.RoleLeading
	}
	return zabtypes.RoleFollowing
}

// bootstrapConfig seeds LastSeenConfig from the static ensemble on a fresh
// logdir; a persisted configuration always wins.
func (p *Participant) bootstrapConfig() error {
	if _, ok := p.persist.GetLastSeenConfig(); ok || len(p.cfg.Peers) == 0 {
		return nil
	}
	cfg := zabtypes.NewClusterConfig(zabtypes.ZxidNull, p.cfg.Peers)
	if err := p.persist.SetLastSeenConfig(cfg); err != nil {
		return err
	}
	slog.Info("bootstrapped cluster configuration", "self", p.self, "peers", cfg.PeerList())
	return nil
}

// Send enqueues an opaque client request for replication. The request is
// forwarded to the current leader once the participant is broadcasting.
func (p *Participant) Send(body []byte) error {
	select {
	case p.requests <- request{reqType: zabtypes.TypeUserBase, body: body}:
		return nil
	default:
		return fmt.Errorf("participant %s: request queue full", p.self)
	}
}

// startRequestSender forwards queued client requests to leader (self, when
// leading, via the transport's loopback) until the returned stop function
// is called.
func (p *Participant) startRequestSender(leader zabtypes.ServerID) func() {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for {
			select {
			case <-done:
				return
			case req := <-p.requests:
				msg := transport.Message{Type: transport.Request, ReqType: req.reqType, ReqBody: req.body}
				if err := p.trans.Send(leader, msg); err != nil {
					slog.Warn("request forward failed", "leader", leader, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func (p *Participant) setState(role zabtypes.Role, phase zabtypes.Phase, leader zabtypes.ServerID) {
	p.mu.Lock()
	changed := p.phase != phase || p.role != role
	p.role, p.phase, p.electedLeader = role, phase, leader
	p.mu.Unlock()

	metrics.ParticipantPhase.Set(float64(phase))
	if role == zabtypes.RoleLeading {
		metrics.ParticipantIsLeader.Set(1)
	} else {
		metrics.ParticipantIsLeader.Set(0)
	}
	if changed {
		p.sm.StateChanged(phase)
	}
}

// Role reports the participant's current role.
func (p *Participant) Role() zabtypes.Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

// Phase reports the participant's current phase.
func (p *Participant) Phase() zabtypes.Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Leader reports the currently elected leader, or "" while electing.
func (p *Participant) Leader() zabtypes.ServerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.electedLeader
}

// Ready reports whether the participant is broadcasting, for readiness
// probes.
func (p *Participant) Ready() bool {
	return p.Phase() == zabtypes.PhaseBroadcasting
}

// LastDelivered reports the highest zxid handed to the state machine.
func (p *Participant) LastDelivered() zabtypes.Zxid {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastDelivered
}

func (p *Participant) setLastDelivered(z zabtypes.Zxid) {
	p.mu.Lock()
	if p.lastDelivered.Less(z) {
		p.lastDelivered = z
	}
	p.mu.Unlock()
}

// deliverUndelivered hands every log entry above the delivery watermark to
// the state machine, in zxid order. Called at the end of SYNCHRONIZING so
// the application is current before the accepting loop starts.
func (p *Participant) deliverUndelivered() {
	last := p.LastDelivered()
	it := p.persist.Log().Iterate(zabtypes.ZxidNull)
	for {
		txn, ok := it.Next()
		if !ok {
			break
		}
		if !txn.Zxid.Greater(last) {
			continue
		}
		metrics.DeliveredTotal.Inc()
		p.sm.Deliver(txn)
		last = txn.Zxid
	}
	p.setLastDelivered(last)
}

func (p *Participant) send(peer zabtypes.ServerID, msg transport.Message) error {
	return p.trans.Send(peer, msg)
}
