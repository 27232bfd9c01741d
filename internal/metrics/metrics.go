package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ParticipantPhase = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "zab",
		Subsystem: "participant",
		Name:      "phase",
		Help:      "Current phase (0=electing, 1=discovering, 2=synchronizing, 3=broadcasting)",
	})

	ParticipantIsLeader = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "zab",
		Subsystem: "participant",
		Name:      "is_leader",
		Help:      "Whether this participant is leading (1=leading, 0=otherwise)",
	})

	ProposedEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "zab",
		Subsystem: "participant",
		Name:      "proposed_epoch",
		Help:      "Highest epoch this replica has acknowledged in a NEW_EPOCH (f.p)",
	})

	AckEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "zab",
		Subsystem: "participant",
		Name:      "ack_epoch",
		Help:      "Highest epoch this replica has ACKed a NEW_LEADER for (f.a)",
	})

	ElectionRoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zab",
		Subsystem: "participant",
		Name:      "election_rounds_total",
		Help:      "Phase-machine rounds started, by role the oracle assigned",
	}, []string{"role"})

	RoundFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zab",
		Subsystem: "participant",
		Name:      "round_failures_total",
		Help:      "Rounds unwound to ELECTING, by error kind",
	}, []string{"kind"})

	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zab",
		Subsystem: "participant",
		Name:      "messages_total",
		Help:      "Protocol messages processed from the inbound queue",
	}, []string{"type"})

	HeartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zab",
		Subsystem: "participant",
		Name:      "heartbeats_total",
		Help:      "Heartbeats sent and received",
	}, []string{"direction"})

	ProposalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "zab",
		Subsystem: "broadcast",
		Name:      "proposals_total",
		Help:      "Proposals assigned a zxid by the PreProcessor",
	})

	CommitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "zab",
		Subsystem: "broadcast",
		Name:      "commits_total",
		Help:      "COMMITs emitted by the AckProcessor on quorum",
	})

	DeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "zab",
		Subsystem: "broadcast",
		Name:      "delivered_total",
		Help:      "Transactions delivered to the state machine",
	})

	SyncBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "zab",
		Subsystem: "log",
		Name:      "sync_batch_size",
		Help:      "Proposals appended per log sync",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	LogAppendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "zab",
		Subsystem: "log",
		Name:      "appends_total",
		Help:      "Transactions appended to the log",
	})

	LogSyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "zab",
		Subsystem: "log",
		Name:      "sync_duration_seconds",
		Help:      "Log fsync duration",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 20),
	})

	LogTruncatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "zab",
		Subsystem: "log",
		Name:      "truncates_total",
		Help:      "Log truncations performed during synchronization",
	})

	SyncStrategiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zab",
		Subsystem: "sync",
		Name:      "strategies_total",
		Help:      "Per-follower synchronization strategies chosen by the leader",
	}, []string{"strategy"})
)
