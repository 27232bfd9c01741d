package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zab/internal/config"
	"zab/internal/election"
	"zab/internal/logging"
	"zab/internal/metrics"
	"zab/internal/participant"
	"zab/internal/persistence"
	"zab/internal/statemachine"
	"zab/internal/transport"
	"zab/internal/zabtypes"
)

const (
	exitOK = iota
	exitConfigError
	exitPersistenceCorruption
	exitLeftCluster
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgDir := flag.String("config", "config", "directory holding application.yml")
	joinPeer := flag.String("join", "", "existing cluster member to join through (uninitialized replicas only)")
	flag.Parse()

	cfg, err := config.Load(*cfgDir)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return exitConfigError
	}

	logging.Init(cfg.Application.LogLevel)
	slog.Info("starting replica", "serverId", cfg.Zab.ServerID, "logdir", cfg.Zab.LogDir)

	persist, err := persistence.Open(cfg.Zab.LogDir)
	if err != nil {
		slog.Error("failed to open persistence", "error", err)
		if errors.Is(err, zabtypes.ErrPersistenceCorrupted) {
			return exitPersistenceCorruption
		}
		return exitConfigError
	}
	defer persist.Close()

	// The wire transport and the leader oracle are external collaborators:
	// this binary wires the in-process reference implementations, which is
	// enough for a single-process ensemble and for driving the engine
	// under an orchestrator that supplies real ones.
	self := zabtypes.ServerID(cfg.Zab.ServerID)
	reg := transport.NewRegistry()
	trans := reg.NewPeer(self, cfg.Zab.QueueSize)

	peers := cfg.PeerIDs()
	oracleLeader := self
	if len(peers) > 0 {
		oracleLeader = peers[0]
	}
	oracle := election.NewStatic(oracleLeader)

	part := participant.New(participant.Config{
		Timeout:          time.Duration(cfg.Zab.Timeout) * time.Millisecond,
		SyncMaxBatchSize: cfg.Zab.SyncMaxBatchSize,
		QueueSize:        cfg.Zab.QueueSize,
		Peers:            peers,
	}, persist, trans, oracle, statemachine.NewRecorder())

	var metricsServer *metrics.Server
	if cfg.Metrics.Addr != "" {
		metricsServer = metrics.NewServer(cfg.Metrics.Addr, part.Ready)
		metricsServer.Start()
		defer metricsServer.Stop()
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if *joinPeer != "" {
		err = part.Join(ctx, zabtypes.ServerID(*joinPeer))
	} else {
		err = part.Run(ctx)
	}

	switch {
	case err == nil, errors.Is(err, zabtypes.ErrCancelled):
		slog.Info("replica shut down")
		return exitOK
	case errors.Is(err, zabtypes.ErrLeftCluster):
		slog.Info("replica left the cluster on admin command")
		return exitLeftCluster
	case errors.Is(err, zabtypes.ErrPersistenceCorrupted):
		return exitPersistenceCorruption
	default:
		slog.Error("replica failed", "error", err)
		return exitConfigError
	}
}
