// Package persistence wraps the transaction log with the durable epoch
// counters and last-seen cluster configuration a participant needs to
// recover safely after a crash. Writes use write-tmp-then-rename with a
// directory fsync so a torn write can never surface to the next reader.
package persistence

import (
	"fmt"
	"log/slog"
	"sync"

	"zab/internal/walog"
	"zab/internal/zabtypes"
)

const logSubdir = "log"

// Persistence owns the Log exclusively and serializes all access to the
// epoch counters and cluster configuration behind a single mutex.
type Persistence struct {
	mu  sync.Mutex
	dir string
	log *walog.Log

	proposedEpoch uint32
	ackEpoch      uint32
	lastSeenCfg   zabtypes.ClusterConfig
	hasLastSeen   bool

	lock *dirLock
}

// Open acquires the directory lock, opens the log, and loads the epoch and
// configuration files. A cold start (no files present) yields (0, 0) and no
// configuration.
func Open(dir string) (*Persistence, error) {
	lock, err := acquireDirLock(dir)
	if err != nil {
		return nil, fmt.Errorf("persistence: %w", err)
	}

	log, err := walog.Open(dir + "/" + logSubdir)
	if err != nil {
		lock.release()
		return nil, err
	}

	p := &Persistence{dir: dir, log: log, lock: lock}

	p.proposedEpoch, err = readEpochFile(dir, proposedEpochFile)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.ackEpoch, err = readEpochFile(dir, ackEpochFile)
	if err != nil {
		p.Close()
		return nil, err
	}
	if p.ackEpoch > p.proposedEpoch {
		p.Close()
		return nil, fmt.Errorf("persistence: %w: ackEpoch %d > proposedEpoch %d", zabtypes.ErrPersistenceCorrupted, p.ackEpoch, p.proposedEpoch)
	}

	cfg, ok, err := readClusterConfig(dir)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.lastSeenCfg, p.hasLastSeen = cfg, ok

	slog.Info("persistence opened", "dir", dir, "proposedEpoch", p.proposedEpoch, "ackEpoch", p.ackEpoch, "hasConfig", ok)
	return p, nil
}

// Log returns the underlying transaction log.
func (p *Persistence) Log() *walog.Log {
	return p.log
}

func (p *Persistence) GetProposedEpoch() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.proposedEpoch
}

func (p *Persistence) SetProposedEpoch(e uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := writeEpochFile(p.dir, proposedEpochFile, e); err != nil {
		return err
	}
	p.proposedEpoch = e
	return nil
}

func (p *Persistence) GetAckEpoch() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ackEpoch
}

func (p *Persistence) SetAckEpoch(e uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := writeEpochFile(p.dir, ackEpochFile, e); err != nil {
		return err
	}
	p.ackEpoch = e
	return nil
}

// GetLastSeenConfig returns the most recently observed cluster membership
// and whether one has ever been recorded.
func (p *Persistence) GetLastSeenConfig() (zabtypes.ClusterConfig, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeenCfg, p.hasLastSeen
}

func (p *Persistence) SetLastSeenConfig(cfg zabtypes.ClusterConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := writeClusterConfig(p.dir, cfg); err != nil {
		return err
	}
	p.lastSeenCfg = cfg
	p.hasLastSeen = true
	return nil
}

// Close releases the log and the directory lock.
func (p *Persistence) Close() error {
	var err error
	if p.log != nil {
		err = p.log.Close()
	}
	if p.lock != nil {
		p.lock.release()
	}
	return err
}
