package persistence

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"zab/internal/zabtypes"
)

const (
	proposedEpochFile = "ProposedEpoch"
	ackEpochFile      = "AckEpoch"
	clusterConfigFile = "ClusterConfig"
)

// atomicWrite writes data to name under dir using write-tmp, rename,
// directory-fsync, so a crash mid-write never leaves a partially written
// file for the next reader.
func atomicWrite(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("persistence: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("persistence: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("persistence: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("persistence: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("persistence: close temp: %w", err)
	}

	target := filepath.Join(dir, name)
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("persistence: rename: %w", err)
	}

	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("persistence: open dir for fsync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("persistence: fsync dir: %w", err)
	}
	return nil
}

func readEpochFile(dir, name string) (uint32, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("persistence: read %s: %w", name, err)
	}
	if len(data) != 4 {
		return 0, fmt.Errorf("persistence: %w: malformed %s", zabtypes.ErrPersistenceCorrupted, name)
	}
	return binary.BigEndian.Uint32(data), nil
}

func writeEpochFile(dir, name string, epoch uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, epoch)
	return atomicWrite(dir, name, buf)
}

// cluster config wire format: version.epoch:u32, version.counter:u64,
// peerCount:u32, then peerCount length-prefixed peer id strings.
func writeClusterConfig(dir string, cfg zabtypes.ClusterConfig) error {
	peers := cfg.PeerList()

	size := 4 + 8 + 4
	for _, p := range peers {
		size += 4 + len(p)
	}
	buf := make([]byte, size)

	off := 0
	binary.BigEndian.PutUint32(buf[off:], cfg.Version.Epoch)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], cfg.Version.Counter)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(len(peers)))
	off += 4
	for _, p := range peers {
		binary.BigEndian.PutUint32(buf[off:], uint32(len(p)))
		off += 4
		copy(buf[off:], p)
		off += len(p)
	}

	return atomicWrite(dir, clusterConfigFile, buf)
}

func readClusterConfig(dir string) (zabtypes.ClusterConfig, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, clusterConfigFile))
	if errors.Is(err, os.ErrNotExist) {
		return zabtypes.ClusterConfig{}, false, nil
	}
	if err != nil {
		return zabtypes.ClusterConfig{}, false, fmt.Errorf("persistence: read cluster config: %w", err)
	}
	if len(data) < 16 {
		return zabtypes.ClusterConfig{}, false, fmt.Errorf("persistence: %w: malformed cluster config", zabtypes.ErrPersistenceCorrupted)
	}

	off := 0
	version := zabtypes.Zxid{
		Epoch:   binary.BigEndian.Uint32(data[off:]),
		Counter: binary.BigEndian.Uint64(data[off+4:]),
	}
	off += 12
	count := binary.BigEndian.Uint32(data[off:])
	off += 4

	peers := make([]zabtypes.ServerID, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+4 > len(data) {
			return zabtypes.ClusterConfig{}, false, fmt.Errorf("persistence: %w: truncated cluster config", zabtypes.ErrPersistenceCorrupted)
		}
		l := int(binary.BigEndian.Uint32(data[off:]))
		off += 4
		if off+l > len(data) {
			return zabtypes.ClusterConfig{}, false, fmt.Errorf("persistence: %w: truncated peer id", zabtypes.ErrPersistenceCorrupted)
		}
		peers = append(peers, zabtypes.ServerID(data[off:off+l]))
		off += l
	}

	return zabtypes.NewClusterConfig(version, peers), true, nil
}
