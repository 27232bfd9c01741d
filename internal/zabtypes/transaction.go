package zabtypes

// Transaction is the unit the engine orders and delivers. Once created by
// the leader's PreProcessor it is immutable; it is only ever destroyed when
// the enclosing log segment is truncated or compacted.
type Transaction struct {
	Zxid Zxid
	Type uint32
	Body []byte
}

// Common transaction types. Applications are free to use values above
// TypeUserBase for their own request kinds; the engine never inspects Body.
const (
	TypeNoop     uint32 = 0
	TypeUserBase uint32 = 100
)

// ClusterConfig is the most recently observed cluster membership. Version
// is the zxid at which the configuration took effect; it is used purely to
// compare two configurations for recency, not to gate quorum math mid-round.
type ClusterConfig struct {
	Version Zxid
	Peers   map[ServerID]struct{}
}

// NewClusterConfig builds a configuration from a peer list.
func NewClusterConfig(version Zxid, peers []ServerID) ClusterConfig {
	set := make(map[ServerID]struct{}, len(peers))
	for _, p := range peers {
		set[p] = struct{}{}
	}
	return ClusterConfig{Version: version, Peers: set}
}

// PeerList returns the peer set as a stable, sorted slice.
func (c ClusterConfig) PeerList() []ServerID {
	out := make([]ServerID, 0, len(c.Peers))
	for p := range c.Peers {
		out = append(out, p)
	}
	return sortServerIDs(out)
}

// Contains reports whether id is a member of the configuration.
func (c ClusterConfig) Contains(id ServerID) bool {
	_, ok := c.Peers[id]
	return ok
}

// IsZero reports whether the configuration has never been set.
func (c ClusterConfig) IsZero() bool {
	return len(c.Peers) == 0 && c.Version.IsNull()
}

func sortServerIDs(ids []ServerID) []ServerID {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}
