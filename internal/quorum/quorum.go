// Package quorum derives quorum size from the last-seen cluster
// configuration and answers "is this a quorum of responders" questions for
// the discovery and ack-counting phases.
package quorum

import (
	"sort"

	"github.com/thoas/go-funk"

	"zab/internal/zabtypes"
)

// Size returns the size of a strict majority of peers.
func Size(peers int) int {
	return peers/2 + 1
}

// HasQuorum reports whether the given responder set is a majority of cfg's
// peers. Responders outside cfg are ignored; quorum is always derived from
// the current last-seen configuration.
func HasQuorum(cfg zabtypes.ClusterConfig, responders map[zabtypes.ServerID]struct{}) bool {
	count := 0
	for id := range responders {
		if cfg.Contains(id) {
			count++
		}
	}
	return count >= Size(len(cfg.Peers))
}

// Contains reports whether id appears in ids, using go-funk's generic
// membership check rather than a hand-rolled loop.
func Contains(ids []zabtypes.ServerID, id zabtypes.ServerID) bool {
	return funk.Contains(ids, id)
}

// Candidate is a follower's sync-selection material: its ack epoch and
// latest zxid, used to choose the new epoch's initial history owner.
type Candidate struct {
	ID       zabtypes.ServerID
	AckEpoch uint32
	LastZxid zabtypes.Zxid
}

// SelectInitialHistoryOwner picks the candidate with the greatest
// (ackEpoch, lastZxid), tie-broken by ascending server id. Its log becomes
// the authoritative prefix for the new epoch.
func SelectInitialHistoryOwner(candidates []Candidate) Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if better(c, best) {
			best = c
		}
	}
	return best
}

func better(a, b Candidate) bool {
	if a.AckEpoch != b.AckEpoch {
		return a.AckEpoch > b.AckEpoch
	}
	if a.LastZxid != b.LastZxid {
		return a.LastZxid.Greater(b.LastZxid)
	}
	return a.ID < b.ID
}

// SortedIDs returns a copy of ids in ascending order.
func SortedIDs(ids []zabtypes.ServerID) []zabtypes.ServerID {
	out := append([]zabtypes.ServerID{}, ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
