// Package zabtypes holds the core data model of the replication engine:
// the zxid total order, transactions, server identifiers and the cluster
// configuration that quorum counting is derived from.
package zabtypes

import "fmt"

// ServerID identifies a participant within the ensemble.
type ServerID string

// Zxid is a transaction id: (epoch, counter), ordered lexicographically.
// ZxidNull precedes every real id and marks an empty log or "no history".
type Zxid struct {
	Epoch   uint32
	Counter uint64
}

// ZxidNull is the sentinel that precedes all real transaction ids.
var ZxidNull = Zxid{}

// Less reports whether z sorts strictly before other.
func (z Zxid) Less(other Zxid) bool {
	if z.Epoch != other.Epoch {
		return z.Epoch < other.Epoch
	}
	return z.Counter < other.Counter
}

// LessOrEqual reports whether z sorts before or equal to other.
func (z Zxid) LessOrEqual(other Zxid) bool {
	return z == other || z.Less(other)
}

// Greater reports whether z sorts strictly after other.
func (z Zxid) Greater(other Zxid) bool {
	return other.Less(z)
}

// IsNull reports whether z is the sentinel ZxidNull.
func (z Zxid) IsNull() bool {
	return z == ZxidNull
}

func (z Zxid) String() string {
	return fmt.Sprintf("(%d,%d)", z.Epoch, z.Counter)
}

// NextCounter returns the zxid for the next transaction of the same epoch.
func (z Zxid) NextCounter() Zxid {
	return Zxid{Epoch: z.Epoch, Counter: z.Counter + 1}
}
