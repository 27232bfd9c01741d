package participant

import (
	"zab/internal/walog"
	"zab/internal/zabtypes"
)

// logContains reports whether z is present in the log.
func logContains(l *walog.Log, z zabtypes.Zxid) bool {
	if z.IsNull() {
		return false
	}
	txn, ok := l.Iterate(z).Next()
	return ok && txn.Zxid == z
}

// precedesLog reports whether z falls before the first retained entry, i.e.
// the range a follower at z would need is no longer in the log.
func precedesLog(l *walog.Log, z zabtypes.Zxid) bool {
	first, ok := l.Iterate(zabtypes.ZxidNull).Next()
	return ok && z.Less(first.Zxid)
}

// greatestAtMost returns the largest zxid in the log that is <= z, or
// ZxidNull when no such entry exists. This is the closest common ancestor a
// divergent follower can be truncated back to.
func greatestAtMost(l *walog.Log, z zabtypes.Zxid) zabtypes.Zxid {
	best := zabtypes.ZxidNull
	it := l.Iterate(zabtypes.ZxidNull)
	for {
		txn, ok := it.Next()
		if !ok || txn.Zxid.Greater(z) {
			return best
		}
		best = txn.Zxid
	}
}
