package walog_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"zab/internal/walog"
	"zab/internal/zabtypes"
)

func txn(epoch uint32, counter uint64, body string) zabtypes.Transaction {
	return zabtypes.Transaction{
		Zxid: zabtypes.Zxid{Epoch: epoch, Counter: counter},
		Type: zabtypes.TypeUserBase,
		Body: []byte(body),
	}
}

func TestAppendAndLatestZxid(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	l, err := walog.Open(dir)
	require.NoError(t, err)
	defer l.Close()

	require.Equal(t, zabtypes.ZxidNull, l.LatestZxid())

	require.NoError(t, l.Append(txn(1, 1, "x")))
	require.Equal(t, zabtypes.Zxid{Epoch: 1, Counter: 1}, l.LatestZxid())

	require.NoError(t, l.Append(txn(1, 2, "y")))
	require.Equal(t, zabtypes.Zxid{Epoch: 1, Counter: 2}, l.LatestZxid())
}

func TestAppendRejectsNonIncreasingZxid(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	l, err := walog.Open(dir)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(txn(1, 2, "x")))
	require.Error(t, l.Append(txn(1, 2, "dup")))
	require.Error(t, l.Append(txn(1, 1, "older")))
}

func TestSyncAndRestartRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	l, err := walog.Open(dir)
	require.NoError(t, err)

	require.NoError(t, l.Append(txn(1, 1, "x")))
	require.NoError(t, l.Sync())
	require.NoError(t, l.Close())

	l2, err := walog.Open(dir)
	require.NoError(t, err)
	defer l2.Close()

	require.Equal(t, zabtypes.Zxid{Epoch: 1, Counter: 1}, l2.LatestZxid())

	it := l2.Iterate(zabtypes.ZxidNull)
	got, ok := it.Next()
	require.True(t, ok)
	require.Equal(t, "x", string(got.Body))
	_, ok = it.Next()
	require.False(t, ok)
}

func TestIterateFromMidpoint(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	l, err := walog.Open(dir)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(txn(1, 1, "a")))
	require.NoError(t, l.Append(txn(1, 2, "b")))
	require.NoError(t, l.Append(txn(1, 3, "c")))

	it := l.Iterate(zabtypes.Zxid{Epoch: 1, Counter: 2})
	var bodies []string
	for {
		txn, ok := it.Next()
		if !ok {
			break
		}
		bodies = append(bodies, string(txn.Body))
	}
	require.Equal(t, []string{"b", "c"}, bodies)
}

func TestTruncateRemovesSuffixAndIsIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	l, err := walog.Open(dir)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(txn(1, 1, "a")))
	require.NoError(t, l.Append(txn(1, 2, "b")))
	require.NoError(t, l.Append(txn(1, 3, "c")))

	cut := zabtypes.Zxid{Epoch: 1, Counter: 1}
	require.NoError(t, l.Truncate(cut))
	require.Equal(t, cut, l.LatestZxid())

	// idempotent: truncating to the same point again is a no-op
	require.NoError(t, l.Truncate(cut))
	require.Equal(t, cut, l.LatestZxid())

	it := l.Iterate(zabtypes.ZxidNull)
	txn, ok := it.Next()
	require.True(t, ok)
	require.Equal(t, "a", string(txn.Body))
	_, ok = it.Next()
	require.False(t, ok)
}

func TestTruncateToZxidNullWipesLog(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	l, err := walog.Open(dir)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(txn(1, 1, "a")))
	require.NoError(t, l.Truncate(zabtypes.ZxidNull))
	require.Equal(t, zabtypes.ZxidNull, l.LatestZxid())

	it := l.Iterate(zabtypes.ZxidNull)
	_, ok := it.Next()
	require.False(t, ok)
}

func TestTruncateRejectsUnknownZxid(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	l, err := walog.Open(dir)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(txn(1, 1, "a")))
	require.Error(t, l.Truncate(zabtypes.Zxid{Epoch: 9, Counter: 9}))
}

func TestIteratorSeesSnapshotAcrossTruncate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	l, err := walog.Open(dir)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(txn(1, 1, "a")))
	require.NoError(t, l.Append(txn(1, 2, "b")))

	it := l.Iterate(zabtypes.ZxidNull)

	require.NoError(t, l.Truncate(zabtypes.Zxid{Epoch: 1, Counter: 1}))

	// the iterator was created before the truncate and keeps its snapshot
	first, ok := it.Next()
	require.True(t, ok)
	require.Equal(t, "a", string(first.Body))
	second, ok := it.Next()
	require.True(t, ok)
	require.Equal(t, "b", string(second.Body))
}
