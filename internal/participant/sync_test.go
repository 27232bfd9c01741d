package participant

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"zab/internal/walog"
	"zab/internal/zabtypes"
)

func openLog(t *testing.T, zxids ...zabtypes.Zxid) *walog.Log {
	t.Helper()
	l, err := walog.Open(filepath.Join(t.TempDir(), "log"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	for _, z := range zxids {
		require.NoError(t, l.Append(zabtypes.Transaction{Zxid: z}))
	}
	return l
}

func z(e uint32, c uint64) zabtypes.Zxid { return zabtypes.Zxid{Epoch: e, Counter: c} }

func TestLogContains(t *testing.T) {
	l := openLog(t, z(1, 1), z(1, 2), z(2, 1))

	require.True(t, logContains(l, z(1, 2)))
	require.True(t, logContains(l, z(2, 1)))
	require.False(t, logContains(l, z(1, 3)))
	require.False(t, logContains(l, zabtypes.ZxidNull))
}

func TestPrecedesLog(t *testing.T) {
	l := openLog(t, z(2, 1), z(2, 2))

	require.True(t, precedesLog(l, z(1, 5)))
	require.False(t, precedesLog(l, z(2, 1)))
	require.False(t, precedesLog(l, z(3, 1)))

	empty := openLog(t)
	require.False(t, precedesLog(empty, z(1, 1)))
}

func TestGreatestAtMost(t *testing.T) {
	l := openLog(t, z(1, 1), z(1, 2), z(2, 1))

	require.Equal(t, z(1, 2), greatestAtMost(l, z(1, 9)))
	require.Equal(t, z(2, 1), greatestAtMost(l, z(5, 0)))
	require.Equal(t, zabtypes.ZxidNull, greatestAtMost(l, z(0, 5)))
}
