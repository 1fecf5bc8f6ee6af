package tablet

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rowkv/cluster/pkg/kverr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	tb := New("a", "z")
	require.NoError(t, tb.Put("apple", "c1", []byte("v1")))

	v, err := tb.GetValue("apple", "c1")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))
}

func TestPutOverwrite(t *testing.T) {
	tb := New("a", "z")
	require.NoError(t, tb.Put("apple", "c1", []byte("v1")))
	require.NoError(t, tb.Put("apple", "c1", []byte("v2")))

	v, err := tb.GetValue("apple", "c1")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v))
}

func TestDeleteRowThenGet(t *testing.T) {
	tb := New("a", "z")
	require.NoError(t, tb.Put("apple", "c1", []byte("v1")))
	require.NoError(t, tb.DeleteRow("apple"))

	_, err := tb.GetValue("apple", "c1")
	assert.ErrorIs(t, err, kverr.ErrRowMissing)
}

func TestCPutSuccess(t *testing.T) {
	tb := New("a", "z")
	require.NoError(t, tb.Put("apple", "c1", []byte("v1")))
	require.NoError(t, tb.CPut("apple", "c1", []byte("v1"), []byte("w")))

	v, err := tb.GetValue("apple", "c1")
	require.NoError(t, err)
	assert.Equal(t, "w", string(v))
}

func TestCPutMismatchReportsCondMismatch(t *testing.T) {
	tb := New("a", "z")
	require.NoError(t, tb.Put("apple", "c1", []byte("v1")))
	err := tb.CPut("apple", "c1", []byte("wrong"), []byte("w"))
	assert.ErrorIs(t, err, kverr.ErrCondMismatch)

	// value must be unchanged
	v, getErr := tb.GetValue("apple", "c1")
	require.NoError(t, getErr)
	assert.Equal(t, "v1", string(v))
}

func TestDeleteColumnAbsentIsSilentSuccess(t *testing.T) {
	tb := New("a", "z")
	require.NoError(t, tb.Put("apple", "c1", []byte("v1")))
	err := tb.DeleteColumn("apple", "does-not-exist")
	assert.NoError(t, err)

	// row survives with zero columns removed
	cols, err := tb.GetRow("apple")
	require.NoError(t, err)
	assert.Contains(t, cols, "c1")
}

func TestDeleteColumnLeavesEmptyRow(t *testing.T) {
	tb := New("a", "z")
	require.NoError(t, tb.Put("apple", "c1", []byte("v1")))
	require.NoError(t, tb.DeleteColumn("apple", "c1"))

	cols, err := tb.GetRow("apple")
	require.NoError(t, err)
	assert.Empty(t, cols)
}

func TestRenameRow(t *testing.T) {
	tb := New("a", "z")
	require.NoError(t, tb.Put("apple", "c1", []byte("v1")))
	require.NoError(t, tb.RenameRow("apple", "apricot"))

	_, err := tb.GetValue("apple", "c1")
	assert.ErrorIs(t, err, kverr.ErrRowMissing)

	v, err := tb.GetValue("apricot", "c1")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))
}

func TestRenameRowTargetExists(t *testing.T) {
	tb := New("a", "z")
	require.NoError(t, tb.Put("apple", "c1", []byte("v1")))
	require.NoError(t, tb.Put("apricot", "c1", []byte("v2")))

	err := tb.RenameRow("apple", "apricot")
	assert.ErrorIs(t, err, kverr.ErrRowExists)
}

func TestRenameColumn(t *testing.T) {
	tb := New("a", "z")
	require.NoError(t, tb.Put("apple", "c1", []byte("v1")))
	require.NoError(t, tb.RenameColumn("apple", "c1", "c2"))

	_, err := tb.GetValue("apple", "c1")
	assert.ErrorIs(t, err, kverr.ErrColMissing)

	v, err := tb.GetValue("apple", "c2")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))
}

func TestRenameColumnTargetExists(t *testing.T) {
	tb := New("a", "z")
	require.NoError(t, tb.Put("apple", "c1", []byte("v1")))
	require.NoError(t, tb.Put("apple", "c2", []byte("v2")))

	err := tb.RenameColumn("apple", "c1", "c2")
	assert.ErrorIs(t, err, kverr.ErrColExists)
}

func TestGetAllRowsInKeyOrder(t *testing.T) {
	tb := New("a", "z")
	require.NoError(t, tb.Put("banana", "c", []byte("1")))
	require.NoError(t, tb.Put("apricot", "c", []byte("1")))
	require.NoError(t, tb.Put("cherry", "c", []byte("1")))

	assert.Equal(t, []string{"apricot", "banana", "cherry"}, tb.GetAllRows())
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	tb := New("aa", "bz")
	require.NoError(t, tb.Put("apricot", "c", []byte("1")))
	require.NoError(t, tb.Put("apricot", "d", []byte("2")))
	require.NoError(t, tb.Put("banana", "e", []byte("")))

	dir := t.TempDir()
	path := filepath.Join(dir, "tablet.bin")
	require.NoError(t, tb.Serialize(path))

	restored, err := Deserialize(path, "aa", "bz")
	require.NoError(t, err)

	assert.Equal(t, tb.GetAllRows(), restored.GetAllRows())
	for _, row := range tb.GetAllRows() {
		origCols, _ := tb.GetRow(row)
		newCols, err := restored.GetRow(row)
		require.NoError(t, err)
		assert.ElementsMatch(t, origCols, newCols)
		for _, c := range origCols {
			ov, _ := tb.GetValue(row, c)
			nv, err := restored.GetValue(row, c)
			require.NoError(t, err)
			assert.Equal(t, ov, nv)
		}
	}

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestConcurrentWritesDistinctRows(t *testing.T) {
	tb := New("a", "z")
	var wg sync.WaitGroup
	rows := []string{"apple", "banana", "cherry", "date"}
	for _, row := range rows {
		wg.Add(1)
		go func(row string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = tb.Put(row, "c", []byte{byte(i)})
			}
		}(row)
	}
	wg.Wait()

	for _, row := range rows {
		_, err := tb.GetValue(row, "c")
		require.NoError(t, err)
	}
}
