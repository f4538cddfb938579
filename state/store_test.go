// state/store_test.go
package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDoc struct {
	Symbol string  `json:"symbol"`
	Qty    float64 `json:"qty"`
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	in := testDoc{Symbol: "BTCUSDT", Qty: 0.25}
	require.NoError(t, store.Save("positions", in))

	var out testDoc
	found, err := store.Load("positions", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, in, out)
}

func TestFileStoreMissingDocument(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	var out testDoc
	found, err := store.Load("never_saved", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFileStoreOverwriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Save("doc", testDoc{Symbol: "ETHUSDT", Qty: 1}))
	require.NoError(t, store.Save("doc", testDoc{Symbol: "ETHUSDT", Qty: 2}))

	var out testDoc
	found, err := store.Load("doc", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.InDelta(t, 2, out.Qty, 1e-9)

	_, err = os.Stat(filepath.Join(dir, "doc.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileStoreRejectsCorruptDocument(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0644))

	var out testDoc
	_, err = store.Load("bad", &out)
	assert.Error(t, err)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()

	var out testDoc
	found, err := store.Load("doc", &out)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Save("doc", testDoc{Symbol: "SOLUSDT", Qty: 3}))
	found, err = store.Load("doc", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "SOLUSDT", out.Symbol)
}
