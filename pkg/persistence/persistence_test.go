package persistence

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	Sequence uint64            `json:"sequence"`
	Values   map[string]string `json:"values"`
}

func services(t *testing.T) map[string]Service {
	t.Helper()
	db, err := OpenBadger(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	files, err := NewJSONFileService(t.TempDir())
	require.NoError(t, err)
	return map[string]Service{
		"json":   files,
		"badger": db,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, svc := range services(t) {
		t.Run(name, func(t *testing.T) {
			store := svc.NewStore("state", "engine", "balances")

			var out snapshot
			assert.ErrorIs(t, store.Load(&out), ErrNotExists)

			in := snapshot{Sequence: 42, Values: map[string]string{"USD": "2.86"}}
			require.NoError(t, store.Save(in))
			require.NoError(t, store.Load(&out))
			assert.Equal(t, in, out)

			require.NoError(t, store.Delete())
			assert.ErrorIs(t, store.Load(&out), ErrNotExists)
			require.NoError(t, store.Delete())
		})
	}
}

func TestStoresAreIsolatedByKey(t *testing.T) {
	for name, svc := range services(t) {
		t.Run(name, func(t *testing.T) {
			a := svc.NewStore("intents", "open", "v1")
			b := svc.NewStore("state", "balances", "v1")
			require.NoError(t, a.Save(snapshot{Sequence: 1}))

			var out snapshot
			assert.ErrorIs(t, b.Load(&out), ErrNotExists)
			require.NoError(t, a.Load(&out))
			assert.Equal(t, uint64(1), out.Sequence)
		})
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	dir := t.TempDir()
	svc, err := Open(BackendJSON, dir)
	require.NoError(t, err)
	require.IsType(t, &JSONFileService{}, svc)
	require.NoError(t, svc.NewStore("state", "balances", "v1").Save(snapshot{Sequence: 3}))
	require.NoError(t, svc.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state_balances_v1.json", entries[0].Name())

	svc, err = Open("BADGER", t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &BadgerService{}, svc)
	require.NoError(t, svc.Close())

	_, err = Open("redis", dir)
	assert.Error(t, err)
	_, err = Open(BackendJSON, " ")
	assert.Error(t, err)
}
