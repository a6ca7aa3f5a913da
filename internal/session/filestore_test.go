package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/metapod/internal/fault"
	"github.com/fyrsmithlabs/metapod/internal/ledger"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestFileStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)
	s := newTestSession(t, "s1", "/work/a")

	require.NoError(t, store.Save(ctx, s))
	loaded, err := store.Load(ctx, "s1")
	require.NoError(t, err)

	want, _ := json.Marshal(s.Record())
	got, _ := json.Marshal(loaded.Record())
	assert.Equal(t, string(want), string(got))
}

func TestFileStore_KeyPermissions(t *testing.T) {
	store := newTestFileStore(t)
	info, err := os.Stat(filepath.Join(store.Dir(), ".hmac_key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	assert.Equal(t, int64(hmacKeySize), info.Size())

	reopened, err := NewFileStore(store.Dir(), nil)
	require.NoError(t, err)
	assert.Equal(t, store.key, reopened.key)
}

func TestFileStore_RecordPermissions(t *testing.T) {
	store := newTestFileStore(t)
	require.NoError(t, store.Save(context.Background(), newTestSession(t, "s1", "/work/a")))
	info, err := os.Stat(filepath.Join(store.Dir(), activeDir, "s1.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileStore_TamperedRecordIsFatal(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)
	require.NoError(t, store.Save(ctx, newTestSession(t, "s1", "/work/a")))

	p := filepath.Join(store.Dir(), activeDir, "s1.json")
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "add structured logging", "add unstructured logging", 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(p, []byte(tampered), 0600))

	_, err = store.Load(ctx, "s1")
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Equal(t, fault.Fatal, fault.ClassOf(err))
}

func TestFileStore_GarbageIsCorrupt(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), activeDir, "s1.json"), []byte("{not json"), 0600))

	_, err := store.Load(ctx, "s1")
	assert.ErrorIs(t, err, ledger.ErrCorrupt)
	assert.Equal(t, fault.Fatal, fault.ClassOf(err))

	infos, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, infos, "unreadable records are skipped")
}

func TestFileStore_NotFound(t *testing.T) {
	_, err := newTestFileStore(t).Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, fault.Validation, fault.ClassOf(err))
}

func TestFileStore_InvalidID(t *testing.T) {
	_, err := newTestFileStore(t).Load(context.Background(), "../etc/passwd")
	assert.Equal(t, fault.Validation, fault.ClassOf(err))
}

func TestFileStore_FindActiveAndArchive(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)

	a := newTestSession(t, "s1", "/work/a")
	b := newTestSession(t, "s2", "/work/b")
	require.NoError(t, store.Save(ctx, a))
	require.NoError(t, store.Save(ctx, b))

	found, err := store.FindActive(ctx, "/work/a")
	require.NoError(t, err)
	assert.Equal(t, "s1", found.ID)

	assert.Error(t, store.Archive(ctx, "s1"), "active sessions cannot be archived")

	a.Status = StatusCompleted
	require.NoError(t, store.Save(ctx, a))
	require.NoError(t, store.Archive(ctx, "s1"))
	require.NoError(t, store.Archive(ctx, "s1"), "archiving twice is a no-op")

	_, err = store.FindActive(ctx, "/work/a")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	loaded, err := store.Load(ctx, "s1")
	require.NoError(t, err, "archived sessions stay loadable")
	assert.Equal(t, StatusCompleted, loaded.Status)

	infos, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	byID := map[string]Info{}
	for _, i := range infos {
		byID[i.ID] = i
	}
	assert.True(t, byID["s1"].Archived)
	assert.False(t, byID["s2"].Archived)
	assert.Equal(t, "intake-scoping", byID["s2"].Phase)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := newTestSession(t, "s1", "/work/a")
	require.NoError(t, store.Save(ctx, s))

	found, err := store.FindActive(ctx, "/work/a")
	require.NoError(t, err)
	assert.Equal(t, "s1", found.ID)
	assert.NotSame(t, s.Ledger, found.Ledger, "load replays the journal")

	s.Status = StatusCancelled
	require.NoError(t, store.Save(ctx, s))
	require.NoError(t, store.Archive(ctx, "s1"))
	_, err = store.FindActive(ctx, "/work/a")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	infos, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, StateCancelled, infos[0].State)
}
