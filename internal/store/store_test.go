package store_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uvnmesh/uvn/internal/store"
)

type fakeRecord struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Value   string `json:"value"`
	dirty   bool
}

func (r *fakeRecord) TableName() string { return "widget" }
func (r *fakeRecord) ID_() string       { return r.ID }
func (r *fakeRecord) SetID(id string)   { r.ID = id }
func (r *fakeRecord) Owner() string     { return r.OwnerID }
func (r *fakeRecord) Dirty() bool       { return r.dirty }
func (r *fakeRecord) MarkDirty()        { r.dirty = true }
func (r *fakeRecord) ClearDirty()       { r.dirty = false }

func TestStore_New_AllocatesSequentialIDs(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)

	r1 := &fakeRecord{}
	id1 := s.New(r1)
	require.Equal(t, "widget-1", id1)
	require.True(t, r1.Dirty())

	r2 := &fakeRecord{}
	id2 := s.New(r2)
	require.Equal(t, "widget-2", id2)
}

func TestStore_SaveAll_SkipsCleanRecords(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)

	r := &fakeRecord{Value: "a"}
	s.New(r)
	require.NoError(t, s.SaveAll(r))
	require.False(t, r.Dirty())

	rows := s.RawRows("widget")
	require.Len(t, rows, 1)

	// Saving again with no dirty records touches nothing and errors on
	// neither path.
	require.NoError(t, s.SaveAll(r))
}

func TestStore_SaveThenLoad_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(dir)
	require.NoError(t, err)

	r := &fakeRecord{Value: "hello"}
	id := s.New(r)
	require.NoError(t, s.Save(r))

	loaded, err := store.Load[fakeRecord](s, "widget", id)
	require.NoError(t, err)
	require.Equal(t, "hello", loaded.Value)
}

func TestStore_Load_ReturnsCachedInstanceAfterSave(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)

	r := &fakeRecord{Value: "hello"}
	id := s.New(r)
	require.NoError(t, s.Save(r))

	loaded, err := store.Load[fakeRecord](s, "widget", id)
	require.NoError(t, err)
	require.Same(t, r, loaded)
}

func TestStore_Load_MissingRowErrors(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	_, err = store.Load[fakeRecord](s, "widget", "widget-999")
	require.Error(t, err)
}

func TestStore_LoadAll_DeterministicOrder(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)

	for _, v := range []string{"c", "a", "b"} {
		r := &fakeRecord{Value: v}
		s.New(r)
		require.NoError(t, s.Save(r))
	}

	all, err := store.LoadAll[fakeRecord](s, "widget")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "widget-1", all[0].ID)
	require.Equal(t, "widget-2", all[1].ID)
	require.Equal(t, "widget-3", all[2].ID)
}

func TestStore_LoadWhere_FiltersByPredicate(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)

	r1 := &fakeRecord{Value: "keep"}
	s.New(r1)
	require.NoError(t, s.Save(r1))
	r2 := &fakeRecord{Value: "drop"}
	s.New(r2)
	require.NoError(t, s.Save(r2))

	kept, err := store.LoadWhere[fakeRecord](s, "widget", func(r *fakeRecord) bool {
		return r.Value == "keep"
	})
	require.NoError(t, err)
	require.Len(t, kept, 1)
	require.Equal(t, "keep", kept[0].Value)
}

func TestStore_Delete_RemovesRow(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)

	r := &fakeRecord{Value: "gone"}
	s.New(r)
	require.NoError(t, s.Save(r))

	require.NoError(t, s.Delete(r))
	_, ok := s.RawRow("widget", r.ID)
	require.False(t, ok)
}

func TestStore_Delete_UnknownRowIsNoop(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	r := &fakeRecord{ID: "widget-999"}
	require.NoError(t, s.Delete(r))
}

func TestOpen_ReloadsPersistedTablesAndContinuesIDSequence(t *testing.T) {
	dir := t.TempDir()
	s1, err := store.Open(dir)
	require.NoError(t, err)
	r := &fakeRecord{Value: "persisted"}
	s1.New(r)
	require.NoError(t, s1.Save(r))

	s2, err := store.Open(dir)
	require.NoError(t, err)
	loaded, err := store.Load[fakeRecord](s2, "widget", r.ID)
	require.NoError(t, err)
	require.Equal(t, "persisted", loaded.Value)

	r2 := &fakeRecord{}
	id2 := s2.New(r2)
	require.Equal(t, "widget-2", id2)
}

func TestStore_RawRows_SortedByID(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		r := &fakeRecord{}
		s.New(r)
		require.NoError(t, s.Save(r))
	}
	rows := s.RawRows("widget")
	require.Len(t, rows, 3)
}

func TestStore_ReplaceTable(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	r := &fakeRecord{Value: "old"}
	s.New(r)
	require.NoError(t, s.Save(r))

	require.NoError(t, s.ReplaceTable("widget", map[string]json.RawMessage{
		"widget-7": json.RawMessage(`{"id":"widget-7","value":"new"}`),
	}))

	rows := s.RawRows("widget")
	require.Len(t, rows, 1)
	_, ok := s.RawRow("widget", r.ID)
	require.False(t, ok)
	_, ok = s.RawRow("widget", "widget-7")
	require.True(t, ok)
}
