package macrostore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/slotheather55/webspark/api/schemas"
	"github.com/slotheather55/webspark/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newStore(t *testing.T, historyEnabled bool) *Store {
	t.Helper()
	s, err := New(config.MacrosConfig{
		Dir:            t.TempDir(),
		HistoryEnabled: historyEnabled,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func sampleMacro(name string) *schemas.Macro {
	return &schemas.Macro{
		Name: name,
		URL:  "https://shop.example/product/1",
		Actions: []schemas.Action{
			{
				ID:          1,
				Type:        schemas.ActionClick,
				Locator:     schemas.LocatorBundle{CSSSelector: "#add-to-cart", Text: "Add to cart"},
				Description: "Click on 'Add to cart' (#add-to-cart)",
			},
			{
				ID:          2,
				Type:        schemas.ActionInput,
				Locator:     schemas.LocatorBundle{CSSSelector: "#qty"},
				Description: "Type '2' in input field (#qty)",
				Value:       "2",
			},
		},
	}
}

func TestSaveAssignsIdentity(t *testing.T) {
	s := newStore(t, false)

	macro := sampleMacro("checkout")
	require.NoError(t, s.Save(macro))
	assert.NotEmpty(t, macro.ID)
	assert.False(t, macro.CreatedAt.IsZero())

	loaded, err := s.Load(macro.ID)
	require.NoError(t, err)
	assert.Equal(t, macro.Name, loaded.Name)
	assert.Equal(t, macro.URL, loaded.URL)
	require.Len(t, loaded.Actions, 2)
	assert.Equal(t, "#add-to-cart", loaded.Actions[0].Locator.CSSSelector)
	assert.Equal(t, "2", loaded.Actions[1].Value)
}

func TestSaveKeepsExistingIdentity(t *testing.T) {
	s := newStore(t, false)

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	macro := sampleMacro("existing")
	macro.ID = "11111111-2222-3333-4444-555555555555"
	macro.CreatedAt = created
	require.NoError(t, s.Save(macro))

	loaded, err := s.Load(macro.ID)
	require.NoError(t, err)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", loaded.ID)
	assert.True(t, loaded.CreatedAt.Equal(created))
}

func TestLoadMissing(t *testing.T) {
	s := newStore(t, false)

	_, err := s.Load("00000000-0000-0000-0000-000000000000")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListNewestFirst(t *testing.T) {
	s := newStore(t, false)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	names := []string{"oldest", "middle", "newest"}
	for i, name := range names {
		m := sampleMacro(name)
		m.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.Save(m))
	}

	macros, err := s.List()
	require.NoError(t, err)
	require.Len(t, macros, 3)
	assert.Equal(t, "newest", macros[0].Name)
	assert.Equal(t, "middle", macros[1].Name)
	assert.Equal(t, "oldest", macros[2].Name)
}

func TestListSkipsUnreadableEntries(t *testing.T) {
	s := newStore(t, false)

	good := sampleMacro("good")
	require.NoError(t, s.Save(good))

	// A corrupt document referenced by the index must not sink the listing.
	badID := "99999999-9999-9999-9999-999999999999"
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), badID+".json"), []byte("{not json"), 0o644))
	s.mu.Lock()
	require.NoError(t, s.addToIndex(badID))
	s.mu.Unlock()

	macros, err := s.List()
	require.NoError(t, err)
	require.Len(t, macros, 1)
	assert.Equal(t, good.ID, macros[0].ID)
}

func TestListEmptyLibrary(t *testing.T) {
	s := newStore(t, false)
	macros, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, macros)
}

func TestDelete(t *testing.T) {
	s := newStore(t, false)

	macro := sampleMacro("doomed")
	require.NoError(t, s.Save(macro))
	require.NoError(t, s.Delete(macro.ID))

	_, err := s.Load(macro.ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	macros, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, macros)

	err = s.Delete(macro.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRejectsPathEscapes(t *testing.T) {
	s := newStore(t, false)

	for _, id := range []string{"", "../evil", "a/b", ".", ".."} {
		_, err := s.Load(id)
		assert.Error(t, err, "id %q must be rejected", id)
	}

	macro := sampleMacro("bad id")
	macro.ID = "../../etc/passwd"
	assert.Error(t, s.Save(macro))
}

func TestIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := config.MacrosConfig{Dir: dir}

	s1, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	macro := sampleMacro("persistent")
	require.NoError(t, s1.Save(macro))

	s2, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	macros, err := s2.List()
	require.NoError(t, err)
	require.Len(t, macros, 1)
	assert.Equal(t, macro.ID, macros[0].ID)
}

func TestHistoryDisabled(t *testing.T) {
	s := newStore(t, false)
	macro := sampleMacro("no history")
	require.NoError(t, s.Save(macro))

	_, err := s.History(macro.ID)
	assert.Error(t, err)
}

func TestHistoryRecordsSaves(t *testing.T) {
	s := newStore(t, true)

	macro := sampleMacro("audited")
	require.NoError(t, s.Save(macro))

	revs, err := s.History(macro.ID)
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Contains(t, revs[0].Message, macro.ID)

	// Edit the locator and save again; the trail grows.
	macro.Actions[0].Locator.CSSSelector = "#add-to-cart-v2"
	require.NoError(t, s.Save(macro))

	revs, err = s.History(macro.ID)
	require.NoError(t, err)
	require.Len(t, revs, 2)
	assert.Contains(t, revs[0].Message, "Save macro")
}

func TestHistoryUnchangedSaveAddsNothing(t *testing.T) {
	s := newStore(t, true)

	macro := sampleMacro("steady")
	require.NoError(t, s.Save(macro))
	require.NoError(t, s.Save(macro))

	revs, err := s.History(macro.ID)
	require.NoError(t, err)
	assert.Len(t, revs, 1, "an identical rewrite must not add a commit")
}
